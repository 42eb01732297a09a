// Package handler exposes the governance core to the action orchestrator
// over JSON HTTP. It owns the error-code to status mapping; the services
// themselves are transport-agnostic.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/ledger"
	"github.com/MokiMeow/OARS-sub001/internal/logger"
	"github.com/MokiMeow/OARS-sub001/internal/repository"
	"github.com/MokiMeow/OARS-sub001/internal/service"
)

// HTTPHandler handles HTTP requests for approvals, receipts, and ledger
// operations.
type HTTPHandler struct {
	approvals *service.ApprovalService
	receipts  *service.ReceiptService
	audit     *ledger.Ledger
	notifier  service.Notifier
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. notifier may be nil.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	receipts *service.ReceiptService,
	audit *ledger.Ledger,
	notifier service.Notifier,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		receipts:  receipts,
		audit:     audit,
		notifier:  notifier,
		log:       log,
	}
}

// Register wires all routes onto the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.UpsertWorkflow)
	mux.HandleFunc("/api/v1/approvals", h.CreateApproval)
	mux.HandleFunc("/api/v1/approvals/get", h.GetApproval)
	mux.HandleFunc("/api/v1/approvals/pending", h.ListPendingApprovals)
	mux.HandleFunc("/api/v1/approvals/decide", h.RecordDecision)
	mux.HandleFunc("/api/v1/approvals/escalations", h.ScanEscalations)
	mux.HandleFunc("/api/v1/receipts", h.CreateReceipt)
	mux.HandleFunc("/api/v1/receipts/verify", h.VerifyReceipt)
	mux.HandleFunc("/api/v1/ledger/events", h.AppendSecurityEvent)
	mux.HandleFunc("/api/v1/ledger/entries", h.ListLedgerEntries)
	mux.HandleFunc("/api/v1/ledger/status", h.LedgerStatus)
	mux.HandleFunc("/api/v1/ledger/verify", h.VerifyLedger)
	mux.HandleFunc("/api/v1/ledger/prune", h.PruneLedger)
}

// ── Approval endpoints ────────────────────────────────────────────────────────

// UpsertWorkflow handles workflow configuration requests.
func (h *HTTPHandler) UpsertWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TenantID string                     `json:"tenant_id"`
		Stages   []repository.ApprovalStage `json:"stages"`
		Actor    string                     `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	wf, err := h.approvals.UpsertWorkflow(r.Context(), req.TenantID, req.Stages, req.Actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// CreateApproval handles pending-approval creation.
func (h *HTTPHandler) CreateApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ActionID       string `json:"action_id"`
		TenantID       string `json:"tenant_id"`
		RequiresStepUp bool   `json:"requires_step_up"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	approval, err := h.approvals.CreatePendingApproval(r.Context(), req.ActionID, req.TenantID, req.RequiresStepUp)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, approval)
}

// GetApproval returns one approval by id.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Approval ID is required", http.StatusBadRequest)
		return
	}

	approval, err := h.approvals.GetApproval(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, approval)
}

// ListPendingApprovals lists a tenant's pending approvals, oldest first.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	approvals, err := h.approvals.ListPendingApprovals(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if approvals == nil {
		approvals = []*repository.Approval{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

// RecordDecision applies an approver verdict.
func (h *HTTPHandler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ApprovalID string `json:"approval_id"`
		Decision   string `json:"decision"`
		ApproverID string `json:"approver_id"`
		Reason     string `json:"reason"`
		StepUpCode string `json:"step_up_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	approval, err := h.approvals.RecordDecision(r.Context(), req.ApprovalID,
		repository.DecisionKind(req.Decision), req.ApproverID, req.Reason, req.StepUpCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, approval)
}

// ScanEscalations runs an escalation scan for a tenant. "now" is optional
// RFC 3339; it defaults to the current time.
func (h *HTTPHandler) ScanEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TenantID string `json:"tenant_id"`
		Now      string `json:"now"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			h.writeError(w, apperr.InvalidInput("now", "must be RFC 3339"))
			return
		}
		now = parsed
	}

	escalations, err := h.approvals.ScanForEscalations(r.Context(), req.TenantID, now)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if escalations == nil {
		escalations = []repository.Escalation{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"escalations": escalations})
}

// ── Receipt endpoints ─────────────────────────────────────────────────────────

// CreateReceipt records one action lifecycle event.
func (h *HTTPHandler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ActionID       string                     `json:"action_id"`
		TenantID       string                     `json:"tenant_id"`
		Actor          repository.ReceiptActor    `json:"actor"`
		Resource       repository.ReceiptResource `json:"resource"`
		Telemetry      map[string]any             `json:"telemetry"`
		Type           string                     `json:"type"`
		PolicyDecision string                     `json:"policy_decision"`
		PolicyMetadata map[string]any             `json:"policy_metadata"`
		Risk           repository.ReceiptRisk     `json:"risk"`
		RequestID      string                     `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	action := service.ActionContext{
		ActionID:  req.ActionID,
		TenantID:  req.TenantID,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Telemetry: req.Telemetry,
	}
	receipt, err := h.receipts.CreateReceipt(r.Context(), action, req.Type,
		req.PolicyDecision, req.PolicyMetadata, req.Risk, req.RequestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, receipt)
}

// VerifyReceipt verifies a stored receipt and its chain by id.
func (h *HTTPHandler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Receipt ID is required", http.StatusBadRequest)
		return
	}

	result, err := h.receipts.VerifyReceiptByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ── Ledger endpoints ──────────────────────────────────────────────────────────

// AppendSecurityEvent records a security event in the audit ledger.
func (h *HTTPHandler) AppendSecurityEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TenantID string         `json:"tenant_id"`
		Type     string         `json:"type"`
		Severity string         `json:"severity"`
		Details  map[string]any `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.Type == "" {
		h.writeError(w, apperr.New(apperr.CodeValidation, "tenant_id and type are required"))
		return
	}
	if req.Severity == "" {
		req.Severity = "info"
	}

	event := &repository.SecurityEvent{
		EventID:    uuid.NewString(),
		TenantID:   req.TenantID,
		Type:       req.Type,
		Severity:   req.Severity,
		OccurredAt: time.Now().UTC(),
		Details:    req.Details,
	}
	entry, err := h.audit.AppendSecurityEvent(r.Context(), event)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.notifier != nil {
		h.notifier.Publish(r.Context(), "security_event.recorded", map[string]any{
			"event_id":  event.EventID,
			"tenant_id": event.TenantID,
			"type":      event.Type,
			"severity":  event.Severity,
		})
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// ListLedgerEntries lists a tenant's ledger entries in sequence order.
func (h *HTTPHandler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	entries := h.audit.ListEntriesByTenant(tenantID)
	if entries == nil {
		entries = []ledger.Entry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// LedgerStatus reports the chain head.
func (h *HTTPHandler) LedgerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.audit.Status())
}

// VerifyLedger re-validates the persisted chain.
func (h *HTTPHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.audit.VerifyIntegrity())
}

// PruneLedger applies retention pruning for a tenant.
func (h *HTTPHandler) PruneLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TenantID      string `json:"tenant_id"`
		RetentionDays int    `json:"retention_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := h.audit.PruneTenantEntries(req.TenantID, req.RetentionDays, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidState, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeStepUpRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
