package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/logger"
	"github.com/MokiMeow/OARS-sub001/internal/repository"
)

// defaultStageName is the compiled-in single-stage workflow used by
// tenants that never configured one.
const defaultStageName = "default-review"

// ApprovalService is the approval workflow engine: stage configuration
// plus the live approval state machine. Every approval mutation runs under
// a per-approval lock so concurrent decisions can never double-count a
// quorum or race an escalation.
type ApprovalService struct {
	workflows    repository.WorkflowStore
	approvals    repository.ApprovalStore
	notifier     Notifier
	stepUpSecret string
	locks        *keyedMutex
	log          *logger.Logger
	now          func() time.Time
}

// NewApprovalService creates a new ApprovalService. notifier may be nil.
func NewApprovalService(
	workflows repository.WorkflowStore,
	approvals repository.ApprovalStore,
	notifier Notifier,
	stepUpSecret string,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		workflows:    workflows,
		approvals:    approvals,
		notifier:     notifier,
		stepUpSecret: stepUpSecret,
		locks:        newKeyedMutex(),
		log:          log,
		now:          time.Now,
	}
}

// ── Workflow configuration ────────────────────────────────────────────────────

// UpsertWorkflow validates and normalizes the stage list, then replaces or
// creates the tenant's workflow. In-flight approvals keep their snapshot.
func (s *ApprovalService) UpsertWorkflow(ctx context.Context, tenantID string, stages []repository.ApprovalStage, actor string) (*repository.Workflow, error) {
	if tenantID == "" {
		return nil, apperr.InvalidInput("tenantId", "must not be empty")
	}
	if len(stages) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "workflow must have at least one stage")
	}

	normalized, err := normalizeStages(stages)
	if err != nil {
		return nil, err
	}

	wf := &repository.Workflow{
		TenantID:  tenantID,
		Stages:    normalized,
		UpdatedBy: actor,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.workflows.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Int("stages", len(normalized)).
		Str("actor", actor).
		Msg("Approval workflow upserted")

	return wf, nil
}

// normalizeStages validates each stage and returns the canonical form:
// approver/escalation sets de-duplicated and sorted, serial stages forced
// to a quorum of one, missing stage ids assigned.
func normalizeStages(stages []repository.ApprovalStage) ([]repository.ApprovalStage, error) {
	out := make([]repository.ApprovalStage, 0, len(stages))
	for i, st := range stages {
		switch st.Mode {
		case repository.StageSerial:
			st.RequiredApprovals = 1
		case repository.StageParallel:
			if st.RequiredApprovals < 1 {
				return nil, apperr.Newf(apperr.CodeValidation,
					"stage %d: parallel mode requires requiredApprovals >= 1", i)
			}
		default:
			return nil, apperr.Newf(apperr.CodeValidation,
				"stage %d: unknown mode %q", i, st.Mode)
		}

		st.ApproverIDs = dedupeSorted(st.ApproverIDs)
		st.EscalateTo = dedupeSorted(st.EscalateTo)

		if len(st.ApproverIDs) > 0 && st.RequiredApprovals > len(st.ApproverIDs) {
			return nil, apperr.Newf(apperr.CodeValidation,
				"stage %d: requiredApprovals %d exceeds %d listed approvers", i, st.RequiredApprovals, len(st.ApproverIDs))
		}
		if st.SLASeconds != nil && *st.SLASeconds <= 0 {
			return nil, apperr.Newf(apperr.CodeValidation, "stage %d: slaSeconds must be positive", i)
		}

		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if st.Name == "" {
			st.Name = fmt.Sprintf("stage-%d", i+1)
		}
		out = append(out, st)
	}
	return out, nil
}

func dedupeSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func defaultStages() []repository.ApprovalStage {
	return []repository.ApprovalStage{{
		ID:                uuid.NewString(),
		Name:              defaultStageName,
		Mode:              repository.StageSerial,
		RequiredApprovals: 1,
		ApproverIDs:       []string{},
		EscalateTo:        []string{},
	}}
}

// ── Approval lifecycle ────────────────────────────────────────────────────────

// CreatePendingApproval snapshots the tenant's current workflow (or the
// default single stage) into a new pending approval at stage zero.
func (s *ApprovalService) CreatePendingApproval(ctx context.Context, actionID, tenantID string, requiresStepUp bool) (*repository.Approval, error) {
	if actionID == "" {
		return nil, apperr.InvalidInput("actionId", "must not be empty")
	}
	if tenantID == "" {
		return nil, apperr.InvalidInput("tenantId", "must not be empty")
	}

	wf, err := s.workflows.GetWorkflow(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var stages []repository.ApprovalStage
	if wf != nil {
		stages = slices.Clone(wf.Stages)
	} else {
		stages = defaultStages()
	}

	now := s.now().UTC()
	approval := &repository.Approval{
		ID:                uuid.NewString(),
		ActionID:          actionID,
		TenantID:          tenantID,
		Status:            repository.StatusPending,
		RequiresStepUp:    requiresStepUp,
		CurrentStageIndex: 0,
		Stages:            stages,
		StageStartedAt:    now,
		StageDeadlineAt:   stageDeadline(&stages[0], now),
		EscalatedStageIDs: []string{},
		Decisions:         []repository.ApprovalDecision{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.approvals.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("approval_id", approval.ID).
		Str("action_id", actionID).
		Str("tenant_id", tenantID).
		Bool("requires_step_up", requiresStepUp).
		Msg("Pending approval created")

	s.publish(ctx, "approval.created", map[string]any{
		"approval_id": approval.ID,
		"action_id":   actionID,
		"tenant_id":   tenantID,
		"stages":      len(stages),
	})

	return approval, nil
}

// GetApproval returns the approval by id.
func (s *ApprovalService) GetApproval(ctx context.Context, id string) (*repository.Approval, error) {
	return s.approvals.GetApproval(ctx, id)
}

// ListPendingApprovals returns the tenant's pending approvals, oldest first.
func (s *ApprovalService) ListPendingApprovals(ctx context.Context, tenantID string) ([]*repository.Approval, error) {
	if tenantID == "" {
		return nil, apperr.InvalidInput("tenantId", "must not be empty")
	}
	return s.approvals.ListPendingByTenant(ctx, tenantID)
}

// RecordDecision applies one approver verdict to a pending approval.
// A reject is terminal regardless of stage; an approve advances the stage
// when quorum is met and approves the whole instance on the final stage.
func (s *ApprovalService) RecordDecision(ctx context.Context, approvalID string, decision repository.DecisionKind, approverID, reason, stepUpCode string) (*repository.Approval, error) {
	if decision != repository.DecisionApprove && decision != repository.DecisionReject {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown decision %q", decision)
	}
	if approverID == "" {
		return nil, apperr.InvalidInput("approverId", "must not be empty")
	}

	unlock := s.locks.lock(approvalID)
	defer unlock()

	approval, err := s.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != repository.StatusPending {
		return nil, apperr.Newf(apperr.CodeInvalidState,
			"approval %s is %s, not pending", approvalID, approval.Status)
	}

	stage := approval.CurrentStage()
	if stage == nil {
		return nil, apperr.NotFound("approval stage", fmt.Sprintf("%s[%d]", approvalID, approval.CurrentStageIndex))
	}

	if len(stage.ApproverIDs) > 0 && !slices.Contains(stage.ApproverIDs, approverID) {
		return nil, apperr.Newf(apperr.CodeForbidden,
			"approver %s is not allowed to act on stage %s", approverID, stage.Name)
	}
	for _, d := range approval.Decisions {
		if d.StageID == stage.ID && d.ApproverID == approverID {
			return nil, apperr.Newf(apperr.CodeConflict,
				"approver %s already decided on stage %s", approverID, stage.Name)
		}
	}

	now := s.now().UTC()

	if decision == repository.DecisionApprove && approval.RequiresStepUp {
		// A failed step-up is not recorded as an attempt; the approver
		// may retry with the correct code.
		if subtle.ConstantTimeCompare([]byte(stepUpCode), []byte(s.stepUpSecret)) != 1 || s.stepUpSecret == "" {
			return nil, apperr.New(apperr.CodeStepUpRequired, "step-up verification failed")
		}
	}

	approval.Decisions = append(approval.Decisions, repository.ApprovalDecision{
		Decision:   decision,
		ApproverID: approverID,
		Reason:     reason,
		StageID:    stage.ID,
		DecidedAt:  now,
	})
	approval.UpdatedAt = now

	if decision == repository.DecisionReject {
		// Rejection is stage-independent and terminal.
		approval.Status = repository.StatusRejected
		approval.StageDeadlineAt = nil
	} else {
		approvalsForStage := 0
		for _, d := range approval.Decisions {
			if d.StageID == stage.ID && d.Decision == repository.DecisionApprove {
				approvalsForStage++
			}
		}

		switch {
		case approvalsForStage < stage.RequiredApprovals:
			// Quorum not yet met; no stage change.
		case approval.CurrentStageIndex+1 < len(approval.Stages):
			approval.CurrentStageIndex++
			next := approval.CurrentStage()
			approval.StageStartedAt = now
			approval.StageDeadlineAt = stageDeadline(next, now)
		default:
			approval.Status = repository.StatusApproved
			approval.StageDeadlineAt = nil
		}
	}

	if err := s.approvals.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("approval_id", approvalID).
		Str("decision", string(decision)).
		Str("approver_id", approverID).
		Str("status", string(approval.Status)).
		Int("stage_index", approval.CurrentStageIndex).
		Msg("Approval decision recorded")

	s.publish(ctx, "approval.decided", map[string]any{
		"approval_id": approvalID,
		"action_id":   approval.ActionID,
		"tenant_id":   approval.TenantID,
		"decision":    string(decision),
		"approver_id": approverID,
		"status":      string(approval.Status),
	})

	return approval, nil
}

// ScanForEscalations marks overdue stages escalated (at most once per
// stage) and returns the escalation records. Safe to run repeatedly and
// concurrently with itself.
func (s *ApprovalService) ScanForEscalations(ctx context.Context, tenantID string, now time.Time) ([]repository.Escalation, error) {
	if tenantID == "" {
		return nil, apperr.InvalidInput("tenantId", "must not be empty")
	}
	if now.IsZero() {
		return nil, apperr.InvalidInput("now", "must be a valid timestamp")
	}

	pending, err := s.approvals.ListPendingByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var escalations []repository.Escalation
	for _, candidate := range pending {
		esc, err := s.escalateIfOverdue(ctx, candidate.ID, now)
		if err != nil {
			return nil, err
		}
		if esc != nil {
			escalations = append(escalations, *esc)
		}
	}
	return escalations, nil
}

// escalateIfOverdue re-reads the approval under its lock so a concurrent
// decision or scan cannot race the checked-then-set escalation marking.
func (s *ApprovalService) escalateIfOverdue(ctx context.Context, approvalID string, now time.Time) (*repository.Escalation, error) {
	unlock := s.locks.lock(approvalID)
	defer unlock()

	approval, err := s.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != repository.StatusPending {
		return nil, nil
	}
	if approval.StageDeadlineAt == nil || !approval.StageDeadlineAt.Before(now) {
		return nil, nil
	}
	stage := approval.CurrentStage()
	if stage == nil || slices.Contains(approval.EscalatedStageIDs, stage.ID) {
		return nil, nil
	}

	approval.EscalatedStageIDs = append(approval.EscalatedStageIDs, stage.ID)
	approval.UpdatedAt = s.now().UTC()
	if err := s.approvals.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	esc := &repository.Escalation{
		ApprovalID:     approval.ID,
		ActionID:       approval.ActionID,
		StageID:        stage.ID,
		StageName:      stage.Name,
		EscalateTo:     slices.Clone(stage.EscalateTo),
		OverdueSeconds: int64(now.Sub(*approval.StageDeadlineAt) / time.Second),
	}

	s.log.Warn().
		Str("approval_id", approval.ID).
		Str("stage", stage.Name).
		Int64("overdue_seconds", esc.OverdueSeconds).
		Msg("Approval stage escalated")

	s.publish(ctx, "approval.escalated", map[string]any{
		"approval_id":     esc.ApprovalID,
		"action_id":       esc.ActionID,
		"stage_id":        esc.StageID,
		"stage_name":      esc.StageName,
		"escalate_to":     esc.EscalateTo,
		"overdue_seconds": esc.OverdueSeconds,
	})

	return esc, nil
}

func stageDeadline(stage *repository.ApprovalStage, start time.Time) *time.Time {
	if stage == nil || stage.SLASeconds == nil {
		return nil
	}
	deadline := start.Add(time.Duration(*stage.SLASeconds) * time.Second)
	return &deadline
}

func (s *ApprovalService) publish(ctx context.Context, eventType string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, eventType, payload)
}
