package repository

import "time"

// ── Approval workflow domain types ───────────────────────────────────────────

// StageMode is how approvals within one stage are collected.
type StageMode string

const (
	StageSerial   StageMode = "serial"
	StageParallel StageMode = "parallel"
)

// ApprovalStatus is the lifecycle state of an Approval.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// DecisionKind is the verdict recorded by an approver.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// ApprovalStage is one stage of a workflow. ApproverIDs and EscalateTo are
// stored de-duplicated and sorted; an empty ApproverIDs means any
// authenticated approver may act.
type ApprovalStage struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Mode              StageMode `json:"mode"`
	RequiredApprovals int       `json:"required_approvals"`
	ApproverIDs       []string  `json:"approver_ids"`
	SLASeconds        *int64    `json:"sla_seconds,omitempty"`
	EscalateTo        []string  `json:"escalate_to"`
}

// Workflow is a tenant's current stage configuration. In-flight approvals
// snapshot the stages at creation time, so replacing a workflow never
// affects them.
type Workflow struct {
	TenantID  string          `json:"tenant_id"`
	Stages    []ApprovalStage `json:"stages"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ApprovalDecision is one approver verdict, append-only within an Approval.
type ApprovalDecision struct {
	Decision   DecisionKind `json:"decision"`
	ApproverID string       `json:"approver_id"`
	Reason     string       `json:"reason"`
	StageID    string       `json:"stage_id"`
	DecidedAt  time.Time    `json:"decided_at"`
}

// Approval is one live approval instance for an action. Terminal once
// Status is approved or rejected.
type Approval struct {
	ID                string             `json:"id"`
	ActionID          string             `json:"action_id"`
	TenantID          string             `json:"tenant_id"`
	Status            ApprovalStatus     `json:"status"`
	RequiresStepUp    bool               `json:"requires_step_up"`
	CurrentStageIndex int                `json:"current_stage_index"`
	Stages            []ApprovalStage    `json:"stages"`
	StageStartedAt    time.Time          `json:"stage_started_at"`
	StageDeadlineAt   *time.Time         `json:"stage_deadline_at,omitempty"`
	EscalatedStageIDs []string           `json:"escalated_stage_ids"`
	Decisions         []ApprovalDecision `json:"decisions"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// CurrentStage returns the stage at CurrentStageIndex, or nil when the
// index is out of range.
func (a *Approval) CurrentStage() *ApprovalStage {
	if a.CurrentStageIndex < 0 || a.CurrentStageIndex >= len(a.Stages) {
		return nil
	}
	return &a.Stages[a.CurrentStageIndex]
}

// Escalation is emitted when a stage's SLA deadline passes unmet.
type Escalation struct {
	ApprovalID     string   `json:"approval_id"`
	ActionID       string   `json:"action_id"`
	StageID        string   `json:"stage_id"`
	StageName      string   `json:"stage_name"`
	EscalateTo     []string `json:"escalate_to"`
	OverdueSeconds int64    `json:"overdue_seconds"`
}

// ── Receipt domain types ─────────────────────────────────────────────────────

// ReceiptActor identifies who initiated the action.
type ReceiptActor struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Display string `json:"display,omitempty"`
}

// ReceiptResource identifies what the action touched.
type ReceiptResource struct {
	Tool      string `json:"tool"`
	Target    string `json:"target"`
	Operation string `json:"operation"`
}

// ReceiptPolicy records the policy verdict that governed the action.
type ReceiptPolicy struct {
	Decision string         `json:"decision"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReceiptRisk records the risk assessment attached to the action.
type ReceiptRisk struct {
	Level   string   `json:"level"`
	Score   float64  `json:"score"`
	Factors []string `json:"factors,omitempty"`
}

// ReceiptIntegrity binds a receipt into its action's hash chain.
type ReceiptIntegrity struct {
	PrevReceiptHash *string `json:"prev_receipt_hash"`
	ReceiptHash     string  `json:"receipt_hash"`
	Signature       string  `json:"signature"`
	SigningKeyID    string  `json:"signing_key_id"`
}

// Receipt is the signed, hash-linked record of one action lifecycle event.
// Created once, never mutated.
type Receipt struct {
	ReceiptID string           `json:"receipt_id"`
	TenantID  string           `json:"tenant_id"`
	ActionID  string           `json:"action_id"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Actor     ReceiptActor     `json:"actor"`
	Resource  ReceiptResource  `json:"resource"`
	Policy    ReceiptPolicy    `json:"policy"`
	Risk      ReceiptRisk      `json:"risk"`
	Integrity ReceiptIntegrity `json:"integrity"`
	Telemetry map[string]any   `json:"telemetry,omitempty"`
}

// SecurityEvent is a non-receipt event recorded in the audit ledger.
type SecurityEvent struct {
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	OccurredAt time.Time      `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}
