package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/database"
)

// ApprovalRepository is the Postgres-backed ApprovalStore. The stage
// snapshot, escalation set, and decision list live in JSONB columns since
// they are always read and written as a unit with the approval.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

var _ ApprovalStore = (*ApprovalRepository)(nil)

// SaveApproval durably writes the approval state.
func (r *ApprovalRepository) SaveApproval(ctx context.Context, a *Approval) error {
	stagesJSON, err := json.Marshal(a.Stages)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal approval stages")
	}
	escalatedJSON, err := json.Marshal(a.EscalatedStageIDs)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal escalated stage ids")
	}
	decisionsJSON, err := json.Marshal(a.Decisions)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal approval decisions")
	}

	query := `
		INSERT INTO approvals
		    (id, action_id, tenant_id, status, requires_step_up,
		     current_stage_index, stages, stage_started_at, stage_deadline_at,
		     escalated_stage_ids, decisions, created_at, updated_at)
		VALUES ($1, $2, $3, $4::approval_status, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET status              = EXCLUDED.status,
		    current_stage_index = EXCLUDED.current_stage_index,
		    stage_started_at    = EXCLUDED.stage_started_at,
		    stage_deadline_at   = EXCLUDED.stage_deadline_at,
		    escalated_stage_ids = EXCLUDED.escalated_stage_ids,
		    decisions           = EXCLUDED.decisions,
		    updated_at          = EXCLUDED.updated_at
	`

	err = r.db.Exec(ctx, query,
		a.ID, a.ActionID, a.TenantID, a.Status, a.RequiresStepUp,
		a.CurrentStageIndex, stagesJSON, a.StageStartedAt, a.StageDeadlineAt,
		escalatedJSON, decisionsJSON, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "save approval")
	}
	return nil
}

// GetApproval returns the approval or a NOT_FOUND error.
func (r *ApprovalRepository) GetApproval(ctx context.Context, id string) (*Approval, error) {
	query := selectApproval + ` WHERE id = $1`

	a, err := r.scanApproval(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("approval", id)
	}
	return a, err
}

// ListPendingByTenant returns all pending approvals for a tenant, oldest
// first.
func (r *ApprovalRepository) ListPendingByTenant(ctx context.Context, tenantID string) ([]*Approval, error) {
	query := selectApproval + `
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list pending approvals")
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := r.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListTenantsWithPending returns every tenant that has at least one
// pending approval.
func (r *ApprovalRepository) ListTenantsWithPending(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM approvals WHERE status = 'pending' ORDER BY tenant_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list tenants with pending approvals")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "scan tenant id")
		}
		out = append(out, tenantID)
	}
	return out, rows.Err()
}

const selectApproval = `
	SELECT id, action_id, tenant_id, status, requires_step_up,
	       current_stage_index, stages, stage_started_at, stage_deadline_at,
	       escalated_stage_ids, decisions, created_at, updated_at
	FROM approvals
`

type approvalScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanApproval(sc approvalScanner) (*Approval, error) {
	a := &Approval{}
	var stagesJSON, escalatedJSON, decisionsJSON []byte

	err := sc.Scan(
		&a.ID, &a.ActionID, &a.TenantID, &a.Status, &a.RequiresStepUp,
		&a.CurrentStageIndex, &stagesJSON, &a.StageStartedAt, &a.StageDeadlineAt,
		&escalatedJSON, &decisionsJSON, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stagesJSON, &a.Stages); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCorruption, "decode approval stages")
	}
	if err := json.Unmarshal(escalatedJSON, &a.EscalatedStageIDs); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCorruption, "decode escalated stage ids")
	}
	if err := json.Unmarshal(decisionsJSON, &a.Decisions); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCorruption, "decode approval decisions")
	}
	return a, nil
}
