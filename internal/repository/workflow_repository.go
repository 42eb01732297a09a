package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/database"
)

// WorkflowRepository is the Postgres-backed WorkflowStore. Stages are kept
// as a JSONB snapshot; one row per tenant.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

var _ WorkflowStore = (*WorkflowRepository)(nil)

// SaveWorkflow creates or replaces the tenant's workflow.
func (r *WorkflowRepository) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	stagesJSON, err := json.Marshal(wf.Stages)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal workflow stages")
	}

	query := `
		INSERT INTO approval_workflows (tenant_id, stages, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET stages     = EXCLUDED.stages,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = EXCLUDED.updated_at
	`

	if err := r.db.Exec(ctx, query, wf.TenantID, stagesJSON, wf.UpdatedBy, wf.UpdatedAt); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "save workflow")
	}
	return nil
}

// GetWorkflow returns the tenant's workflow, or nil when none exists.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, tenantID string) (*Workflow, error) {
	query := `
		SELECT tenant_id, stages, updated_by, updated_at
		FROM approval_workflows
		WHERE tenant_id = $1
	`

	wf := &Workflow{}
	var stagesJSON []byte
	err := r.db.QueryRow(ctx, query, tenantID).Scan(&wf.TenantID, &stagesJSON, &wf.UpdatedBy, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "get workflow")
	}

	if err := json.Unmarshal(stagesJSON, &wf.Stages); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCorruption, "decode workflow stages")
	}
	return wf, nil
}
