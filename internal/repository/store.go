package repository

import "context"

// WorkflowStore persists per-tenant stage configurations.
type WorkflowStore interface {
	// SaveWorkflow creates or replaces the tenant's workflow.
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow returns the tenant's workflow, or nil when none exists.
	GetWorkflow(ctx context.Context, tenantID string) (*Workflow, error)
}

// ApprovalStore persists live approval instances.
type ApprovalStore interface {
	// SaveApproval durably writes the approval state.
	SaveApproval(ctx context.Context, approval *Approval) error
	// GetApproval returns the approval or a NOT_FOUND error.
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// ListPendingByTenant returns all pending approvals for a tenant.
	ListPendingByTenant(ctx context.Context, tenantID string) ([]*Approval, error)
}

// ReceiptStore persists receipts and serves per-action chain lookups.
type ReceiptStore interface {
	// SaveReceipt durably writes a new receipt.
	SaveReceipt(ctx context.Context, receipt *Receipt) error
	// GetReceipt returns the receipt or a NOT_FOUND error.
	GetReceipt(ctx context.Context, receiptID string) (*Receipt, error)
	// ListByAction returns all receipts for one action ordered by
	// timestamp ascending.
	ListByAction(ctx context.Context, tenantID, actionID string) ([]*Receipt, error)
}

// PendingTenantLister is implemented by stores that can enumerate tenants
// with pending approvals, enabling the background escalation scan.
type PendingTenantLister interface {
	ListTenantsWithPending(ctx context.Context) ([]string, error)
}

// Store bundles the three record stores behind one handle.
type Store interface {
	WorkflowStore
	ApprovalStore
	ReceiptStore
}
