package repository

import "github.com/MokiMeow/OARS-sub001/internal/database"

// PostgresStore bundles the pgx-backed repositories behind the Store
// interface.
type PostgresStore struct {
	*WorkflowRepository
	*ApprovalRepository
	*ReceiptRepository
}

// NewPostgresStore creates the repository bundle over one pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		WorkflowRepository: NewWorkflowRepository(db),
		ApprovalRepository: NewApprovalRepository(db),
		ReceiptRepository:  NewReceiptRepository(db),
	}
}

var _ Store = (*PostgresStore)(nil)
