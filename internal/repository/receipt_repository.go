package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/database"
)

// ReceiptRepository is the Postgres-backed ReceiptStore. The receipt body
// is stored as an Envelope so tenants with encryption-at-rest write the
// encrypted variant without changing the schema; integrity fields stay in
// plain columns so chain lookups never open the body.
type ReceiptRepository struct {
	db *database.DB
}

// NewReceiptRepository creates a new ReceiptRepository.
func NewReceiptRepository(db *database.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

var _ ReceiptStore = (*ReceiptRepository)(nil)

// SaveReceipt durably writes a new receipt. Receipts are insert-only; a
// duplicate id is a conflict, never an update.
func (r *ReceiptRepository) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	env, err := NewPlainEnvelope(receipt)
	if err != nil {
		return err
	}
	bodyJSON, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal receipt body")
	}

	query := `
		INSERT INTO receipts
		    (receipt_id, tenant_id, action_id, event_type, occurred_at,
		     prev_receipt_hash, receipt_hash, signature, signing_key_id, body)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		ON CONFLICT (receipt_id) DO NOTHING
		RETURNING receipt_id
	`

	var inserted string
	err = r.db.QueryRow(ctx, query,
		receipt.ReceiptID, receipt.TenantID, receipt.ActionID, receipt.Type, receipt.Timestamp,
		receipt.Integrity.PrevReceiptHash, receipt.Integrity.ReceiptHash,
		receipt.Integrity.Signature, receipt.Integrity.SigningKeyID, bodyJSON,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Newf(apperr.CodeConflict, "receipt %q already exists", receipt.ReceiptID)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "save receipt")
	}
	return nil
}

// GetReceipt returns the receipt or a NOT_FOUND error.
func (r *ReceiptRepository) GetReceipt(ctx context.Context, receiptID string) (*Receipt, error) {
	query := `SELECT body FROM receipts WHERE receipt_id = $1`

	var bodyJSON []byte
	err := r.db.QueryRow(ctx, query, receiptID).Scan(&bodyJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("receipt", receiptID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "get receipt")
	}
	return decodeReceiptBody(bodyJSON)
}

// ListByAction returns all receipts for one action ordered by timestamp
// ascending.
func (r *ReceiptRepository) ListByAction(ctx context.Context, tenantID, actionID string) ([]*Receipt, error) {
	query := `
		SELECT body FROM receipts
		WHERE tenant_id = $1 AND action_id = $2
		ORDER BY occurred_at ASC, receipt_id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, actionID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list action receipts")
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		var bodyJSON []byte
		if err := rows.Scan(&bodyJSON); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "scan receipt")
		}
		receipt, err := decodeReceiptBody(bodyJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, rows.Err()
}

func decodeReceiptBody(bodyJSON []byte) (*Receipt, error) {
	var env Envelope
	if err := json.Unmarshal(bodyJSON, &env); err != nil {
		return nil, err
	}
	receipt := &Receipt{}
	if err := env.Open(receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}
