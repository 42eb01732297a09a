package service

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/canonical"
	"github.com/MokiMeow/OARS-sub001/internal/ledger"
	"github.com/MokiMeow/OARS-sub001/internal/logger"
	"github.com/MokiMeow/OARS-sub001/internal/repository"
	"github.com/MokiMeow/OARS-sub001/internal/signing"
)

// ActionContext identifies the action a receipt belongs to.
type ActionContext struct {
	ActionID  string
	TenantID  string
	Actor     repository.ReceiptActor
	Resource  repository.ReceiptResource
	Telemetry map[string]any
}

// VerificationResult reports the three independent validity checks plus
// human-readable findings. A malformed receipt never errors; it just fails
// checks.
type VerificationResult struct {
	SignatureValid bool     `json:"is_signature_valid"`
	ChainValid     bool     `json:"is_chain_valid"`
	SchemaValid    bool     `json:"is_schema_valid"`
	Errors         []string `json:"errors,omitempty"`
}

// ReceiptService builds, signs, and verifies per-action receipt chains.
// Receipt creation for one action runs under a per-action lock: two
// concurrent lifecycle events racing to read the latest receipt would
// otherwise both derive the same prev hash and silently fork the chain.
type ReceiptService struct {
	receipts repository.ReceiptStore
	signer   *signing.Signer
	audit    *ledger.Ledger
	notifier Notifier
	locks    *keyedMutex
	log      *logger.Logger
	now      func() time.Time
}

// NewReceiptService creates a new ReceiptService. notifier may be nil.
func NewReceiptService(
	receipts repository.ReceiptStore,
	signer *signing.Signer,
	audit *ledger.Ledger,
	notifier Notifier,
	log *logger.Logger,
) *ReceiptService {
	return &ReceiptService{
		receipts: receipts,
		signer:   signer,
		audit:    audit,
		notifier: notifier,
		locks:    newKeyedMutex(),
		log:      log,
		now:      time.Now,
	}
}

// CreateReceipt records one lifecycle event for an action: links it to the
// most recent prior receipt for the same action, hashes and signs the
// canonical payload, persists it, and appends it to the audit ledger.
// The service does not de-duplicate repeated calls for the same event;
// idempotency belongs to the caller.
func (s *ReceiptService) CreateReceipt(ctx context.Context, action ActionContext, eventType, policyDecision string, policyMetadata map[string]any, risk repository.ReceiptRisk, requestID string) (*repository.Receipt, error) {
	if action.ActionID == "" {
		return nil, apperr.InvalidInput("actionId", "must not be empty")
	}
	if action.TenantID == "" {
		return nil, apperr.InvalidInput("tenantId", "must not be empty")
	}
	if eventType == "" {
		return nil, apperr.InvalidInput("type", "must not be empty")
	}

	unlock := s.locks.lock(action.TenantID + "/" + action.ActionID)
	defer unlock()

	prior, err := s.receipts.ListByAction(ctx, action.TenantID, action.ActionID)
	if err != nil {
		return nil, err
	}
	var prevHash *string
	if n := len(prior); n > 0 {
		h := prior[n-1].Integrity.ReceiptHash
		prevHash = &h
	}

	telemetry := make(map[string]any, len(action.Telemetry)+1)
	for k, v := range action.Telemetry {
		telemetry[k] = v
	}
	if requestID != "" {
		telemetry["request_id"] = requestID
	}

	receipt := &repository.Receipt{
		ReceiptID: uuid.NewString(),
		TenantID:  action.TenantID,
		ActionID:  action.ActionID,
		Type:      eventType,
		Timestamp: s.now().UTC(),
		Actor:     action.Actor,
		Resource:  action.Resource,
		Policy:    repository.ReceiptPolicy{Decision: policyDecision, Metadata: policyMetadata},
		Risk:      risk,
		Telemetry: telemetry,
	}
	receipt.Integrity.PrevReceiptHash = prevHash

	hash, err := canonical.Digest(receiptPayload(receipt))
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(action.TenantID, hash)
	if err != nil {
		return nil, err
	}
	receipt.Integrity.ReceiptHash = hash
	receipt.Integrity.Signature = sig.Signature
	receipt.Integrity.SigningKeyID = sig.KeyID

	if err := s.receipts.SaveReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	if _, err := s.audit.AppendReceipt(ctx, receipt); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("receipt_id", receipt.ReceiptID).
		Str("action_id", action.ActionID).
		Str("tenant_id", action.TenantID).
		Str("type", eventType).
		Msg("Receipt created")

	if s.notifier != nil {
		s.notifier.Publish(ctx, "receipt.created", map[string]any{
			"receipt_id": receipt.ReceiptID,
			"action_id":  action.ActionID,
			"tenant_id":  action.TenantID,
			"type":       eventType,
		})
	}

	return receipt, nil
}

// VerifyReceipt checks a receipt's hash and signature, optionally walks a
// chain of receipts for the same action, and always checks required-field
// presence. The three result booleans are independent.
//
// Signature key precedence: an explicitly supplied public key, then the
// key registered under the receipt's signing key id, then the tenant's
// current key.
func (s *ReceiptService) VerifyReceipt(receipt *repository.Receipt, chain []*repository.Receipt, pub ed25519.PublicKey) VerificationResult {
	result := VerificationResult{SignatureValid: true, ChainValid: true, SchemaValid: true}

	result.SchemaValid = s.checkSchema(receipt, &result)
	s.checkSignature(receipt, pub, &result)
	if chain != nil {
		s.checkChain(chain, &result)
	}
	return result
}

// VerifyReceiptByID loads a stored receipt together with its full action
// chain and verifies both.
func (s *ReceiptService) VerifyReceiptByID(ctx context.Context, receiptID string) (VerificationResult, error) {
	receipt, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return VerificationResult{}, err
	}
	chain, err := s.receipts.ListByAction(ctx, receipt.TenantID, receipt.ActionID)
	if err != nil {
		return VerificationResult{}, err
	}
	return s.VerifyReceipt(receipt, chain, nil), nil
}

func (s *ReceiptService) checkSchema(receipt *repository.Receipt, result *VerificationResult) bool {
	ok := true
	require := func(present bool, field string) {
		if !present {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf("missing required field %s", field))
		}
	}
	require(receipt.ReceiptID != "", "receiptId")
	require(receipt.TenantID != "", "tenantId")
	require(receipt.ActionID != "", "actionId")
	require(receipt.Type != "", "type")
	require(!receipt.Timestamp.IsZero(), "timestamp")
	require(receipt.Integrity.ReceiptHash != "", "integrity.receiptHash")
	require(receipt.Integrity.Signature != "", "integrity.signature")
	require(receipt.Integrity.SigningKeyID != "", "integrity.signingKeyId")
	return ok
}

func (s *ReceiptService) checkSignature(receipt *repository.Receipt, pub ed25519.PublicKey, result *VerificationResult) {
	hash, err := canonical.Digest(receiptPayload(receipt))
	if err != nil {
		result.SignatureValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("payload not hashable: %v", err))
		return
	}
	if hash != receipt.Integrity.ReceiptHash {
		// A tampered payload invalidates the signature check outright.
		result.SignatureValid = false
		result.Errors = append(result.Errors, "receipt hash mismatch: payload was altered")
		return
	}

	if pub == nil {
		if k, ok := s.signer.PublicKey(receipt.Integrity.SigningKeyID); ok {
			pub = k
		} else if keyID, ok := s.signer.CurrentKeyID(receipt.TenantID); ok {
			pub, _ = s.signer.PublicKey(keyID)
		}
	}
	if pub == nil {
		result.SignatureValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("no key available for %s", receipt.Integrity.SigningKeyID))
		return
	}

	if !signing.VerifyWithKey(hash, receipt.Integrity.Signature, pub) {
		result.SignatureValid = false
		result.Errors = append(result.Errors, "signature verification failed")
	}
}

func (s *ReceiptService) checkChain(chain []*repository.Receipt, result *VerificationResult) {
	sorted := slices.Clone(chain)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	for i, r := range sorted {
		if i == 0 {
			if r.Integrity.PrevReceiptHash != nil {
				result.ChainValid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("first receipt %s has a non-null prevReceiptHash", r.ReceiptID))
			}
			continue
		}
		prev := sorted[i-1]
		if r.Integrity.PrevReceiptHash == nil || *r.Integrity.PrevReceiptHash != prev.Integrity.ReceiptHash {
			result.ChainValid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("receipt %s does not link to %s", r.ReceiptID, prev.ReceiptID))
		}
	}
}

// receiptPayload is the canonical hash input: every semantic field plus the
// prev hash, explicitly excluding the receipt hash and signature that are
// computed from it.
func receiptPayload(r *repository.Receipt) map[string]any {
	return map[string]any{
		"receipt_id":        r.ReceiptID,
		"tenant_id":         r.TenantID,
		"action_id":         r.ActionID,
		"type":              r.Type,
		"timestamp":         r.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":             r.Actor,
		"resource":          r.Resource,
		"policy":            r.Policy,
		"risk":              r.Risk,
		"telemetry":         r.Telemetry,
		"prev_receipt_hash": r.Integrity.PrevReceiptHash,
	}
}
