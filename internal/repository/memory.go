package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
)

// MemoryStore is the in-process record store used by tests and single-node
// deployments. All reads and writes deep-copy so callers can never alias
// stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow // tenantID -> workflow
	approvals map[string]*Approval // approvalID -> approval
	receipts  map[string]*Receipt  // receiptID -> receipt
	byAction  map[string][]string  // tenantID/actionID -> receiptIDs in insert order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		approvals: make(map[string]*Approval),
		receipts:  make(map[string]*Receipt),
		byAction:  make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// SaveWorkflow creates or replaces the tenant's workflow.
func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	cp, err := deepCopy(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.TenantID] = cp
	return nil
}

// GetWorkflow returns the tenant's workflow, or nil when none exists.
func (s *MemoryStore) GetWorkflow(_ context.Context, tenantID string) (*Workflow, error) {
	s.mu.RLock()
	wf, ok := s.workflows[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return deepCopy(wf)
}

// SaveApproval durably writes the approval state.
func (s *MemoryStore) SaveApproval(_ context.Context, approval *Approval) error {
	cp, err := deepCopy(approval)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ID] = cp
	return nil
}

// GetApproval returns the approval or a NOT_FOUND error.
func (s *MemoryStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	a, ok := s.approvals[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("approval", id)
	}
	return deepCopy(a)
}

// ListPendingByTenant returns all pending approvals for a tenant.
func (s *MemoryStore) ListPendingByTenant(_ context.Context, tenantID string) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Approval
	for _, a := range s.approvals {
		if a.TenantID != tenantID || a.Status != StatusPending {
			continue
		}
		cp, err := deepCopy(a)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListTenantsWithPending returns every tenant that has at least one
// pending approval.
func (s *MemoryStore) ListTenantsWithPending(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, a := range s.approvals {
		if a.Status != StatusPending {
			continue
		}
		if _, ok := seen[a.TenantID]; ok {
			continue
		}
		seen[a.TenantID] = struct{}{}
		out = append(out, a.TenantID)
	}
	sort.Strings(out)
	return out, nil
}

// SaveReceipt durably writes a new receipt.
func (s *MemoryStore) SaveReceipt(_ context.Context, receipt *Receipt) error {
	cp, err := deepCopy(receipt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[receipt.ReceiptID]; exists {
		return apperr.Newf(apperr.CodeConflict, "receipt %q already exists", receipt.ReceiptID)
	}
	s.receipts[receipt.ReceiptID] = cp
	key := actionKey(receipt.TenantID, receipt.ActionID)
	s.byAction[key] = append(s.byAction[key], receipt.ReceiptID)
	return nil
}

// GetReceipt returns the receipt or a NOT_FOUND error.
func (s *MemoryStore) GetReceipt(_ context.Context, receiptID string) (*Receipt, error) {
	s.mu.RLock()
	r, ok := s.receipts[receiptID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("receipt", receiptID)
	}
	return deepCopy(r)
}

// ListByAction returns all receipts for one action ordered by timestamp
// ascending, insert order breaking ties.
func (s *MemoryStore) ListByAction(_ context.Context, tenantID, actionID string) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAction[actionKey(tenantID, actionID)]
	out := make([]*Receipt, 0, len(ids))
	for _, id := range ids {
		cp, err := deepCopy(s.receipts[id])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func actionKey(tenantID, actionID string) string {
	return tenantID + "/" + actionID
}

// deepCopy clones via JSON so stored state and returned values never share
// maps or slices.
func deepCopy[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "copy record")
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "copy record")
	}
	return out, nil
}
