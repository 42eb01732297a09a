package repository

import (
	"context"
	"testing"
	"time"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
)

func TestMemoryStoreWorkflowRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, err := store.GetWorkflow(ctx, "t1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil workflow for unknown tenant")
	}

	wf := &Workflow{
		TenantID: "t1",
		Stages: []ApprovalStage{{
			ID: "s1", Name: "review", Mode: StageSerial,
			RequiredApprovals: 1, ApproverIDs: []string{"alice"}, EscalateTo: []string{},
		}},
		UpdatedBy: "admin",
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save workflow: %v", err)
	}

	got, err = store.GetWorkflow(ctx, "t1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got == nil || len(got.Stages) != 1 || got.Stages[0].Name != "review" {
		t.Fatalf("workflow round trip mismatch: %+v", got)
	}

	// Mutating the returned copy must not affect stored state.
	got.Stages[0].Name = "tampered"
	again, err := store.GetWorkflow(ctx, "t1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if again.Stages[0].Name != "review" {
		t.Fatal("stored workflow aliased by returned copy")
	}
}

func TestMemoryStoreApprovalNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetApproval(context.Background(), "missing")
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryStoreListPendingByTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	save := func(id, tenant string, status ApprovalStatus, createdAt time.Time) {
		t.Helper()
		err := store.SaveApproval(ctx, &Approval{
			ID: id, ActionID: "act-" + id, TenantID: tenant, Status: status,
			Stages:            []ApprovalStage{{ID: "s1", Mode: StageSerial, RequiredApprovals: 1}},
			StageStartedAt:    createdAt,
			EscalatedStageIDs: []string{},
			Decisions:         []ApprovalDecision{},
			CreatedAt:         createdAt, UpdatedAt: createdAt,
		})
		if err != nil {
			t.Fatalf("save approval %s: %v", id, err)
		}
	}

	save("a1", "t1", StatusPending, base)
	save("a2", "t1", StatusApproved, base.Add(time.Second))
	save("a3", "t1", StatusPending, base.Add(2*time.Second))
	save("a4", "t2", StatusPending, base.Add(3*time.Second))

	pending, err := store.ListPendingByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != "a1" || pending[1].ID != "a3" {
		t.Fatalf("pending not ordered by creation: %s, %s", pending[0].ID, pending[1].ID)
	}

	tenants, err := store.ListTenantsWithPending(ctx)
	if err != nil {
		t.Fatalf("list tenants: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "t1" || tenants[1] != "t2" {
		t.Fatalf("unexpected tenants with pending: %v", tenants)
	}
}

func TestMemoryStoreReceiptsByAction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"r1", "r2", "r3"} {
		err := store.SaveReceipt(ctx, &Receipt{
			ReceiptID: id, TenantID: "t1", ActionID: "act_1", Type: "requested",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Integrity: ReceiptIntegrity{ReceiptHash: "sha256:" + id},
		})
		if err != nil {
			t.Fatalf("save receipt %s: %v", id, err)
		}
	}

	if err := store.SaveReceipt(ctx, &Receipt{ReceiptID: "r1", TenantID: "t1", ActionID: "act_1"}); !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("expected CONFLICT on duplicate receipt id, got %v", err)
	}

	chain, err := store.ListByAction(ctx, "t1", "act_1")
	if err != nil {
		t.Fatalf("list by action: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(chain))
	}
	for i, want := range []string{"r1", "r2", "r3"} {
		if chain[i].ReceiptID != want {
			t.Fatalf("chain[%d] = %s, want %s", i, chain[i].ReceiptID, want)
		}
	}

	other, err := store.ListByAction(ctx, "t1", "act_2")
	if err != nil {
		t.Fatalf("list by action: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no receipts for unrelated action, got %d", len(other))
	}
}
