package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/logger"
	"github.com/MokiMeow/OARS-sub001/internal/repository"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", ServiceName: "test"})
}

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func appendEvent(t *testing.T, l *Ledger, tenantID string, occurredAt time.Time) *Entry {
	t.Helper()
	entry, err := l.AppendSecurityEvent(context.Background(), &repository.SecurityEvent{
		EventID:    uuid.NewString(),
		TenantID:   tenantID,
		Type:       "policy.violation",
		Severity:   "high",
		OccurredAt: occurredAt,
		Details:    map[string]any{"rule": "no-prod-writes"},
	})
	if err != nil {
		t.Fatalf("append security event: %v", err)
	}
	return entry
}

func TestAppendBuildsContiguousChain(t *testing.T) {
	l, _ := newTestLedger(t)
	now := time.Now()

	var entries []*Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, appendEvent(t, l, "t1", now))
	}

	for i, e := range entries {
		if e.Sequence != int64(i)+1 {
			t.Fatalf("entry %d sequence = %d", i, e.Sequence)
		}
		if i == 0 {
			if e.PrevEntryHash != nil {
				t.Fatal("first entry must have null prev hash")
			}
			continue
		}
		if e.PrevEntryHash == nil || *e.PrevEntryHash != entries[i-1].EntryHash {
			t.Fatalf("entry %d does not link to predecessor", i)
		}
	}

	st := l.Status()
	if st.Entries != 5 || st.LastSequence != 5 {
		t.Fatalf("status = %+v", st)
	}
	if st.HeadHash == nil || *st.HeadHash != entries[4].EntryHash {
		t.Fatalf("head hash = %v, want %s", st.HeadHash, entries[4].EntryHash)
	}

	report := l.VerifyIntegrity()
	if !report.Valid || report.CheckedEntries != 5 {
		t.Fatalf("integrity report = %+v", report)
	}
}

func TestAppendReceiptRecordsEntityFields(t *testing.T) {
	l, _ := newTestLedger(t)

	receipt := &repository.Receipt{
		ReceiptID: "r1",
		TenantID:  "t1",
		ActionID:  "act_1",
		Type:      "requested",
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
	entry, err := l.AppendReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("append receipt: %v", err)
	}
	if entry.EntityType != EntityReceipt || entry.EntityID != "r1" || entry.TenantID != "t1" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.OccurredAt != "2026-08-20T10:00:00Z" {
		t.Fatalf("occurred_at = %s", entry.OccurredAt)
	}

	var stored repository.Receipt
	if err := json.Unmarshal(entry.Payload, &stored); err != nil {
		t.Fatalf("payload not the receipt: %v", err)
	}
	if stored.ReceiptID != "r1" {
		t.Fatalf("payload receipt id = %s", stored.ReceiptID)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	archive := t.TempDir()

	l, err := Open(path, archive, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	appendEvent(t, l, "t1", now)
	appendEvent(t, l, "t2", now)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, archive, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if st := reopened.Status(); st.Entries != 2 || st.LastSequence != 2 {
		t.Fatalf("status after reopen = %+v", st)
	}

	// Appends continue the persisted chain.
	e := appendEvent(t, reopened, "t1", now)
	if e.Sequence != 3 {
		t.Fatalf("sequence after reopen = %d", e.Sequence)
	}
	if report := reopened.VerifyIntegrity(); !report.Valid || report.CheckedEntries != 3 {
		t.Fatalf("integrity after reopen = %+v", report)
	}
}

func TestJSONLinesLayout(t *testing.T) {
	l, path := newTestLedger(t)
	appendEvent(t, l, "t1", time.Now())
	appendEvent(t, l, "t1", time.Now())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("log has %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			t.Fatalf("line %d is not a JSON object: %v", i, err)
		}
	}
}

// corruptLine rewrites one field of the nth persisted entry in place.
func corruptLine(t *testing.T, path string, n int, mutate func(map[string]any)) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	var obj map[string]any
	if err := json.Unmarshal([]byte(lines[n]), &obj); err != nil {
		t.Fatalf("parse line %d: %v", n, err)
	}
	mutate(obj)
	mutated, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("remarshal line %d: %v", n, err)
	}
	lines[n] = string(mutated)

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	l, path := newTestLedger(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		appendEvent(t, l, "t1", now)
	}

	corruptLine(t, path, 1, func(obj map[string]any) {
		obj["payload_hash"] = "sha256:deadbeef"
	})

	report := l.VerifyIntegrity()
	if report.Valid {
		t.Fatalf("tampered log verified: %+v", report)
	}
	if report.FailedSequence == nil || *report.FailedSequence != 2 {
		t.Fatalf("failed sequence = %v, want 2", report.FailedSequence)
	}
	if len(report.Errors) == 0 {
		t.Fatal("expected a finding")
	}
}

func TestOpenRefusesCorruptedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	archive := t.TempDir()

	l, err := Open(path, archive, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendEvent(t, l, "t1", time.Now())
	appendEvent(t, l, "t1", time.Now())
	l.Close()

	corruptLine(t, path, 0, func(obj map[string]any) {
		obj["tenant_id"] = "someone-else"
	})

	_, err = Open(path, archive, testLogger())
	if !apperr.HasCode(err, apperr.CodeCorruption) {
		t.Fatalf("expected CORRUPTION, got %v", err)
	}
}

func TestOpenRefusesMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	_, err := Open(path, t.TempDir(), testLogger())
	if !apperr.HasCode(err, apperr.CodeCorruption) {
		t.Fatalf("expected CORRUPTION, got %v", err)
	}
}

func TestPruneTenantEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	archive := t.TempDir()
	l, err := Open(path, archive, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	appendEvent(t, l, "t1", now.AddDate(0, 0, -40)) // pruned
	appendEvent(t, l, "t2", now.AddDate(0, 0, -40)) // other tenant, kept
	appendEvent(t, l, "t1", now.AddDate(0, 0, -35)) // pruned
	appendEvent(t, l, "t1", now.AddDate(0, 0, -10)) // within retention
	appendEvent(t, l, "t1", now.AddDate(0, 0, -1))  // within retention

	report, err := l.PruneTenantEntries("t1", 30, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Pruned != 2 || report.Remaining != 3 {
		t.Fatalf("report = %+v", report)
	}
	if report.ArchivePath == "" {
		t.Fatal("archive path missing")
	}

	// The archive holds the pruned entries with their original hashes.
	data, err := os.ReadFile(report.ArchivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	archLines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(archLines) != 2 {
		t.Fatalf("archive has %d lines, want 2", len(archLines))
	}
	for _, line := range archLines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("archive line malformed: %v", err)
		}
		if e.TenantID != "t1" {
			t.Fatalf("archived foreign entry: %+v", e)
		}
	}

	// The live log is renumbered from 1 and its rebuilt chain verifies.
	kept := append(l.ListEntriesByTenant("t2"), l.ListEntriesByTenant("t1")...)
	if len(kept) != 3 {
		t.Fatalf("kept entries = %d, want 3", len(kept))
	}
	st := l.Status()
	if st.Entries != 3 || st.LastSequence != 3 {
		t.Fatalf("status after prune = %+v", st)
	}
	if rep := l.VerifyIntegrity(); !rep.Valid || rep.CheckedEntries != 3 {
		t.Fatalf("integrity after prune = %+v", rep)
	}

	// Appends continue on the rebuilt chain.
	e := appendEvent(t, l, "t1", now)
	if e.Sequence != 4 {
		t.Fatalf("sequence after prune = %d", e.Sequence)
	}
	if rep := l.VerifyIntegrity(); !rep.Valid {
		t.Fatalf("integrity after post-prune append = %+v", rep)
	}
}

func TestPruneNoMatchesIsNoOp(t *testing.T) {
	l, _ := newTestLedger(t)
	now := time.Now()
	appendEvent(t, l, "t1", now)

	report, err := l.PruneTenantEntries("t1", 30, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Pruned != 0 || report.Remaining != 1 || report.ArchivePath != "" {
		t.Fatalf("report = %+v", report)
	}
}

func TestPruneValidation(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, err := l.PruneTenantEntries("", 30, time.Now()); !apperr.HasCode(err, apperr.CodeValidation) {
		t.Fatalf("empty tenant: %v", err)
	}
	if _, err := l.PruneTenantEntries("t1", 0, time.Now()); !apperr.HasCode(err, apperr.CodeValidation) {
		t.Fatalf("zero retention: %v", err)
	}
	if _, err := l.PruneTenantEntries("t1", 30, time.Time{}); !apperr.HasCode(err, apperr.CodeValidation) {
		t.Fatalf("zero now: %v", err)
	}
}

func TestListEntriesByTenant(t *testing.T) {
	l, _ := newTestLedger(t)
	now := time.Now()
	appendEvent(t, l, "t1", now)
	appendEvent(t, l, "t2", now)
	appendEvent(t, l, "t1", now)

	entries := l.ListEntriesByTenant("t1")
	if len(entries) != 2 {
		t.Fatalf("t1 entries = %d, want 2", len(entries))
	}
	if entries[0].Sequence != 1 || entries[1].Sequence != 3 {
		t.Fatalf("sequences = %d, %d", entries[0].Sequence, entries[1].Sequence)
	}
	if got := l.ListEntriesByTenant("unknown"); len(got) != 0 {
		t.Fatalf("unknown tenant returned %d entries", len(got))
	}
}
