// Package ledger implements the globally hash-chained, append-only audit
// log. Entries are persisted one JSON object per line, strictly ordered by
// sequence; that layout is what makes appends crash-safe and lets archives
// interoperate across versions, so it must not change.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
	"github.com/MokiMeow/OARS-sub001/internal/logger"
	"github.com/MokiMeow/OARS-sub001/internal/repository"
)

// Ledger is the process-wide append log. One exclusive mutex covers every
// append and the prune rebuild: sequence and prev_entry_hash depend on the
// previous global state, so no two writers may interleave.
type Ledger struct {
	mu         sync.Mutex
	path       string
	archiveDir string
	log        *logger.Logger
	entries    []Entry
	file       *os.File
}

// Status is the health snapshot exposed on the ops surface.
type Status struct {
	Entries      int     `json:"entries"`
	LastSequence int64   `json:"last_sequence"`
	HeadHash     *string `json:"head_hash"`
}

// IntegrityReport is the result of re-validating the persisted chain.
type IntegrityReport struct {
	Valid          bool     `json:"is_valid"`
	CheckedEntries int      `json:"checked_entries"`
	FailedSequence *int64   `json:"failed_sequence,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// PruneReport summarizes a retention pruning pass.
type PruneReport struct {
	Pruned      int    `json:"pruned"`
	Remaining   int    `json:"remaining"`
	ArchivePath string `json:"archive_path,omitempty"`
}

// Open reads and validates the persisted log. Any chain violation fails
// construction: a corrupted audit trail must keep the process from
// starting, not serve unverifiable reads.
func Open(path, archiveDir string, log *logger.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "create ledger directory")
	}
	if archiveDir != "" {
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "create archive directory")
		}
	}

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	if failed, verr := validateChain(entries); verr != nil {
		return nil, apperr.Wrap(verr, apperr.CodeCorruption,
			fmt.Sprintf("ledger chain invalid at sequence %d", failed))
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "open ledger for append")
	}

	log.Info().
		Str("path", path).
		Int("entries", len(entries)).
		Msg("Ledger opened and verified")

	return &Ledger{
		path:       path,
		archiveDir: archiveDir,
		log:        log,
		entries:    entries,
		file:       file,
	}, nil
}

// Close releases the append handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// AppendReceipt appends a receipt to the ledger.
func (l *Ledger) AppendReceipt(ctx context.Context, receipt *repository.Receipt) (*Entry, error) {
	return l.append(ctx, EntityReceipt, receipt.ReceiptID, receipt.TenantID,
		receipt.Timestamp, receipt)
}

// AppendSecurityEvent appends a security event to the ledger.
func (l *Ledger) AppendSecurityEvent(ctx context.Context, event *repository.SecurityEvent) (*Entry, error) {
	return l.append(ctx, EntitySecurityEvent, event.EventID, event.TenantID,
		event.OccurredAt, event)
}

func (l *Ledger) append(_ context.Context, entityType EntityType, entityID, tenantID string, occurredAt time.Time, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "marshal ledger payload")
	}
	payloadHash, err := computePayloadHash(raw)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "hash ledger payload")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:     uuid.NewString(),
		Sequence:    int64(len(l.entries)) + 1,
		TenantID:    tenantID,
		EntityType:  entityType,
		EntityID:    entityID,
		OccurredAt:  occurredAt.UTC().Format(time.RFC3339Nano),
		AppendedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		PayloadHash: payloadHash,
		Payload:     raw,
	}
	if n := len(l.entries); n > 0 {
		prev := l.entries[n-1].EntryHash
		entry.PrevEntryHash = &prev
	}
	entry.EntryHash, err = computeEntryHash(&entry)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "hash ledger entry")
	}

	// Durably on disk before acknowledging.
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "marshal ledger entry")
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "write ledger entry")
	}
	if err := l.file.Sync(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "sync ledger")
	}

	l.entries = append(l.entries, entry)
	cp := entry
	return &cp, nil
}

// ListEntriesByTenant returns the tenant's entries in sequence order.
func (l *Ledger) ListEntriesByTenant(tenantID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// Status reports the current chain head.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{Entries: len(l.entries)}
	if n := len(l.entries); n > 0 {
		st.LastSequence = l.entries[n-1].Sequence
		head := l.entries[n-1].EntryHash
		st.HeadHash = &head
	}
	return st
}

// VerifyIntegrity re-reads the persisted log independently of in-memory
// state and re-runs the startup validation. A failure is reported, not
// fatal, so operators can diagnose a live system.
func (l *Ledger) VerifyIntegrity() IntegrityReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := readEntries(l.path)
	if err != nil {
		return IntegrityReport{Valid: false, Errors: []string{err.Error()}}
	}
	report := IntegrityReport{CheckedEntries: len(entries)}
	if failed, verr := validateChain(entries); verr != nil {
		report.FailedSequence = &failed
		report.Errors = append(report.Errors, verr.Error())
		return report
	}
	report.Valid = true
	return report
}

// PruneTenantEntries moves the tenant's entries older than the retention
// window to an append-only archive and rebuilds the kept chain: sequences
// renumbered from 1, prev/entry hashes recomputed in order. The rebuilt
// log is written to a temp file and swapped in atomically; this is the one
// code path allowed to regenerate ledger hashes.
func (l *Ledger) PruneTenantEntries(tenantID string, retentionDays int, now time.Time) (PruneReport, error) {
	if tenantID == "" {
		return PruneReport{}, apperr.InvalidInput("tenantId", "must not be empty")
	}
	if retentionDays <= 0 {
		return PruneReport{}, apperr.InvalidInput("retentionDays", "must be positive")
	}
	if now.IsZero() {
		return PruneReport{}, apperr.InvalidInput("now", "must be a valid timestamp")
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	var archived, kept []Entry
	for _, e := range l.entries {
		occurredAt, err := time.Parse(time.RFC3339Nano, e.OccurredAt)
		if err != nil {
			return PruneReport{}, apperr.Wrap(err, apperr.CodeCorruption,
				fmt.Sprintf("entry %d has unparsable occurred_at", e.Sequence))
		}
		if e.TenantID == tenantID && occurredAt.Before(cutoff) {
			archived = append(archived, e)
		} else {
			kept = append(kept, e)
		}
	}

	report := PruneReport{Pruned: len(archived), Remaining: len(kept)}
	if len(archived) == 0 {
		return report, nil
	}

	// Archive first, verbatim, preserving the original hashes for
	// provenance.
	archivePath := filepath.Join(l.archiveDir,
		fmt.Sprintf("%s-%d.jsonl", tenantID, now.UTC().Unix()))
	if err := appendLines(archivePath, archived); err != nil {
		return PruneReport{}, err
	}
	report.ArchivePath = archivePath

	// Rebuild the kept chain.
	rebuilt := make([]Entry, 0, len(kept))
	var prevHash *string
	for i, e := range kept {
		e.Sequence = int64(i) + 1
		e.PrevEntryHash = prevHash
		hash, err := computeEntryHash(&e)
		if err != nil {
			return PruneReport{}, apperr.Wrap(err, apperr.CodeInternal, "rehash kept entry")
		}
		e.EntryHash = hash
		rebuilt = append(rebuilt, e)
		prevHash = &rebuilt[i].EntryHash
	}

	if err := l.swapLog(rebuilt); err != nil {
		return PruneReport{}, err
	}
	l.entries = rebuilt

	l.log.Info().
		Str("tenant_id", tenantID).
		Int("pruned", report.Pruned).
		Int("remaining", report.Remaining).
		Str("archive", archivePath).
		Msg("Ledger pruned and chain rebuilt")

	return report, nil
}

// swapLog writes entries to a temp file and renames it over the live log,
// then reopens the append handle.
func (l *Ledger) swapLog(entries []Entry) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-rebuild-*")
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "create rebuild file")
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return apperr.Wrap(err, apperr.CodeInternal, "marshal rebuilt entry")
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Wrap(err, apperr.CodeInternal, "flush rebuilt log")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Wrap(err, apperr.CodeInternal, "sync rebuilt log")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(err, apperr.CodeInternal, "close rebuilt log")
	}

	if err := l.file.Close(); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "close live log")
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "swap rebuilt log")
	}

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "reopen ledger")
	}
	l.file = file
	return nil
}

// ── persisted log parsing and validation ─────────────────────────────────────

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "open ledger")
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeCorruption,
				fmt.Sprintf("malformed ledger entry at line %d", lineNo))
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "read ledger")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	return entries, nil
}

// validateChain checks sequence contiguity from 1, payload hashes, entry
// hashes, and prev links. Returns the first failing sequence on error.
func validateChain(entries []Entry) (int64, error) {
	for i, e := range entries {
		want := int64(i) + 1
		if e.Sequence != want {
			return e.Sequence, fmt.Errorf("sequence gap: entry %d at position expecting %d", e.Sequence, want)
		}

		payloadHash, err := computePayloadHash(e.Payload)
		if err != nil {
			return e.Sequence, fmt.Errorf("entry %d payload unhashable: %w", e.Sequence, err)
		}
		if payloadHash != e.PayloadHash {
			return e.Sequence, fmt.Errorf("entry %d payload hash mismatch", e.Sequence)
		}

		entryHash, err := computeEntryHash(&e)
		if err != nil {
			return e.Sequence, fmt.Errorf("entry %d header unhashable: %w", e.Sequence, err)
		}
		if entryHash != e.EntryHash {
			return e.Sequence, fmt.Errorf("entry %d entry hash mismatch", e.Sequence)
		}

		if i == 0 {
			if e.PrevEntryHash != nil {
				return e.Sequence, fmt.Errorf("first entry has non-null prev_entry_hash")
			}
		} else {
			if e.PrevEntryHash == nil {
				return e.Sequence, fmt.Errorf("entry %d missing prev_entry_hash", e.Sequence)
			}
			if *e.PrevEntryHash != entries[i-1].EntryHash {
				return e.Sequence, fmt.Errorf("entry %d chain break: prev_entry_hash does not match entry %d", e.Sequence, entries[i-1].Sequence)
			}
		}
	}
	return 0, nil
}

func appendLines(path string, entries []Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "open archive")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "marshal archived entry")
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "flush archive")
	}
	return f.Sync()
}
