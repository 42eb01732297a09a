package ledger

import (
	"encoding/json"

	"github.com/MokiMeow/OARS-sub001/internal/canonical"
)

// EntityType distinguishes what an entry records.
type EntityType string

const (
	EntityReceipt       EntityType = "receipt"
	EntitySecurityEvent EntityType = "security_event"
)

// Entry is one line of the append-only audit log. Sequence is strictly
// increasing and gap-free across the whole ledger; PrevEntryHash links to
// the entry with sequence-1 (nil for the first entry). Timestamps are kept
// as the persisted RFC 3339 strings so hashes stay stable across writers.
type Entry struct {
	EntryID       string          `json:"entry_id"`
	Sequence      int64           `json:"sequence"`
	TenantID      string          `json:"tenant_id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	OccurredAt    string          `json:"occurred_at"`
	AppendedAt    string          `json:"appended_at"`
	PrevEntryHash *string         `json:"prev_entry_hash"`
	PayloadHash   string          `json:"payload_hash"`
	EntryHash     string          `json:"entry_hash"`
	Payload       json.RawMessage `json:"payload"`
}

// computeEntryHash hashes the entry header. The payload participates only
// through PayloadHash, and EntryHash itself is excluded.
func computeEntryHash(e *Entry) (string, error) {
	header := map[string]any{
		"sequence":        e.Sequence,
		"tenant_id":       e.TenantID,
		"entity_type":     e.EntityType,
		"entity_id":       e.EntityID,
		"occurred_at":     e.OccurredAt,
		"appended_at":     e.AppendedAt,
		"prev_entry_hash": e.PrevEntryHash,
		"payload_hash":    e.PayloadHash,
	}
	return canonical.Digest(header)
}

// computePayloadHash hashes the normalized payload.
func computePayloadHash(payload json.RawMessage) (string, error) {
	return canonical.Digest(payload)
}
