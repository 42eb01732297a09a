package repository

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
)

func TestEnvelopePlainRoundTrip(t *testing.T) {
	env, err := NewPlainEnvelope(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"plain"`) {
		t.Fatalf("missing kind tag: %s", raw)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var payload map[string]any
	if err := back.Open(&payload); err != nil {
		t.Fatalf("open: %v", err)
	}
	if payload["k"] != "v" {
		t.Fatalf("payload mismatch: %v", payload)
	}
}

func TestEnvelopeEncryptedRoundTrip(t *testing.T) {
	env := Envelope{Kind: EnvelopeEncrypted, Encrypted: []byte{0x01, 0x02, 0x03}}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != EnvelopeEncrypted || len(back.Encrypted) != 3 {
		t.Fatalf("encrypted round trip mismatch: %+v", back)
	}

	var out map[string]any
	err = back.Open(&out)
	if !apperr.HasCode(err, apperr.CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE opening encrypted payload, got %v", err)
	}
}

func TestEnvelopeUnknownKind(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"kind":"mystery","data":{}}`), &env)
	if !apperr.HasCode(err, apperr.CodeCorruption) {
		t.Fatalf("expected CORRUPTION for unknown kind, got %v", err)
	}
}
