package repository

import (
	"encoding/base64"
	"encoding/json"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
)

// EnvelopeKind tags the two payload-at-rest shapes.
type EnvelopeKind string

const (
	EnvelopePlain     EnvelopeKind = "plain"
	EnvelopeEncrypted EnvelopeKind = "encrypted"
)

// Envelope is the tagged variant for stored payloads: either plain JSON or
// an opaque encrypted blob written by a tenant with encryption-at-rest
// enabled. The storage layer resolves the variant explicitly; callers never
// sniff payload structure.
type Envelope struct {
	Kind      EnvelopeKind
	Plain     json.RawMessage
	Encrypted []byte
}

// NewPlainEnvelope wraps v as a plain payload.
func NewPlainEnvelope(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, apperr.Wrap(err, apperr.CodeInternal, "marshal envelope payload")
	}
	return Envelope{Kind: EnvelopePlain, Plain: raw}, nil
}

// Open decodes a plain payload into out. Encrypted payloads cannot be
// opened here; decryption belongs to the tenant key management collaborator.
func (e Envelope) Open(out any) error {
	switch e.Kind {
	case EnvelopePlain:
		if err := json.Unmarshal(e.Plain, out); err != nil {
			return apperr.Wrap(err, apperr.CodeCorruption, "decode plain payload")
		}
		return nil
	case EnvelopeEncrypted:
		return apperr.New(apperr.CodeInvalidState, "payload is encrypted at rest")
	default:
		return apperr.Newf(apperr.CodeCorruption, "unknown envelope kind %q", e.Kind)
	}
}

type envelopeJSON struct {
	Kind EnvelopeKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON emits {"kind":"plain","data":{...}} or
// {"kind":"encrypted","data":"<base64>"}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EnvelopePlain:
		return json.Marshal(envelopeJSON{Kind: e.Kind, Data: e.Plain})
	case EnvelopeEncrypted:
		b64, err := json.Marshal(base64.StdEncoding.EncodeToString(e.Encrypted))
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelopeJSON{Kind: e.Kind, Data: b64})
	default:
		return nil, apperr.Newf(apperr.CodeInternal, "unknown envelope kind %q", e.Kind)
	}
}

// UnmarshalJSON resolves the tagged variant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperr.Wrap(err, apperr.CodeCorruption, "decode envelope")
	}
	switch raw.Kind {
	case EnvelopePlain:
		e.Kind = EnvelopePlain
		e.Plain = raw.Data
		e.Encrypted = nil
		return nil
	case EnvelopeEncrypted:
		var b64 string
		if err := json.Unmarshal(raw.Data, &b64); err != nil {
			return apperr.Wrap(err, apperr.CodeCorruption, "decode encrypted payload")
		}
		blob, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeCorruption, "decode encrypted payload")
		}
		e.Kind = EnvelopeEncrypted
		e.Encrypted = blob
		e.Plain = nil
		return nil
	default:
		return apperr.Newf(apperr.CodeCorruption, "unknown envelope kind %q", raw.Kind)
	}
}
