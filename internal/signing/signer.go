// Package signing manages per-tenant ed25519 keypairs and produces the
// detached signatures attached to receipts.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/MokiMeow/OARS-sub001/internal/apperr"
)

// Signature is the result of signing a digest.
type Signature struct {
	Signature string // base64-encoded ed25519 signature
	KeyID     string
}

type keyPair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Signer holds the tenant key registry. Keys are generated lazily on the
// first sign for a tenant and kept for the process lifetime.
type Signer struct {
	mu       sync.RWMutex
	byTenant map[string]string // tenantID -> current keyID
	byKeyID  map[string]keyPair
}

// New creates an empty Signer.
func New() *Signer {
	return &Signer{
		byTenant: make(map[string]string),
		byKeyID:  make(map[string]keyPair),
	}
}

// Sign signs a digest with the tenant's current key, generating one if the
// tenant has none yet.
func (s *Signer) Sign(tenantID, digest string) (Signature, error) {
	if tenantID == "" {
		return Signature{}, apperr.InvalidInput("tenantId", "must not be empty")
	}

	keyID, kp, err := s.tenantKey(tenantID)
	if err != nil {
		return Signature{}, err
	}

	sig := ed25519.Sign(kp.priv, []byte(digest))
	return Signature{
		Signature: base64.StdEncoding.EncodeToString(sig),
		KeyID:     keyID,
	}, nil
}

// Verify checks a signature against the registered key with the given id.
func (s *Signer) Verify(digest, signature, keyID string) (bool, error) {
	s.mu.RLock()
	kp, ok := s.byKeyID[keyID]
	s.mu.RUnlock()
	if !ok {
		return false, apperr.NotFound("signing key", keyID)
	}
	return VerifyWithKey(digest, signature, kp.pub), nil
}

// VerifyWithKey checks a signature against an explicitly supplied key.
func VerifyWithKey(digest, signature string, pub ed25519.PublicKey) bool {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(digest), raw)
}

// PublicKey returns the public key registered under keyID.
func (s *Signer) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.byKeyID[keyID]
	return kp.pub, ok
}

// CurrentKeyID returns the tenant's current key id, if any.
func (s *Signer) CurrentKeyID(tenantID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTenant[tenantID]
	return id, ok
}

func (s *Signer) tenantKey(tenantID string) (string, keyPair, error) {
	s.mu.RLock()
	if keyID, ok := s.byTenant[tenantID]; ok {
		kp := s.byKeyID[keyID]
		s.mu.RUnlock()
		return keyID, kp, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check after upgrading the lock.
	if keyID, ok := s.byTenant[tenantID]; ok {
		return keyID, s.byKeyID[keyID], nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", keyPair{}, apperr.Wrap(err, apperr.CodeInternal, "generate tenant key")
	}

	keyID := fmt.Sprintf("%s-%s", tenantID, fingerprint(pub))
	kp := keyPair{pub: pub, priv: priv}
	s.byTenant[tenantID] = keyID
	s.byKeyID[keyID] = kp
	return keyID, kp, nil
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:4])
}
