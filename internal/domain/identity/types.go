// Package identity contains domain types for actor authentication.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for identity operations.
var (
	// ErrMalformedProof is returned when a proof is missing required fields.
	ErrMalformedProof = errors.New("malformed actor proof")
	// ErrUnknownKey is returned when no active or grace-period key matches.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrBadSignature is returned when the proof signature does not verify.
	ErrBadSignature = errors.New("invalid proof signature")
	// ErrClockSkew is returned when the proof timestamp is outside the skew window.
	ErrClockSkew = errors.New("proof timestamp outside skew window")
	// ErrKeyExists is returned when registering a key id that is already present.
	ErrKeyExists = errors.New("key already registered")
	// ErrInvalidKey is returned for key material of the wrong size or algorithm.
	ErrInvalidKey = errors.New("invalid key material")
)

// Algorithm names a proof signature scheme.
type Algorithm string

const (
	// AlgHMAC is HMAC-SHA256 with a shared secret.
	AlgHMAC Algorithm = "HS256"
	// AlgEd25519 is Ed25519 with the actor holding the private key.
	AlgEd25519 Algorithm = "EdDSA"
)

// ParseAlgorithm accepts the canonical names plus common aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hs256", "hmac", "hmac-sha256":
		return AlgHMAC, nil
	case "eddsa", "ed25519":
		return AlgEd25519, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKey, s)
	}
}

// Key is one verification key held for an actor.
type Key struct {
	ID        string    `json:"id"`
	Algorithm Algorithm `json:"algorithm"`
	// Material is the HMAC secret or the Ed25519 public key.
	Material []byte    `json:"material"`
	Created  time.Time `json:"created"`
	// NotAfter is zero for active keys and the grace deadline for retiring keys.
	NotAfter time.Time `json:"not_after,omitempty"`
	Revoked  bool      `json:"revoked,omitempty"`
}

// Validate checks that the material fits the algorithm.
func (k Key) Validate() error {
	if k.ID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidKey)
	}
	switch k.Algorithm {
	case AlgHMAC:
		if len(k.Material) < 16 {
			return fmt.Errorf("%w: hmac secret must be at least 16 bytes", ErrInvalidKey)
		}
	case AlgEd25519:
		if len(k.Material) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 public key must be %d bytes", ErrInvalidKey, ed25519.PublicKeySize)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKey, k.Algorithm)
	}
	return nil
}

// UsableAt reports whether the key may verify a proof at the given time.
func (k Key) UsableAt(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.NotAfter.IsZero() || now.Before(k.NotAfter)
}

// ActorProof is the already-parsed credential attached to a request.
type ActorProof struct {
	ActorID   string    `json:"actorId"`
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	KeyID     string    `json:"keyId"`
	Signature string    `json:"signature"`
}

// Validate reports ErrMalformedProof when a required field is missing.
func (p ActorProof) Validate() error {
	var missing []string
	if p.ActorID == "" {
		missing = append(missing, "actorId")
	}
	if p.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if p.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if p.KeyID == "" {
		missing = append(missing, "keyId")
	}
	if p.Signature == "" {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedProof, strings.Join(missing, ", "))
	}
	return nil
}
