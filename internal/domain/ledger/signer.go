package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// ErrBadSignature is returned when an entry signature does not verify.
var ErrBadSignature = errors.New("ledger signature invalid")

// ErrUnknownSigningKey is returned when an entry names a key the verifier does not hold.
var ErrUnknownSigningKey = errors.New("ledger signing key unknown")

// Signer signs entry hashes. Implementations must be safe for concurrent use.
type Signer interface {
	Verifier
	// Sign returns the encoded signature over an entry hash.
	Sign(hash string) (string, error)
	// KeyID names the active signing key.
	KeyID() string
}

// Verifier checks entry signatures.
type Verifier interface {
	Verify(keyID, hash, signature string) error
}

const hkdfInfo = "governor/ledger/hmac-sha256/v1"

// DeriveHMACKey derives a 32-byte ledger key from a workspace secret with HKDF-SHA256.
func DeriveHMACKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("ledger secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive ledger key: %w", err)
	}
	return key, nil
}

// HMACSigner signs with HMAC-SHA256 via the HS256 signing method.
type HMACSigner struct {
	keyID string
	key   []byte
}

// NewHMACSigner builds a signer from a workspace secret.
func NewHMACSigner(keyID string, secret, salt []byte) (*HMACSigner, error) {
	key, err := DeriveHMACKey(secret, salt)
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		keyID = "hmac-" + shortFingerprint(key)
	}
	return &HMACSigner{keyID: keyID, key: key}, nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }

func (s *HMACSigner) Sign(hash string) (string, error) {
	sig, err := jwt.SigningMethodHS256.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("sign entry: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify uses a constant-time comparison inside the HS256 method.
func (s *HMACSigner) Verify(keyID, hash, signature string) error {
	if keyID != s.keyID {
		return ErrUnknownSigningKey
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if err := jwt.SigningMethodHS256.Verify(hash, sig, s.key); err != nil {
		return ErrBadSignature
	}
	return nil
}

// Ed25519Signer signs with an Ed25519 private key via the EdDSA signing method.
// Verification needs only the public key, so auditors can check chains offline.
type Ed25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// NewEd25519Signer builds a signer from a 32-byte seed.
func NewEd25519Signer(keyID string, seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if keyID == "" {
		keyID = "ed25519-" + shortFingerprint(pub)
	}
	return &Ed25519Signer{keyID: keyID, priv: priv, pub: pub}, nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(hash string) (string, error) {
	sig, err := jwt.SigningMethodEdDSA.Sign(hash, s.priv)
	if err != nil {
		return "", fmt.Errorf("sign entry: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) Verify(keyID, hash, signature string) error {
	return NewEd25519Verifier(s.keyID, s.pub).Verify(keyID, hash, signature)
}

// Ed25519Verifier verifies entries with a public key only.
type Ed25519Verifier struct {
	keyID string
	pub   ed25519.PublicKey
}

// NewEd25519Verifier builds a public-key verifier.
func NewEd25519Verifier(keyID string, pub ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{keyID: keyID, pub: pub}
}

func (v *Ed25519Verifier) Verify(keyID, hash, signature string) error {
	if keyID != v.keyID {
		return ErrUnknownSigningKey
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if err := jwt.SigningMethodEdDSA.Verify(hash, sig, v.pub); err != nil {
		return ErrBadSignature
	}
	return nil
}

func shortFingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:6])
}

var (
	_ Signer   = (*HMACSigner)(nil)
	_ Signer   = (*Ed25519Signer)(nil)
	_ Verifier = (*Ed25519Verifier)(nil)
)
