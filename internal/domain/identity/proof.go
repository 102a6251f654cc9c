package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
)

// signedFields is the exact structure covered by a proof signature.
type signedFields struct {
	ActorID   string `json:"actor_id"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
}

// SigningPayload returns the JCS encoding of {actor_id, nonce, timestamp}.
// The timestamp is rendered as RFC 3339 with nanoseconds in UTC.
func SigningPayload(actorID, nonce string, ts time.Time) ([]byte, error) {
	raw, err := json.Marshal(signedFields{
		ActorID:   actorID,
		Nonce:     nonce,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func signingMethod(alg Algorithm) (jwt.SigningMethod, error) {
	switch alg {
	case AlgHMAC:
		return jwt.SigningMethodHS256, nil
	case AlgEd25519:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKey, alg)
	}
}

// SignProof builds a proof. signingKey is the HMAC secret or an ed25519.PrivateKey.
func SignProof(alg Algorithm, keyID string, signingKey any, actorID, nonce string, ts time.Time) (ActorProof, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return ActorProof{}, err
	}
	payload, err := SigningPayload(actorID, nonce, ts)
	if err != nil {
		return ActorProof{}, err
	}
	sig, err := method.Sign(string(payload), signingKey)
	if err != nil {
		return ActorProof{}, fmt.Errorf("sign proof: %w", err)
	}
	return ActorProof{
		ActorID:   actorID,
		Nonce:     nonce,
		Timestamp: ts,
		KeyID:     keyID,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// VerifySignature checks proof against key. HMAC comparison is constant-time.
func VerifySignature(key Key, proof ActorProof) error {
	method, err := signingMethod(key.Algorithm)
	if err != nil {
		return err
	}
	sig, err := base64.RawURLEncoding.DecodeString(proof.Signature)
	if err != nil {
		return ErrBadSignature
	}
	payload, err := SigningPayload(proof.ActorID, proof.Nonce, proof.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	var verifyKey any = key.Material
	if key.Algorithm == AlgEd25519 {
		verifyKey = ed25519.PublicKey(key.Material)
	}
	if err := method.Verify(string(payload), sig, verifyKey); err != nil {
		return ErrBadSignature
	}
	return nil
}
