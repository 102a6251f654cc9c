package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/identity"
	"github.com/Sentinel-Gate/governor/internal/domain/replay"
)

// DefaultClockSkew is the accepted distance between proof timestamp and local time.
const DefaultClockSkew = 30 * time.Second

// IdentityService verifies actor proofs against the rotation keyring and
// admits each (actor, nonce) pair at most once through the replay guard.
type IdentityService struct {
	keyring *identity.Keyring
	guard   replay.Guard
	skew    time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// IdentityOption configures IdentityService.
type IdentityOption func(*IdentityService)

// WithClockSkew sets the accepted timestamp skew window.
func WithClockSkew(d time.Duration) IdentityOption {
	return func(s *IdentityService) {
		if d > 0 {
			s.skew = d
		}
	}
}

// WithIdentityClock overrides the time source.
func WithIdentityClock(now func() time.Time) IdentityOption {
	return func(s *IdentityService) { s.now = now }
}

// NewIdentityService creates a verifier.
func NewIdentityService(keyring *identity.Keyring, guard replay.Guard, logger *slog.Logger, opts ...IdentityOption) *IdentityService {
	s := &IdentityService{
		keyring: keyring,
		guard:   guard,
		skew:    DefaultClockSkew,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify authenticates proof and returns its actor. Checks run in order: key lookup,
// signature, clock skew, then the atomic nonce check-and-insert. Only a proof that
// passes every cryptographic check consumes its nonce.
func (s *IdentityService) Verify(ctx context.Context, proof identity.ActorProof) (string, error) {
	if err := proof.Validate(); err != nil {
		return "", err
	}

	key, err := s.keyring.Lookup(proof.ActorID, proof.KeyID)
	if err != nil {
		return "", fmt.Errorf("%w: actor %s key %s", identity.ErrUnknownKey, proof.ActorID, proof.KeyID)
	}

	if err := identity.VerifySignature(key, proof); err != nil {
		return "", err
	}

	now := s.now()
	if d := now.Sub(proof.Timestamp); d > s.skew || d < -s.skew {
		return "", fmt.Errorf("%w: proof is %s away from local time", identity.ErrClockSkew, d.Round(time.Millisecond))
	}

	// The skew check still admits the proof at exactly ts+skew, so the record must
	// outlive that instant. The extra millisecond covers stores with ms expiry.
	rec := replay.Record{
		ActorID:   proof.ActorID,
		Nonce:     proof.Nonce,
		ExpiresAt: proof.Timestamp.Add(s.skew + time.Millisecond),
	}
	if err := s.guard.CheckAndInsert(ctx, rec); err != nil {
		s.logger.Debug("nonce rejected",
			"actor_id", proof.ActorID,
			"error", err,
		)
		return "", err
	}
	return proof.ActorID, nil
}

// Skew returns the configured skew window.
func (s *IdentityService) Skew() time.Duration { return s.skew }

// Keyring returns the backing keyring.
func (s *IdentityService) Keyring() *identity.Keyring { return s.keyring }
