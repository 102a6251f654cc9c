// Package replay contains domain types for single-use nonce admission.
package replay

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for replay guard operations.
var (
	// ErrReplay is returned when (actorID, nonce) was already admitted.
	ErrReplay = errors.New("nonce already used")
	// ErrUnavailable wraps shared-store failures. Callers must fail closed.
	ErrUnavailable = errors.New("replay store unavailable")
)

// Record is one admitted nonce. Records are never updated, only purged.
type Record struct {
	ActorID   string
	Nonce     string
	ExpiresAt time.Time
}

// Guard atomically admits nonces.
// CheckAndInsert must be atomic per (actorID, nonce): of two concurrent calls
// with the same pair, exactly one returns nil.
type Guard interface {
	CheckAndInsert(ctx context.Context, rec Record) error
	// Close releases resources.
	Close() error
}

// Key returns the scoped storage key for a record.
func Key(actorID, nonce string) string {
	return "nonce:" + actorID + ":" + nonce
}
