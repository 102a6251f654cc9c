package ledger

import (
	"context"
	"errors"
)

// Sentinel errors for ledger operations.
var (
	// ErrStorage wraps every failure to durably persist or read entries.
	ErrStorage = errors.New("ledger storage failure")
	// ErrNotFound is returned by Get for a sequence that was never committed.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrConflict is returned by a store when the sequence is already taken.
	ErrConflict = errors.New("ledger sequence already committed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
	// ErrCorrupt is returned when a stored entry cannot be decoded.
	ErrCorrupt = errors.New("ledger entry corrupt")
)

// Store persists entries. Interface owned by domain per hexagonal architecture.
// Implementations must make Append durable before returning and must reject
// an entry whose sequence is already present.
type Store interface {
	// Append durably writes one entry.
	Append(ctx context.Context, entry Entry) error
	// Last returns the highest committed entry, or ok=false when empty.
	Last(ctx context.Context) (entry Entry, ok bool, err error)
	// Get returns the entry at seq or ErrNotFound.
	Get(ctx context.Context, seq uint64) (Entry, error)
	// Scan calls fn for entries with from <= sequence < to in ascending order.
	// Returning false from fn stops the scan without error.
	Scan(ctx context.Context, from, to uint64, fn func(Entry) bool) error
	// Close releases resources.
	Close() error
}
