// Package memory provides in-process implementations of the ledger store,
// replay guard and rate limiter for single-instance and dev deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// LedgerStore implements ledger.Store in memory. Entries are lost on exit.
type LedgerStore struct {
	mu      sync.RWMutex
	entries []ledger.Entry
	closed  bool
}

// NewLedgerStore creates an empty in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

func (s *LedgerStore) Append(ctx context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ledger.ErrClosed
	}
	if entry.Sequence != uint64(len(s.entries)) {
		return fmt.Errorf("%w: sequence %d, next %d", ledger.ErrConflict, entry.Sequence, len(s.entries))
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.entries = append(s.entries, entry)
	return nil
}

func (s *LedgerStore) Last(ctx context.Context) (ledger.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return ledger.Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *LedgerStore) Get(ctx context.Context, seq uint64) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return s.entries[seq], nil
}

// Scan holds no lock while fn runs.
func (s *LedgerStore) Scan(ctx context.Context, from, to uint64, fn func(ledger.Entry) bool) error {
	for seq := from; seq < to; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := s.Get(ctx, seq)
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Tamper replaces a stored payload in place. Test helper for corruption scenarios.
func (s *LedgerStore) Tamper(seq uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < uint64(len(s.entries)) {
		s.entries[seq].Payload = append([]byte(nil), payload...)
	}
}

func (s *LedgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ ledger.Store = (*LedgerStore)(nil)
