package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// EntryPublisher receives committed entries in sequence order.
type EntryPublisher interface {
	Publish(entry ledger.Entry)
}

// LedgerService is the only writer of the hash chain.
// Appends are serialized by a mutex; readers use a snapshot of the committed head.
type LedgerService struct {
	store    ledger.Store
	signer   ledger.Signer
	verifier ledger.Verifier
	logger   *slog.Logger

	mu     sync.Mutex // serializes Append and Close
	head   atomic.Pointer[ledger.Head]
	closed bool

	writeTimeout time.Duration
	now          func() time.Time
	publisher    EntryPublisher
	onAppend     func(d time.Duration, err error)
}

// LedgerOption configures LedgerService.
type LedgerOption func(*LedgerService)

// WithWriteTimeout bounds each durable store write.
func WithWriteTimeout(d time.Duration) LedgerOption {
	return func(s *LedgerService) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithLedgerClock overrides the entry timestamp source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(s *LedgerService) { s.now = now }
}

// WithLedgerPublisher forwards every committed entry, under the append lock.
func WithLedgerPublisher(p EntryPublisher) LedgerOption {
	return func(s *LedgerService) { s.publisher = p }
}

// WithLedgerVerifier verifies signatures with v instead of the signer,
// e.g. to accept entries signed by retired ledger keys.
func WithLedgerVerifier(v ledger.Verifier) LedgerOption {
	return func(s *LedgerService) { s.verifier = v }
}

// WithAppendObserver is called after every append attempt with its latency.
func WithAppendObserver(fn func(d time.Duration, err error)) LedgerOption {
	return func(s *LedgerService) { s.onAppend = fn }
}

// OpenLedger recovers the write cursor from the store's last entry.
func OpenLedger(ctx context.Context, store ledger.Store, signer ledger.Signer, logger *slog.Logger, opts ...LedgerOption) (*LedgerService, error) {
	s := &LedgerService{
		store:        store,
		signer:       signer,
		verifier:     signer,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover ledger cursor: %w", err)
	}
	head := ledger.Head{Length: 0, Hash: ledger.GenesisHash}
	if ok {
		head = ledger.Head{Length: last.Sequence + 1, Hash: last.Hash}
	}
	s.head.Store(&head)

	logger.Info("ledger opened",
		"length", head.Length,
		"head_hash", head.Hash,
		"key_id", signer.KeyID(),
	)
	return s, nil
}

// Append commits one payload. The entry is durable before the cursor advances;
// on failure the cursor is untouched and the error wraps ledger.ErrStorage.
// The write is detached from caller cancellation and bounded by the write timeout.
func (s *LedgerService) Append(ctx context.Context, payload ledger.Payload) (ledger.Entry, error) {
	canon, err := ledger.Canonicalize(payload)
	if err != nil {
		return ledger.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ledger.Entry{}, ledger.ErrClosed
	}

	start := time.Now()
	head := *s.head.Load()
	hash := ledger.ComputeHash(head.Hash, canon, head.Length)
	sig, err := s.signer.Sign(hash)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: sign entry %d: %w", ledger.ErrStorage, head.Length, err)
	}
	entry := ledger.Entry{
		Sequence:  head.Length,
		PrevHash:  head.Hash,
		Hash:      hash,
		Payload:   canon,
		Signature: sig,
		KeyID:     s.signer.KeyID(),
		Timestamp: s.now().UTC(),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	err = s.store.Append(wctx, entry)
	cancel()
	if s.onAppend != nil {
		s.onAppend(time.Since(start), err)
	}
	if err != nil {
		s.logger.Error("ledger append failed", "sequence", entry.Sequence, "error", err)
		if errors.Is(err, ledger.ErrConflict) {
			s.resyncLocked(ctx)
		}
		if errors.Is(err, ledger.ErrStorage) {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, fmt.Errorf("%w: append entry %d: %w", ledger.ErrStorage, entry.Sequence, err)
	}

	s.head.Store(&ledger.Head{Length: entry.Sequence + 1, Hash: entry.Hash})
	if s.publisher != nil {
		s.publisher.Publish(entry)
	}
	return entry, nil
}

// resyncLocked reloads the cursor after another writer took our sequence, so only
// the conflicting append fails. Must be called with s.mu held.
func (s *LedgerService) resyncLocked(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	last, ok, err := s.store.Last(rctx)
	if err != nil || !ok {
		s.logger.Error("ledger cursor resync failed", "error", err)
		return
	}
	s.head.Store(&ledger.Head{Length: last.Sequence + 1, Hash: last.Hash})
	s.logger.Warn("ledger cursor resynced after a concurrent writer",
		"length", last.Sequence+1,
		"head_hash", last.Hash,
	)
}

// Head returns the committed head.
func (s *LedgerService) Head() ledger.Head {
	return *s.head.Load()
}

// Get returns the committed entry at seq.
func (s *LedgerService) Get(ctx context.Context, seq uint64) (ledger.Entry, error) {
	if seq >= s.Head().Length {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return s.store.Get(ctx, seq)
}

// VerifyChain replays every committed entry from sequence 0 and reports the first
// broken link. It never repairs anything.
func (s *LedgerService) VerifyChain(ctx context.Context) (ledger.VerifyResult, error) {
	head := s.Head()
	res, err := VerifyStore(ctx, s.store, s.verifier, head.Length)
	if err != nil || !res.Valid {
		return res, err
	}
	if res.Checked != head.Length {
		return ledger.Broken(res.Checked, res.Checked, "entry missing"), nil
	}
	return res, nil
}

// VerifyStore checks entries [0, length) of store. A length of math.MaxUint64
// verifies up to the first missing sequence, for offline verification.
func VerifyStore(ctx context.Context, store ledger.Store, verifier ledger.Verifier, length uint64) (ledger.VerifyResult, error) {
	var (
		expectedSeq  uint64
		expectedPrev = ledger.GenesisHash
		broken       *ledger.VerifyResult
	)
	err := store.Scan(ctx, 0, length, func(e ledger.Entry) bool {
		if reason := ledger.CheckLink(e, expectedSeq, expectedPrev, verifier); reason != "" {
			r := ledger.Broken(expectedSeq, expectedSeq, reason)
			broken = &r
			return false
		}
		expectedSeq++
		expectedPrev = e.Hash
		return true
	})
	if broken != nil {
		return *broken, nil
	}
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrCorrupt):
		return ledger.Broken(expectedSeq, expectedSeq, "entry unreadable"), nil
	case errors.Is(err, ledger.ErrNotFound) && length == math.MaxUint64:
	default:
		return ledger.VerifyResult{}, fmt.Errorf("verify chain: %w", err)
	}
	return ledger.VerifyResult{Valid: true, Checked: expectedSeq}, nil
}

// Query lazily yields entries matching f in ascending sequence order, up to the
// head committed when Query was called. Stop iterating to release the scan.
func (s *LedgerService) Query(ctx context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	head := s.Head()
	return func(yield func(ledger.Entry, error) bool) {
		if f.FromSequence >= head.Length {
			return
		}
		matched := 0
		stopped := false
		err := s.store.Scan(ctx, f.FromSequence, head.Length, func(e ledger.Entry) bool {
			p, err := e.Decode()
			if err != nil {
				stopped = true
				yield(ledger.Entry{}, fmt.Errorf("%w: sequence %d: %v", ledger.ErrCorrupt, e.Sequence, err))
				return false
			}
			if !f.Matches(p) {
				return true
			}
			matched++
			if !yield(e, nil) {
				stopped = true
				return false
			}
			if f.Limit > 0 && matched >= f.Limit {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(ledger.Entry{}, err)
		}
	}
}

// Close stops further appends and closes the store.
func (s *LedgerService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}
