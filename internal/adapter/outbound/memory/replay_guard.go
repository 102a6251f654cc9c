package memory

import (
	"container/heap"
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/replay"
)

const (
	// DefaultReplayCapacity bounds the number of remembered nonces.
	DefaultReplayCapacity = 100_000
	defaultReplayShards   = 32
)

type nonceItem struct {
	key       string
	expiresAt time.Time
	index     int
}

// expiryHeap is a min-heap ordered by expiresAt.
type expiryHeap []*nonceItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *expiryHeap) Push(x any) {
	item := x.(*nonceItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type replayShard struct {
	mu       sync.Mutex
	items    map[string]*nonceItem
	expiry   expiryHeap
	capacity int
}

// ReplayGuard implements replay.Guard in memory.
// Nonces are partitioned across shards so unrelated actors never contend on one lock.
// Each shard is bounded; when full, the nonce closest to expiry is evicted first.
type ReplayGuard struct {
	shards  []*replayShard
	nshards int
	seed    maphash.Seed
	now     func() time.Time
	evicted atomic.Uint64
}

// ReplayGuardOption configures a ReplayGuard.
type ReplayGuardOption func(*ReplayGuard)

// WithReplayClock overrides the time source (tests).
func WithReplayClock(now func() time.Time) ReplayGuardOption {
	return func(g *ReplayGuard) { g.now = now }
}

// WithReplayShards sets the number of lock partitions.
func WithReplayShards(n int) ReplayGuardOption {
	return func(g *ReplayGuard) {
		if n > 0 {
			g.nshards = n
		}
	}
}

// NewReplayGuard creates a guard holding at most capacity nonces.
func NewReplayGuard(capacity int, opts ...ReplayGuardOption) *ReplayGuard {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	g := &ReplayGuard{seed: maphash.MakeSeed(), now: time.Now, nshards: defaultReplayShards}
	for _, opt := range opts {
		opt(g)
	}
	if g.nshards > capacity {
		g.nshards = capacity
	}
	perShard := capacity / g.nshards
	g.shards = make([]*replayShard, g.nshards)
	for i := range g.shards {
		g.shards[i] = &replayShard{items: make(map[string]*nonceItem), capacity: perShard}
	}
	return g
}

func (g *ReplayGuard) shardFor(key string) *replayShard {
	return g.shards[maphash.String(g.seed, key)%uint64(g.nshards)]
}

// CheckAndInsert admits rec once. A second call for the same pair returns replay.ErrReplay
// until the record expires or is evicted.
func (g *ReplayGuard) CheckAndInsert(ctx context.Context, rec replay.Record) error {
	key := replay.Key(rec.ActorID, rec.Nonce)
	s := g.shardFor(key)
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)
	if _, ok := s.items[key]; ok {
		return replay.ErrReplay
	}
	for len(s.items) >= s.capacity {
		oldest := heap.Pop(&s.expiry).(*nonceItem)
		delete(s.items, oldest.key)
		g.evicted.Add(1)
	}
	item := &nonceItem{key: key, expiresAt: rec.ExpiresAt}
	heap.Push(&s.expiry, item)
	s.items[key] = item
	return nil
}

// purgeExpiredLocked drops records whose expiry is strictly before now; a record still
// blocks at its expiry instant. Must be called with lock held.
func (s *replayShard) purgeExpiredLocked(now time.Time) {
	for len(s.expiry) > 0 && s.expiry[0].expiresAt.Before(now) {
		item := heap.Pop(&s.expiry).(*nonceItem)
		delete(s.items, item.key)
	}
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	n := 0
	for _, s := range g.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Evictions returns how many unexpired nonces were dropped for capacity.
func (g *ReplayGuard) Evictions() uint64 {
	return g.evicted.Load()
}

// Close is a no-op.
func (g *ReplayGuard) Close() error { return nil }

var _ replay.Guard = (*ReplayGuard)(nil)
