package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// ErrBusStarted is returned by Subscribe after Start.
var ErrBusStarted = errors.New("event bus already started")

// Subscriber handles one committed ledger entry.
type Subscriber func(ctx context.Context, entry ledger.Entry)

type subscription struct {
	name string
	fn   Subscriber
}

// EventBus delivers committed ledger entries to subscribers on one background worker.
// Entries are delivered in publish order, to each subscriber in registration order.
// Publishing never blocks the ledger for longer than the send timeout.
type EventBus struct {
	mu      sync.RWMutex // guards subs, started and closed
	subs    []subscription
	started bool
	closed  bool

	ch     chan ledger.Entry
	wg     sync.WaitGroup
	logger *slog.Logger

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64
	delivered   atomic.Int64

	warningThreshold int          // Percentage (0-100)
	lastWarning      atomic.Int64 // Unix nanos
}

// EventBusOption configures EventBus.
type EventBusOption func(*EventBus)

// WithBusChannelSize sets the buffer size.
func WithBusChannelSize(size int) EventBusOption {
	return func(b *EventBus) {
		if size > 0 {
			b.channelSize = size
		}
	}
}

// WithBusSendTimeout sets the backpressure timeout.
func WithBusSendTimeout(timeout time.Duration) EventBusOption {
	return func(b *EventBus) { b.sendTimeout = timeout }
}

// WithBusWarningThreshold sets the depth percentage that triggers a warning log.
func WithBusWarningThreshold(percent int) EventBusOption {
	return func(b *EventBus) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		b.warningThreshold = percent
	}
}

// NewEventBus creates a stopped bus.
func NewEventBus(logger *slog.Logger, opts ...EventBusOption) *EventBus {
	b := &EventBus{
		logger:           logger,
		channelSize:      1000,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ch = make(chan ledger.Entry, b.channelSize)
	return b
}

// Subscribe registers fn. Subscriptions are fixed once the bus starts.
func (b *EventBus) Subscribe(name string, fn Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrBusStarted
	}
	b.subs = append(b.subs, subscription{name: name, fn: fn})
	return nil
}

// Start begins the delivery worker.
func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	subs := append([]subscription(nil), b.subs...)
	b.wg.Add(1)
	go b.worker(ctx, subs)
}

// Publish enqueues an entry. Applies backpressure: a fast non-blocking send, then
// a bounded wait. Entries that still do not fit are dropped and counted.
func (b *EventBus) Publish(entry ledger.Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.recordDrop(entry)
		return
	}

	if b.warningThreshold > 0 {
		depth := len(b.ch)
		if depth >= b.channelSize*b.warningThreshold/100 {
			b.warnChannelDepth(depth)
		}
	}

	select {
	case b.ch <- entry:
		return
	default:
	}

	if b.sendTimeout <= 0 {
		b.recordDrop(entry)
		return
	}

	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()
	select {
	case b.ch <- entry:
	case <-timer.C:
		b.recordDrop(entry)
	}
}

func (b *EventBus) recordDrop(entry ledger.Entry) {
	drops := b.dropCount.Add(1)
	b.logger.Warn("ledger event dropped",
		"sequence", entry.Sequence,
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (b *EventBus) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := b.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if b.lastWarning.CompareAndSwap(last, now) {
		b.logger.Warn("event bus approaching capacity",
			"depth", depth,
			"capacity", b.channelSize,
		)
	}
}

// Dropped returns the number of entries that were not delivered.
func (b *EventBus) Dropped() int64 { return b.dropCount.Load() }

// Delivered returns the number of entries handed to subscribers.
func (b *EventBus) Delivered() int64 { return b.delivered.Load() }

// Depth returns the number of queued entries.
func (b *EventBus) Depth() int { return len(b.ch) }

// Capacity returns the buffer size.
func (b *EventBus) Capacity() int { return b.channelSize }

// Stop closes the bus and waits until queued entries are delivered.
func (b *EventBus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
}

func (b *EventBus) worker(ctx context.Context, subs []subscription) {
	defer b.wg.Done()
	for {
		select {
		case entry, ok := <-b.ch:
			if !ok {
				return
			}
			b.deliver(ctx, subs, entry)
		case <-ctx.Done():
			// Drain what was committed before cancellation.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				select {
				case entry, ok := <-b.ch:
					if !ok {
						cancel()
						return
					}
					b.deliver(dctx, subs, entry)
				default:
					cancel()
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, subs []subscription, entry ledger.Entry) {
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event subscriber panicked",
						"subscriber", s.name,
						"sequence", entry.Sequence,
						"panic", r,
					)
				}
			}()
			s.fn(ctx, entry)
		}()
	}
	b.delivered.Add(1)
}

var _ EntryPublisher = (*EventBus)(nil)
