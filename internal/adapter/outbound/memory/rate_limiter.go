package memory

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentinel-Gate/governor/internal/domain/ratelimit"
)

type bucket struct {
	limiter  *rate.Limiter
	limit    ratelimit.Limit
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key in process memory.
// Idle buckets are swept by the background cleanup started with StartCleanup.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	sweepEvery time.Duration
	idleTTL    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// RateLimiterOption configures RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithSweep sets how often idle buckets are swept and how long a bucket may idle.
func WithSweep(every, idleTTL time.Duration) RateLimiterOption {
	return func(r *RateLimiter) {
		if every > 0 {
			r.sweepEvery = every
		}
		if idleTTL > 0 {
			r.idleTTL = idleTTL
		}
	}
}

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) { r.now = now }
}

// WithLimiterLogger sets the logger used by the sweeper.
func WithLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(r *RateLimiter) { r.logger = logger }
}

// NewRateLimiter creates a limiter sweeping every 5 minutes buckets idle for an hour.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		buckets:    make(map[string]*bucket),
		sweepEvery: 5 * time.Minute,
		idleTTL:    time.Hour,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow consumes one token for key. A changed limit replaces the key's bucket.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit ratelimit.Limit) (ratelimit.Result, error) {
	limit = limit.Normalize()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok || b.limit != limit {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(limit.Interval()), limit.Burst),
			limit:   limit,
		}
		r.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return ratelimit.Result{RetryAfter: delay}, nil
	}
	remaining := int(math.Max(0, math.Floor(b.limiter.TokensAt(now))))
	return ratelimit.Result{Allowed: true, Remaining: remaining}, nil
}

// StartCleanup runs the sweeper until ctx is cancelled or Stop is called.
// Calling it again while running is a no-op.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	ctx, r.stop = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep removes buckets idle for longer than idleTTL.
func (r *RateLimiter) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	swept := 0
	for key, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			swept++
		}
	}
	if swept > 0 {
		r.logger.Debug("rate limiter sweep completed",
			"swept_keys", swept,
			"remaining_keys", len(r.buckets),
		)
	}
}

// Stop ends the sweeper and waits for it. Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
