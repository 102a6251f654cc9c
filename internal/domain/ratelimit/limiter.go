// Package ratelimit defines per-actor pre-admission limits.
//
// Limits are token buckets: Rate events per Period refill the bucket and Burst
// bounds how many events may arrive at once.
package ratelimit

import (
	"context"
	"time"
)

// Limit is one token bucket shape.
type Limit struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// Normalize fills zero fields: one event per second, burst equal to rate.
func (l Limit) Normalize() Limit {
	if l.Rate <= 0 {
		l.Rate = 1
	}
	if l.Period <= 0 {
		l.Period = time.Second
	}
	if l.Burst <= 0 {
		l.Burst = l.Rate
	}
	return l
}

// Interval is the refill time of one token.
func (l Limit) Interval() time.Duration {
	l = l.Normalize()
	return l.Period / time.Duration(l.Rate)
}

// Result is the outcome of consuming one token.
type Result struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this event.
	Remaining int
	// RetryAfter is when the next token is due. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter admits events per key. Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
}

// ActorKey scopes a limiter key to one actor.
func ActorKey(actorID string) string {
	return "ratelimit:actor:" + actorID
}
