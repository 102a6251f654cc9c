// Package redisstore provides a Redis-backed replay guard for multi-instance deployments.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/governor/internal/domain/replay"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys when several deployments share one Redis.
	Prefix string
	// Timeout bounds every call.
	Timeout time.Duration
}

// ReplayGuard implements replay.Guard with SET NX and a TTL ending at the record expiry.
type ReplayGuard struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewReplayGuard creates a guard with its own client.
func NewReplayGuard(opts Options) *ReplayGuard {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewReplayGuardWithClient(rdb, opts.Prefix, opts.Timeout)
}

// NewReplayGuardWithClient wraps an existing client.
func NewReplayGuardWithClient(client redis.UniversalClient, prefix string, timeout time.Duration) *ReplayGuard {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if prefix == "" {
		prefix = "governor"
	}
	return &ReplayGuard{client: client, prefix: prefix, timeout: timeout, now: time.Now}
}

// Ping checks connectivity.
func (g *ReplayGuard) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", replay.ErrUnavailable, err)
	}
	return nil
}

// CheckAndInsert is atomic on the Redis side: SET NX succeeds for exactly one caller.
func (g *ReplayGuard) CheckAndInsert(ctx context.Context, rec replay.Record) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ttl := rec.ExpiresAt.Sub(g.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	key := g.prefix + ":" + replay.Key(rec.ActorID, rec.Nonce)

	ok, err := g.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", replay.ErrUnavailable, err)
	}
	if !ok {
		return replay.ErrReplay
	}
	return nil
}

func (g *ReplayGuard) Close() error {
	return g.client.Close()
}

var _ replay.Guard = (*ReplayGuard)(nil)
