package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/governor/internal/domain/replay"
)

func newGuard(t *testing.T, mr *miniredis.Miniredis) *ReplayGuard {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewReplayGuardWithClient(client, "test", time.Second)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestRedisReplayGuard_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newGuard(t, mr), newGuard(t, mr)
	ctx := context.Background()

	rec := replay.Record{ActorID: "agent-1", Nonce: "n-1", ExpiresAt: time.Now().Add(time.Minute)}
	if err := a.CheckAndInsert(ctx, rec); err != nil {
		t.Fatalf("instance a CheckAndInsert() error: %v", err)
	}
	if err := b.CheckAndInsert(ctx, rec); !errors.Is(err, replay.ErrReplay) {
		t.Fatalf("instance b CheckAndInsert() = %v, want ErrReplay", err)
	}

	ttl := mr.TTL("test:" + replay.Key("agent-1", "n-1"))
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestRedisReplayGuard_ExpiryReadmits(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newGuard(t, mr)
	ctx := context.Background()

	rec := replay.Record{ActorID: "a", Nonce: "n", ExpiresAt: time.Now().Add(10 * time.Second)}
	if err := g.CheckAndInsert(ctx, rec); err != nil {
		t.Fatalf("CheckAndInsert() error: %v", err)
	}
	mr.FastForward(11 * time.Second)
	if err := g.CheckAndInsert(ctx, rec); err != nil {
		t.Errorf("expired nonce should be admitted again: %v", err)
	}
}

func TestRedisReplayGuard_UnavailableFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newGuard(t, mr)
	mr.Close()

	err := g.CheckAndInsert(context.Background(), replay.Record{ActorID: "a", Nonce: "n", ExpiresAt: time.Now().Add(time.Minute)})
	if !errors.Is(err, replay.ErrUnavailable) {
		t.Errorf("CheckAndInsert() = %v, want ErrUnavailable", err)
	}
	if err := g.Ping(context.Background()); !errors.Is(err, replay.ErrUnavailable) {
		t.Errorf("Ping() = %v, want ErrUnavailable", err)
	}
}
