package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/replay"
)

const replaySchema = `
CREATE TABLE IF NOT EXISTS replay_nonces (
	actor_id TEXT NOT NULL,
	nonce TEXT NOT NULL,
	expires_at BIGINT NOT NULL,
	PRIMARY KEY (actor_id, nonce)
)`

// purgeEvery controls how often a full expired-row sweep piggybacks on an insert.
const purgeEvery = 256

// ReplayGuard implements replay.Guard on a primary-keyed table.
// Several processes sharing the database see one nonce history.
type ReplayGuard struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
	now     func() time.Time
	calls   atomic.Uint64
	ownsDB  bool
}

// NewReplayGuard wraps db. Every call is bounded by timeout and fails closed.
func NewReplayGuard(db *sql.DB, dialect Dialect, timeout time.Duration) *ReplayGuard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ReplayGuard{db: db, dialect: dialect, timeout: timeout, now: time.Now}
}

// OwnDB makes Close also close the underlying database.
func (g *ReplayGuard) OwnDB() *ReplayGuard {
	g.ownsDB = true
	return g
}

// Init creates the table if needed.
func (g *ReplayGuard) Init(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, replaySchema); err != nil {
		return fmt.Errorf("%w: create replay table: %v", replay.ErrUnavailable, err)
	}
	return nil
}

// CheckAndInsert relies on the primary key for atomicity: of two concurrent inserts
// for one pair, exactly one affects a row.
func (g *ReplayGuard) CheckAndInsert(ctx context.Context, rec replay.Record) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	now := g.now().UnixNano()

	// An expired record for the same pair no longer blocks admission.
	if _, err := g.db.ExecContext(ctx,
		g.dialect.Rebind(`DELETE FROM replay_nonces WHERE actor_id = ? AND nonce = ? AND expires_at < ?`),
		rec.ActorID, rec.Nonce, now,
	); err != nil {
		return fmt.Errorf("%w: %v", replay.ErrUnavailable, err)
	}

	res, err := g.db.ExecContext(ctx,
		g.dialect.Rebind(`INSERT INTO replay_nonces (actor_id, nonce, expires_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
		rec.ActorID, rec.Nonce, rec.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", replay.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", replay.ErrUnavailable, err)
	}
	if n == 0 {
		return replay.ErrReplay
	}

	if g.calls.Add(1)%purgeEvery == 0 {
		_, _ = g.db.ExecContext(ctx, g.dialect.Rebind(`DELETE FROM replay_nonces WHERE expires_at < ?`), now)
	}
	return nil
}

func (g *ReplayGuard) Close() error {
	if g.ownsDB {
		return g.db.Close()
	}
	return nil
}

var _ replay.Guard = (*ReplayGuard)(nil)
