package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence BIGINT PRIMARY KEY,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	payload TEXT NOT NULL,
	signature TEXT NOT NULL,
	key_id TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`

const ledgerColumns = `sequence, prev_hash, hash, payload, signature, key_id, created_at`

// scanPage bounds how many rows a Scan holds open at once.
const scanPage = 256

// LedgerStore implements ledger.Store on a SQL table keyed by sequence.
type LedgerStore struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool
}

// NewLedgerStore wraps db. The caller keeps ownership of db unless OwnDB is set.
func NewLedgerStore(db *sql.DB, dialect Dialect) *LedgerStore {
	return &LedgerStore{db: db, dialect: dialect}
}

// OwnDB makes Close also close the underlying database.
func (s *LedgerStore) OwnDB() *LedgerStore {
	s.ownsDB = true
	return s
}

// Init creates the table if needed.
func (s *LedgerStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("%w: create ledger table: %v", ledger.ErrStorage, err)
	}
	return nil
}

func (s *LedgerStore) Append(ctx context.Context, e ledger.Entry) error {
	query := s.dialect.Rebind(`INSERT INTO ledger_entries (` + ledgerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.PrevHash, e.Hash, string(e.Payload), e.Signature, e.KeyID, e.Timestamp.UnixNano(),
	)
	if err != nil {
		if s.dialect.IsConflict(err) {
			return fmt.Errorf("%w: sequence %d", ledger.ErrConflict, e.Sequence)
		}
		return fmt.Errorf("%w: insert entry %d: %v", ledger.ErrStorage, e.Sequence, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var (
		e       ledger.Entry
		seq     int64
		payload string
		created int64
	)
	if err := r.Scan(&seq, &e.PrevHash, &e.Hash, &payload, &e.Signature, &e.KeyID, &created); err != nil {
		return ledger.Entry{}, err
	}
	e.Sequence = uint64(seq)
	e.Payload = []byte(payload)
	e.Timestamp = time.Unix(0, created).UTC()
	return e, nil
}

func (s *LedgerStore) Last(ctx context.Context) (ledger.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, fmt.Errorf("%w: read last entry: %v", ledger.ErrStorage, err)
	}
	return e, true, nil
}

func (s *LedgerStore) Get(ctx context.Context, seq uint64) (ledger.Entry, error) {
	query := s.dialect.Rebind(`SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE sequence = ?`)
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, int64(seq)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, ledger.ErrNotFound
		}
		return ledger.Entry{}, fmt.Errorf("%w: read entry %d: %v", ledger.ErrStorage, seq, err)
	}
	return e, nil
}

// Scan reads in pages so no cursor is held while fn runs for long.
func (s *LedgerStore) Scan(ctx context.Context, from, to uint64, fn func(ledger.Entry) bool) error {
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	query := s.dialect.Rebind(`SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE sequence >= ? AND sequence < ? ORDER BY sequence LIMIT ?`)
	for from < to {
		page, err := s.page(ctx, query, from, to)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			if !fn(e) {
				return nil
			}
		}
		from = page[len(page)-1].Sequence + 1
	}
	return nil
}

func (s *LedgerStore) page(ctx context.Context, query string, from, to uint64) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, int64(from), int64(to), scanPage)
	if err != nil {
		return nil, fmt.Errorf("%w: scan entries: %v", ledger.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	page := make([]ledger.Entry, 0, scanPage)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ledger.ErrStorage, err)
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan entries: %v", ledger.ErrStorage, err)
	}
	return page, nil
}

func (s *LedgerStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

var _ ledger.Store = (*LedgerStore)(nil)
