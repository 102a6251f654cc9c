package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// makeEntry creates a test entry with a payload referencing seq.
func makeEntry(seq uint64, payload string) ledger.Entry {
	return ledger.Entry{
		Sequence:  seq,
		PrevHash:  ledger.GenesisHash,
		Hash:      strings.Repeat("a", 64),
		Payload:   []byte(payload),
		Signature: "sig",
		KeyID:     "k",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func openStore(t *testing.T, dir string) *FileLedgerStore {
	t.Helper()
	store, err := NewFileLedgerStore(LedgerFileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileLedgerStore() error: %v", err)
	}
	return store
}

func TestNewFileLedgerStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "subdir", "ledger")
	store := openStore(t, dir)
	defer func() { _ = store.Close() }()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Directory not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("Directory permissions = %o, want 0700", perm)
	}
}

func TestFileLedgerStore_AppendAndReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir)

	payloads := []string{`{"kind":"event","n":0}`, `{"kind":"event","n":"<&>"}`, `{"kind":"event","n":2}`}
	for i, p := range payloads {
		if err := store.Append(ctx, makeEntry(uint64(i), p)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	if err := store.Append(ctx, makeEntry(1, `{}`)); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("Append(dup) = %v, want ErrConflict", err)
	}
	_ = store.Close()

	reopened := openStore(t, dir)
	defer func() { _ = reopened.Close() }()

	if reopened.Len() != 3 {
		t.Fatalf("Len() after reopen = %d, want 3", reopened.Len())
	}
	last, ok, err := reopened.Last(ctx)
	if err != nil || !ok || last.Sequence != 2 {
		t.Fatalf("Last() = %d, %v, %v", last.Sequence, ok, err)
	}

	e, err := reopened.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get(1) error: %v", err)
	}
	if !bytes.Equal(e.Payload, []byte(payloads[1])) {
		t.Errorf("payload bytes changed on disk: %s", e.Payload)
	}

	if err := reopened.Append(ctx, makeEntry(3, `{}`)); err != nil {
		t.Errorf("Append after reopen error: %v", err)
	}
}

func TestFileLedgerStore_TruncatesTornTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir)
	for i := uint64(0); i < 2; i++ {
		if err := store.Append(ctx, makeEntry(i, `{}`)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	_ = store.Close()

	path := filepath.Join(dir, buildSegmentFilename(0))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	_, _ = f.WriteString(`{"sequence":2,"prev_hash":"`)
	_ = f.Close()

	reopened := openStore(t, dir)
	defer func() { _ = reopened.Close() }()
	if reopened.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after torn tail recovery", reopened.Len())
	}
	if err := reopened.Append(ctx, makeEntry(2, `{}`)); err != nil {
		t.Fatalf("Append after recovery error: %v", err)
	}
	if _, err := reopened.Get(ctx, 2); err != nil {
		t.Errorf("Get(2) error: %v", err)
	}
}

func TestFileLedgerStore_CorruptLineReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir)
	for i := uint64(0); i < 3; i++ {
		_ = store.Append(ctx, makeEntry(i, `{}`))
	}
	_ = store.Close()

	path := filepath.Join(dir, buildSegmentFilename(0))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	lines := bytes.SplitAfter(data, []byte("\n"))
	lines[1] = []byte("not json at all\n")
	if err := os.WriteFile(path, bytes.Join(lines, nil), 0600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	reopened := openStore(t, dir)
	defer func() { _ = reopened.Close() }()
	if _, err := reopened.Get(ctx, 1); !errors.Is(err, ledger.ErrCorrupt) {
		t.Errorf("Get(1) = %v, want ErrCorrupt", err)
	}
	if _, err := reopened.Get(ctx, 2); err != nil {
		t.Errorf("Get(2) error: %v", err)
	}
}

func TestFileLedgerStore_Rotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir)
	store.maxFileSize = 300

	big := `{"kind":"event","pad":"` + strings.Repeat("x", 100) + `"}`
	for i := uint64(0); i < 6; i++ {
		if err := store.Append(ctx, makeEntry(i, big)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	_ = store.Close()

	segments, _ := filepath.Glob(filepath.Join(dir, "ledger-*.jsonl"))
	if len(segments) < 2 {
		t.Fatalf("segments = %d, want rotation to produce >= 2", len(segments))
	}

	reopened := openStore(t, dir)
	defer func() { _ = reopened.Close() }()
	var seen []uint64
	err := reopened.Scan(ctx, 0, 6, func(e ledger.Entry) bool {
		seen = append(seen, e.Sequence)
		return true
	})
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(seen) != 6 || seen[5] != 5 {
		t.Errorf("Scan() saw %v", seen)
	}
}

func TestParseSegmentFilename(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"ledger-000000.jsonl", 0, true},
		{"ledger-000042.jsonl", 42, true},
		{"ledger-42.jsonl", 0, false},
		{"audit-2026-01-01.log", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseSegmentFilename(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseSegmentFilename(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFileLedgerStore_SecondWriterRejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := openStore(t, dir)
	if err := first.Append(context.Background(), makeEntry(0, `{"n":0}`)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if _, err := NewFileLedgerStore(LedgerFileConfig{Dir: dir}, testLogger()); !errors.Is(err, ledger.ErrStorage) {
		t.Fatalf("second open error = %v, want ErrStorage", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	reopened := openStore(t, dir)
	defer func() { _ = reopened.Close() }()
	if reopened.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reopened.Len())
	}
}
