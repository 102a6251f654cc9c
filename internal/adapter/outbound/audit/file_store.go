// Package audit provides file-based ledger persistence in JSON Lines format
// with size-based segment rotation, fsync per entry, and an offset index.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// lockFileName guards a ledger directory against a second writer process.
const lockFileName = "LOCK"

// segmentPattern matches segment filenames: ledger-000000.jsonl
var segmentPattern = regexp.MustCompile(`^ledger-(\d{6})\.jsonl$`)

// parseSegmentFilename returns the segment number of a ledger file.
func parseSegmentFilename(name string) (int, bool) {
	matches := segmentPattern.FindStringSubmatch(name)
	if matches == nil {
		return 0, false
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func buildSegmentFilename(n int) string {
	return fmt.Sprintf("ledger-%06d.jsonl", n)
}

// LedgerFileConfig holds configuration for the file-based ledger store.
type LedgerFileConfig struct {
	// Dir is the directory where segment files are stored.
	Dir string
	// MaxFileSizeMB is the segment size in megabytes before rotation (default 100).
	MaxFileSizeMB int
}

// location is where one entry line lives on disk.
type location struct {
	segment int
	offset  int64
	length  int64
	corrupt bool
}

// FileLedgerStore implements ledger.Store on append-only JSON Lines segments.
// Segments are never deleted or rewritten, except that an incomplete final
// line left by a crash is truncated on open.
type FileLedgerStore struct {
	dir            string
	maxFileSize    int64
	currentFile    *os.File
	currentSegment int
	currentSize    int64
	readers        map[int]*os.File
	readersMu      sync.Mutex
	index          []location
	mu             sync.RWMutex
	logger         *slog.Logger
	closed         bool
	unlock         func() error
}

// NewFileLedgerStore opens (or creates) a ledger directory and rebuilds the offset index.
func NewFileLedgerStore(cfg LedgerFileConfig, logger *slog.Logger) (*FileLedgerStore, error) {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}

	// Create directory with restricted permissions
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create ledger directory: %v", ledger.ErrStorage, err)
	}

	unlock, err := state.TryLockFile(filepath.Join(cfg.Dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: lock ledger directory %s: %v", ledger.ErrStorage, cfg.Dir, err)
	}

	s := &FileLedgerStore{
		dir:         cfg.Dir,
		maxFileSize: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		readers:     make(map[int]*os.File),
		logger:      logger,
		unlock:      unlock,
	}
	fail := func(err error) (*FileLedgerStore, error) {
		s.closeReaders()
		_ = unlock()
		return nil, err
	}

	segments, err := s.listSegments()
	if err != nil {
		return fail(err)
	}
	for i, seg := range segments {
		isLast := i == len(segments)-1
		if err := s.indexSegment(seg, isLast); err != nil {
			return fail(err)
		}
	}

	current := 0
	if len(segments) > 0 {
		current = segments[len(segments)-1]
	}
	if err := s.openSegment(current); err != nil {
		return fail(err)
	}

	logger.Info("file ledger store opened",
		"dir", cfg.Dir,
		"segments", len(segments),
		"entries", len(s.index),
	)
	return s, nil
}

// listSegments returns segment numbers in ascending order.
func (s *FileLedgerStore) listSegments() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger directory: %v", ledger.ErrStorage, err)
	}
	var segments []int
	for _, e := range entries {
		if n, ok := parseSegmentFilename(e.Name()); ok {
			segments = append(segments, n)
		}
	}
	sort.Ints(segments)
	return segments, nil
}

// indexSegment records the location of every line. An unterminated final line in the
// last segment is a torn write and is truncated away.
func (s *FileLedgerStore) indexSegment(seg int, isLast bool) error {
	path := filepath.Join(s.dir, buildSegmentFilename(seg))
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open segment %d: %v", ledger.ErrStorage, seg, err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 256*1024)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			if !isLast {
				return fmt.Errorf("%w: segment %d ends mid-entry", ledger.ErrCorrupt, seg)
			}
			s.logger.Warn("truncating incomplete ledger tail",
				"segment", seg, "offset", offset, "bytes", len(line))
			if terr := os.Truncate(path, offset); terr != nil {
				return fmt.Errorf("%w: truncate torn tail: %v", ledger.ErrStorage, terr)
			}
			return nil
		}
		if len(line) > 0 {
			loc := location{segment: seg, offset: offset, length: int64(len(line))}
			var probe struct {
				Sequence *uint64 `json:"sequence"`
			}
			if jerr := json.Unmarshal(line, &probe); jerr != nil || probe.Sequence == nil || *probe.Sequence != uint64(len(s.index)) {
				loc.corrupt = true
				s.logger.Warn("corrupt ledger line", "segment", seg, "offset", offset, "sequence", len(s.index))
			}
			s.index = append(s.index, loc)
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read segment %d: %v", ledger.ErrStorage, seg, err)
		}
	}
}

// openSegment opens a segment for appending.
func (s *FileLedgerStore) openSegment(seg int) error {
	path := filepath.Join(s.dir, buildSegmentFilename(seg))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: open segment %d: %v", ledger.ErrStorage, seg, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: stat segment %d: %v", ledger.ErrStorage, seg, err)
	}
	s.currentFile = f
	s.currentSegment = seg
	s.currentSize = info.Size()
	return nil
}

// rotateLocked closes the current segment and opens the next one. Must be called with s.mu held.
func (s *FileLedgerStore) rotateLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	return s.openSegment(s.currentSegment + 1)
}

// encodeLine marshals without HTML escaping so the payload bytes stay canonical.
func encodeLine(entry ledger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Append writes one entry and fsyncs before returning.
func (s *FileLedgerStore) Append(ctx context.Context, entry ledger.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ledger.ErrClosed
	}
	if entry.Sequence != uint64(len(s.index)) {
		return fmt.Errorf("%w: sequence %d, next %d", ledger.ErrConflict, entry.Sequence, len(s.index))
	}

	line, err := encodeLine(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal entry: %v", ledger.ErrStorage, err)
	}

	if s.currentSize > 0 && s.currentSize+int64(len(line)) > s.maxFileSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.currentFile.Write(line)
	if err == nil {
		err = s.currentFile.Sync()
	}
	if err != nil {
		// Roll back a partial write so the next Append starts on a clean line.
		if n > 0 {
			_ = s.currentFile.Truncate(s.currentSize)
		}
		return fmt.Errorf("%w: write entry %d: %v", ledger.ErrStorage, entry.Sequence, err)
	}

	s.index = append(s.index, location{segment: s.currentSegment, offset: s.currentSize, length: int64(n)})
	s.currentSize += int64(n)
	return nil
}

func (s *FileLedgerStore) Last(ctx context.Context) (ledger.Entry, bool, error) {
	s.mu.RLock()
	n := len(s.index)
	s.mu.RUnlock()
	if n == 0 {
		return ledger.Entry{}, false, nil
	}
	e, err := s.Get(ctx, uint64(n-1))
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

// Get reads the entry at seq from disk.
func (s *FileLedgerStore) Get(ctx context.Context, seq uint64) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ledger.Entry{}, ledger.ErrClosed
	}
	if seq >= uint64(len(s.index)) {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	loc := s.index[seq]
	if loc.corrupt {
		return ledger.Entry{}, fmt.Errorf("%w: sequence %d", ledger.ErrCorrupt, seq)
	}

	r, err := s.readerLocked(loc.segment)
	if err != nil {
		return ledger.Entry{}, err
	}
	buf := make([]byte, loc.length)
	if _, err := r.ReadAt(buf, loc.offset); err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: read entry %d: %v", ledger.ErrStorage, seq, err)
	}

	var e ledger.Entry
	if err := json.Unmarshal(buf, &e); err != nil || e.Sequence != seq {
		return ledger.Entry{}, fmt.Errorf("%w: sequence %d", ledger.ErrCorrupt, seq)
	}
	return e, nil
}

// readerLocked returns a cached read-only handle. Must be called with s.mu held.
func (s *FileLedgerStore) readerLocked(seg int) (*os.File, error) {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	if f, ok := s.readers[seg]; ok {
		return f, nil
	}
	f, err := os.Open(filepath.Join(s.dir, buildSegmentFilename(seg)))
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %d: %v", ledger.ErrStorage, seg, err)
	}
	s.readers[seg] = f
	return f, nil
}

func (s *FileLedgerStore) Scan(ctx context.Context, from, to uint64, fn func(ledger.Entry) bool) error {
	for seq := from; seq < to; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := s.Get(ctx, seq)
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Len returns the number of indexed entries.
func (s *FileLedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *FileLedgerStore) closeReaders() {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	for seg, f := range s.readers {
		_ = f.Close()
		delete(s.readers, seg)
	}
}

// Close syncs and closes every file handle, then releases the directory lock.
func (s *FileLedgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.closeReaders()

	var err error
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err = s.currentFile.Close()
		s.currentFile = nil
	}
	return errors.Join(err, s.unlock())
}

// Compile-time interface verification.
var _ ledger.Store = (*FileLedgerStore)(nil)
