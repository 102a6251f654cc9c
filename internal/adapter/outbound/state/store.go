package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/identity"
)

// FileKeyringStore manages reading and writing the keyring.json file.
// It provides atomic writes (write-tmp-then-rename), a backup of the previous
// file, and file locking (flock for cross-process, mutex for in-process).
type FileKeyringStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileKeyringStore creates a store for the given file path.
func NewFileKeyringStore(path string, logger *slog.Logger) *FileKeyringStore {
	return &FileKeyringStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the keyring file. A missing file is an empty keyring.
// Warns if the file has permissions more open than 0600.
func (s *FileKeyringStore) Load(ctx context.Context) (map[string][]identity.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("keyring file not found, starting empty", "path", s.path)
			return map[string][]identity.Key{}, nil
		}
		return nil, fmt.Errorf("read keyring file: %w", err)
	}

	// Skip on Windows where Unix file permission bits are not supported.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("keyring file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var file KeyringFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse keyring file: %w", err)
	}
	if file.Version != keyringFileVersion {
		return nil, fmt.Errorf("unsupported keyring file version %q", file.Version)
	}
	return fromEntries(file.Actors), nil
}

// Save writes the keyring to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire exclusive flock on path+".lock"
//  3. Copy current file to path+".bak" (ignored if no current file)
//  4. Write to path+".tmp" with 0600 permissions and fsync
//  5. Rename path+".tmp" -> path
func (s *FileKeyringStore) Save(ctx context.Context, keys map[string][]identity.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	now := time.Now().UTC()
	file := KeyringFile{Version: keyringFileVersion, Actors: toEntries(keys), CreatedAt: now, UpdatedAt: now}

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		var prev KeyringFile
		if json.Unmarshal(currentData, &prev) == nil && !prev.CreatedAt.IsZero() {
			file.CreatedAt = prev.CreatedAt
		}
		if writeErr := os.WriteFile(s.path+".bak", currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create keyring backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on keyring file", "error", err)
	}

	s.logger.Debug("keyring saved", "path", s.path, "actors", len(keys))
	return nil
}

// lock takes the cross-process lock; exclusive for writers, shared for readers.
func (s *FileKeyringStore) lock(exclusive bool) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("create keyring directory: %w", err)
	}
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	acquire := flockShared
	if exclusive {
		acquire = flockLock
	}
	if err := acquire(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = flockUnlock(lockFile.Fd())
		_ = lockFile.Close()
	}, nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileKeyringStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to keyring: %w", err)
	}
	return nil
}

// Path returns the configured file path.
func (s *FileKeyringStore) Path() string {
	return s.path
}

var _ identity.KeyringStore = (*FileKeyringStore)(nil)
