package state

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by TryLockFile when another handle holds the lock.
var ErrLocked = errors.New("lock held by another process")

// TryLockFile takes an exclusive advisory lock on path, creating it if needed.
// The lock is held until the returned release func runs.
func TryLockFile(path string) (release func() error, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockTry(f.Fd()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() error {
		_ = flockUnlock(f.Fd())
		return f.Close()
	}, nil
}
