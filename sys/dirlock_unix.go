//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockDir takes an advisory exclusive flock on dir/LockFileName so only one
// writer appends to a log directory at a time. It retries until timeout
// elapses. The returned release func unlocks and closes the lock file; the
// file itself is left in place.
func LockDir(dir string, timeout time.Duration) (func() error, error) {
	lockPath := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, fmt.Errorf("%w: %s", ErrDirLocked, dir)
			}
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		time.Sleep(25 * time.Millisecond)
	}

	return func() error {
		_ = unix.Flock(fd, unix.LOCK_UN)
		return f.Close()
	}, nil
}
