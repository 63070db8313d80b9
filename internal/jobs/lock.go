package jobs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive advisory lock on a job directory
type Lock struct {
	f *os.File
}

// tryLock takes the lock file at path without blocking. ErrJobBusy means
// another holder has it.
func tryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrJobBusy
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() {
		_ = l.f.Close() // Close errors are not critical
		l.f = nil
	}()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock job: %w", err)
	}
	return nil
}
