package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLocked is returned when the lock is held by another process.
var ErrLocked = errors.New("lock is held by another process")

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	file *os.File
	path string
}

// TryAcquire takes the lock without waiting. It returns ErrLocked if the
// lock is currently held elsewhere.
func TryAcquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := lockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	// Owner pid is informational only.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{file: file, path: path}, nil
}

// Acquire waits up to timeout for the lock, polling with exponential
// backoff. A zero timeout waits until ctx is done.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	var lock *Lock
	err := backoff.Retry(func() error {
		l, err := TryAcquire(path)
		if errors.Is(err, ErrLocked) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		lock = l
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w after %v: %s", ErrLocked, timeout, path)
		}
		return nil, err
	}

	return lock, nil
}

// Release unlocks and closes the lock file. The file itself is left in
// place so that other processes keep locking the same inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}
