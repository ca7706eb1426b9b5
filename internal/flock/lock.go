// Package flock provides the cross-process lock that serializes port
// allocation and container launch between deskvm processes on one host.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrLockTimeout is returned when the lock is still held by someone else
// after the acquisition timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// DefaultTimeout is the acquisition bound used when none is given.
const DefaultTimeout = 10 * time.Second

const pollInterval = 50 * time.Millisecond

// Lock is a held lock. Release it with defer immediately after Acquire.
type Lock struct {
	path string

	once sync.Once
	file *os.File
	err  error
}

// Acquire blocks until the lock at path is held, ctx is done, or timeout
// elapses. Exclusion holds between separate Acquire calls even inside one
// process, so concurrent Managers in tests contend the same way separate
// processes do.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		f, err := tryLock(path)
		if err == nil {
			return &Lock{path: path, file: f}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %v: %s", ErrLockTimeout, timeout, path)
		case <-tick.C:
		}
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.err = unlock(l.path, l.file)
		l.file = nil
	})
	return l.err
}

var errWouldBlock = errors.New("lock held elsewhere")
