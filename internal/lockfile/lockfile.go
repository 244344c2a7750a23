// Package lockfile provides timeout-bounded advisory file locks shared
// between all processes of one coordinator tree. Locks are OS-level
// (flock), so they serialize access across processes, not just goroutines,
// and work from any thread.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the lock could not be acquired before the
// wall-clock deadline.
var ErrLockTimeout = errors.New("lock timeout")

// DefaultTimeout bounds lock acquisition when the caller passes 0.
const DefaultTimeout = 10 * time.Second

// retryDelay is the poll interval between lock attempts.
const retryDelay = 25 * time.Millisecond

// Handle is a held lock. Release it exactly once; Release is idempotent.
type Handle struct {
	fl       *flock.Flock
	released bool
}

// Release drops the lock. Safe to call multiple times.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	_ = h.fl.Unlock()
}

// lockPath returns the sidecar lock file for a target path. Locking a
// sidecar instead of the target keeps the lock valid across whole-file
// rewrites and lets callers lock files that do not exist yet. The sidecar
// is dot-prefixed so directory scans skip it.
func lockPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock")
}

func acquire(path string, shared bool, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}

	fl := flock.New(lockPath(path))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var ok bool
	var err error
	if shared {
		ok, err = fl.TryRLockContext(ctx, retryDelay)
	} else {
		ok, err = fl.TryLockContext(ctx, retryDelay)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, timeout)
		}
		return nil, fmt.Errorf("lockfile: %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, timeout)
	}
	return &Handle{fl: fl}, nil
}

// Exclusive acquires an exclusive lock on path.
func Exclusive(path string, timeout time.Duration) (*Handle, error) {
	return acquire(path, false, timeout)
}

// Shared acquires a shared (read) lock on path.
func Shared(path string, timeout time.Duration) (*Handle, error) {
	return acquire(path, true, timeout)
}

// WithExclusive runs fn while holding an exclusive lock on path. The lock
// is released on every exit path, including panic.
func WithExclusive(path string, timeout time.Duration, fn func() error) error {
	h, err := Exclusive(path, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}

// WithShared runs fn while holding a shared lock on path.
func WithShared(path string, timeout time.Duration, fn func() error) error {
	h, err := Shared(path, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
