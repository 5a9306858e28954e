package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"motorctl/internal/textutil"
)

// ErrBusy reports a device already owned by another motorctl process.
var ErrBusy = errors.New("device is in use by another process")

// Locks hands out per-device ownership locks backed by lock files.
type Locks struct {
	dir string
}

// NewLocks returns a lock set rooted at dir. An empty dir disables locking.
func NewLocks(dir string) *Locks {
	return &Locks{dir: dir}
}

// Acquire takes the lock for candidate id without blocking. The returned
// release function unlocks it.
func (l *Locks) Acquire(id string) (func() error, error) {
	if l == nil || l.dir == "" {
		return func() error { return nil }, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(l.dir, textutil.SanitizeToken(id)+".lock")
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", id, ErrBusy)
	}
	return lock.Unlock, nil
}
