// Package guard provides the per-task lock file that keeps two
// invocations of the same standalone task from running at once.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the task lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Guard holds an acquired task lock until released.
type Guard struct {
	lock *flock.Flock
}

// Acquire takes the lock file for the named task, creating the lock
// directory if needed. It fails fast instead of blocking so callers can
// exit with a non-zero status.
func Acquire(lockDir, task string) (*Guard, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	l := flock.New(filepath.Join(lockDir, task+".lock"))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", task, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", task, ErrAlreadyRunning)
	}
	return &Guard{lock: l}, nil
}

// Release drops the lock. The lock file is left behind; only the flock
// matters.
func (g *Guard) Release() error {
	return g.lock.Unlock()
}
