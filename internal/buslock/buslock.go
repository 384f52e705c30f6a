// Package buslock implements the named, process-level lock that serializes
// access to the shared hardware bus between cooperating processes.
package buslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultDir is where lock files are created when it exists.
const DefaultDir = "/run/lock"

// Lock is a flock(2) on <dir>/<name>.lock. It is reentrant within the
// process: nested Lock calls only bump a depth counter.
type Lock struct {
	path  string
	mu    sync.Mutex
	fd    int
	depth int
}

// New returns a lock for name in DefaultDir, or the temp dir when DefaultDir
// is missing.
func New(name string) *Lock {
	dir := DefaultDir
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		dir = os.TempDir()
	}
	return NewAt(filepath.Join(dir, name+".lock"))
}

// NewAt returns a lock on the given file path.
func NewAt(path string) *Lock {
	return &Lock{path: path, fd: -1}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Lock blocks until the bus is held by this process.
func (l *Lock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth > 0 {
		l.depth++
		return nil
	}

	fd, err := unix.Open(l.path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}

	l.fd = fd
	l.depth = 1
	return nil
}

// Unlock releases one level; the flock is dropped at depth zero.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return errors.New("buslock: unlock of unlocked lock")
	}
	l.depth--
	if l.depth > 0 {
		return nil
	}

	fd := l.fd
	l.fd = -1
	unix.Flock(fd, unix.LOCK_UN)
	return unix.Close(fd)
}
