// Package lockfile implements the cross-process marker file that gives one
// session at a time ownership of the kernel tracer. The tracer is global
// kernel state with no locking of its own, so a well-known marker path is
// the only exclusion mechanism available to cooperating tools.
package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// AlreadyLockedError reports that another process owns the tracer lock.
type AlreadyLockedError struct {
	Path  string
	Owner int // PID recorded in the marker, 0 if unreadable
}

func (e *AlreadyLockedError) Error() string {
	if e.Owner > 0 {
		return fmt.Sprintf("tracer may be in use by PID %d (lock %s)", e.Owner, e.Path)
	}
	return fmt.Sprintf("tracer may be in use (lock %s)", e.Path)
}

// Lock is a session's hold on the tracer marker file.
type Lock struct {
	path string
	pid  int
	held bool
}

// Acquire atomically creates the marker file containing the current PID.
// If the marker already exists, the error identifies the owning PID so the
// user can investigate.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &AlreadyLockedError{Path: path, Owner: Owner(path)}
		}
		return nil, fmt.Errorf("creating lock %s: %w", path, err)
	}

	pid := os.Getpid()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing lock %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lock %s: %w", path, err)
	}

	return &Lock{path: path, pid: pid, held: true}, nil
}

// Release removes the marker if this session still owns it. Calling it
// again, or on a marker taken over by another PID, is a no-op.
func (l *Lock) Release() error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false

	if owner := Owner(l.path); owner != 0 && owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the marker file location.
func (l *Lock) Path() string { return l.path }

// Owner returns the PID recorded in the marker at path, or 0 if the marker
// is absent or malformed.
func Owner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
