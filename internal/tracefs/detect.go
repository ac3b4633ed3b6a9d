package tracefs

import (
	"errors"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultRoots are tried in order when no tracing directory is configured.
// Newer kernels mount tracefs at the first path; the second is the
// debugfs location older kernels expose.
var DefaultRoots = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// Detect returns an FS for the first usable tracing directory. A non-empty
// configured path is validated and used as-is; otherwise DefaultRoots are
// probed in order. All failures come back as *AccessError so callers can
// fail fast before touching any tracer state.
func Detect(configured string) (*FS, error) {
	if configured != "" {
		if err := Check(configured); err != nil {
			return nil, err
		}
		return New(configured), nil
	}

	var firstErr error
	for _, root := range DefaultRoots {
		if err := Check(root); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return New(root), nil
	}
	return nil, firstErr
}

// Check verifies that root is a mounted tracing directory this process can
// read. The filesystem magic is checked so a plain directory at the same
// path is rejected rather than silently absorbing writes.
func Check(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return &AccessError{Path: root, Err: err}
	}

	switch {
	case st.Type == unix.TRACEFS_MAGIC:
	case st.Type == unix.DEBUGFS_MAGIC && filepath.Base(root) == "tracing":
	default:
		return &AccessError{Path: root, Err: errors.New("not a tracefs mount")}
	}

	// Root permissions are usually required; probe with the cheapest read.
	if _, err := New(root).ReadSetting(CurrentTracer); err != nil {
		return &AccessError{Path: root, Err: err}
	}
	return nil
}
