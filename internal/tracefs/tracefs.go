// Package tracefs is the access layer for the kernel tracing control
// files. Every endpoint is a named single-value file under one tracing
// directory; writes follow shell echo semantics so the kernel sees exactly
// what the documented command lines would send.
package tracefs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Control file names under the tracing directory.
const (
	CurrentTracer      = "current_tracer"
	TracingThresh      = "tracing_thresh"
	FtracePid          = "set_ftrace_pid"
	FtraceFilter       = "set_ftrace_filter"
	GraphFunction      = "set_graph_function"
	TraceOptions       = "trace_options"
	Trace              = "trace"
	TracePipe          = "trace_pipe"
	AvailableTracers   = "available_tracers"
	AvailableFunctions = "available_filter_functions"
)

// Tracer modes accepted by current_tracer.
const (
	ModeNop   = "nop"
	ModeGraph = "function_graph"
)

// AccessError reports that the tracing control directory is missing, not a
// tracefs mount, or not usable by this process.
type AccessError struct {
	Path string
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("tracing directory %s unavailable: %v", e.Path, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// WriteError reports that a control file rejected a value.
type WriteError struct {
	Name  string
	Value string
	Err   error
}

func (e *WriteError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("clearing %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("writing %q to %s: %v", e.Value, e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports that a control file could not be read.
type ReadError struct {
	Name string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Name, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// FS provides the control files under one tracing directory.
type FS struct {
	root string
}

// New returns an FS rooted at dir. Use Detect to find and validate the
// directory first.
func New(dir string) *FS {
	return &FS{root: dir}
}

// Root returns the tracing directory.
func (f *FS) Root() string { return f.root }

// Path returns the absolute path of a named control file.
func (f *FS) Path(name string) string { return filepath.Join(f.root, name) }

// WriteSetting writes value to the named control file. A trailing newline
// is appended and an empty value clears the endpoint, both matching shell
// echo semantics. The kernel signals a rejected value by failing the write
// call itself.
func (f *FS) WriteSetting(name, value string) error {
	data := value
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	if err := os.WriteFile(f.Path(name), []byte(data), 0644); err != nil {
		return &WriteError{Name: name, Value: value, Err: err}
	}
	return nil
}

// WriteVerified writes value and confirms the endpoint reports it back.
// Only endpoints that echo their value verbatim (current_tracer) can be
// verified this way; pattern endpoints expand globs on readback.
func (f *FS) WriteVerified(name, value string) error {
	if err := f.WriteSetting(name, value); err != nil {
		return err
	}
	got, err := f.ReadSetting(name)
	if err != nil {
		return err
	}
	if got != value {
		return &WriteError{Name: name, Value: value, Err: fmt.Errorf("readback returned %q", got)}
	}
	return nil
}

// ReadSetting returns the trimmed contents of the named control file.
func (f *FS) ReadSetting(name string) (string, error) {
	data, err := f.ReadAll(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadAll returns the raw contents of the named control file.
func (f *FS) ReadAll(name string) ([]byte, error) {
	data, err := os.ReadFile(f.Path(name))
	if err != nil {
		return nil, &ReadError{Name: name, Err: err}
	}
	return data, nil
}

// OpenStream opens the named control file for a blocking sequence of
// reads. The descriptor is put in non-blocking mode so reads go through
// the runtime poller and Close unblocks a pending read; callers see
// ordinary blocking semantics.
func (f *FS) OpenStream(name string) (io.ReadCloser, error) {
	path := f.Path(name)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &ReadError{Name: name, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}
