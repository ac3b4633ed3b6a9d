package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/funclag/internal/lockfile"
	"github.com/majorcontext/funclag/internal/tracefs"
	"github.com/majorcontext/funclag/internal/ui"
)

type write struct {
	Name  string
	Value string
}

// fakeFiles is an in-memory ControlFiles. It records successful writes in
// order, and separately records every attempt so best-effort paths can be
// checked.
type fakeFiles struct {
	values   map[string]string
	writes   []write
	attempts []write
	failOn   map[string]error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		values: map[string]string{tracefs.CurrentTracer: tracefs.ModeNop},
		failOn: map[string]error{},
	}
}

func (f *fakeFiles) WriteSetting(name, value string) error {
	f.attempts = append(f.attempts, write{name, value})
	if err := f.failOn[name]; err != nil {
		return &tracefs.WriteError{Name: name, Value: value, Err: err}
	}
	f.writes = append(f.writes, write{name, value})
	f.values[name] = value
	return nil
}

func (f *fakeFiles) WriteVerified(name, value string) error {
	return f.WriteSetting(name, value)
}

func (f *fakeFiles) ReadSetting(name string) (string, error) {
	v, ok := f.values[name]
	if !ok {
		return "", &tracefs.ReadError{Name: name, Err: os.ErrNotExist}
	}
	return v, nil
}

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), ".ftrace-lock")
}

// captureUI redirects user-facing warnings into a buffer for the test.
func captureUI(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.SetWriter(&buf)
	ui.SetColorEnabled(false)
	t.Cleanup(func() { ui.SetWriter(nil) })
	return &buf
}

func TestConfigureAppliesWritesInOrder(t *testing.T) {
	files := newFakeFiles()
	sess := New(files, Request{
		Pattern:     "vfs_read",
		ThresholdUS: 1000,
		Pid:         42,
		CPUOnly:     true,
		Proc:        true,
		Timestamps:  true,
	})
	path := lockPath(t)

	require.NoError(t, sess.Configure(path))
	assert.Equal(t, StateRunning, sess.State())

	want := []write{
		{tracefs.TracingThresh, "1000"},
		{tracefs.FtracePid, "42"},
		{tracefs.FtraceFilter, "vfs_read"},
		{tracefs.GraphFunction, "vfs_read"},
		{tracefs.CurrentTracer, tracefs.ModeGraph},
		{tracefs.TraceOptions, "nosleep-time"},
		{tracefs.TraceOptions, "funcgraph-abstime"},
		{tracefs.TraceOptions, "funcgraph-proc"},
		{tracefs.Trace, ""},
	}
	assert.Equal(t, want, files.writes)

	// The lock marker holds this process's pid.
	assert.Equal(t, os.Getpid(), lockfile.Owner(path))

	require.Empty(t, sess.Teardown())
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigureSkipsOptionalSteps(t *testing.T) {
	files := newFakeFiles()
	sess := New(files, Request{Pattern: "ext4_*", ThresholdUS: 500})

	require.NoError(t, sess.Configure(lockPath(t)))

	want := []write{
		{tracefs.TracingThresh, "500"},
		{tracefs.FtraceFilter, "ext4_*"},
		{tracefs.GraphFunction, "ext4_*"},
		{tracefs.CurrentTracer, tracefs.ModeGraph},
		{tracefs.Trace, ""},
	}
	assert.Equal(t, want, files.writes)
	require.Empty(t, sess.Teardown())
}

// Option toggles are rejected by the kernel until the tracer is active, so
// every trace_options write must land after the current_tracer write.
func TestOptionTogglesFollowActivation(t *testing.T) {
	for _, tt := range []struct {
		name    string
		cpu     bool
		ts      bool
		proc    bool
		options int
	}{
		{"none", false, false, false, 0},
		{"cpu", true, false, false, 1},
		{"timestamps", false, true, false, 1},
		{"proc", false, false, true, 1},
		{"cpu+timestamps", true, true, false, 2},
		{"cpu+proc", true, false, true, 2},
		{"timestamps+proc", false, true, true, 2},
		{"all", true, true, true, 3},
	} {
		t.Run(tt.name, func(t *testing.T) {
			files := newFakeFiles()
			sess := New(files, Request{
				Pattern:     "vfs_read",
				ThresholdUS: 100,
				CPUOnly:     tt.cpu,
				Timestamps:  tt.ts,
				Proc:        tt.proc,
			})
			require.NoError(t, sess.Configure(lockPath(t)))
			defer sess.Teardown()

			activated := -1
			var optionIdx []int
			for i, w := range files.writes {
				switch w.Name {
				case tracefs.CurrentTracer:
					activated = i
				case tracefs.TraceOptions:
					optionIdx = append(optionIdx, i)
				}
			}
			require.NotEqual(t, -1, activated)
			require.Len(t, optionIdx, tt.options)
			for _, i := range optionIdx {
				assert.Greater(t, i, activated)
			}
		})
	}
}

func TestConfigureTracerBusy(t *testing.T) {
	files := newFakeFiles()
	files.values[tracefs.CurrentTracer] = "function"
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})
	path := lockPath(t)

	err := sess.Configure(path)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "function", busy.Mode)
	assert.Contains(t, err.Error(), `current_tracer is "function"`)

	// Nothing was configured, so teardown must not touch the tracer or the
	// buffer. The other user's records stay put. Only the lock goes away.
	assert.Empty(t, files.attempts)
	require.Empty(t, sess.Teardown())
	assert.Empty(t, files.attempts)
	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestConfigureThresholdRejected(t *testing.T) {
	files := newFakeFiles()
	files.failOn[tracefs.TracingThresh] = errors.New("write error")
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})
	path := lockPath(t)

	err := sess.Configure(path)
	var thErr *ThresholdError
	require.ErrorAs(t, err, &thErr)
	assert.Equal(t, 100, thErr.ThresholdUS)

	// No write succeeded, so there is nothing to reverse and the buffer is
	// not this session's to clear.
	files.attempts = nil
	require.Empty(t, sess.Teardown())
	assert.Empty(t, files.attempts)
	assert.Zero(t, lockfile.Owner(path))
}

func TestConfigureUnknownFunctionReversesPartialState(t *testing.T) {
	files := newFakeFiles()
	files.failOn[tracefs.FtraceFilter] = errors.New("write error")
	sess := New(files, Request{Pattern: "no_such_fn", ThresholdUS: 100, Pid: 42})
	path := lockPath(t)

	err := sess.Configure(path)
	var fnErr *UnknownFunctionError
	require.ErrorAs(t, err, &fnErr)
	assert.Equal(t, "no_such_fn", fnErr.Pattern)

	// Threshold and pid filter were applied before the failure; teardown
	// reverses them newest first, then clears the buffer.
	files.writes = nil
	require.Empty(t, sess.Teardown())
	want := []write{
		{tracefs.FtracePid, ""},
		{tracefs.TracingThresh, "0"},
		{tracefs.Trace, ""},
	}
	assert.Equal(t, want, files.writes)
	assert.Zero(t, lockfile.Owner(path))
}

func TestConfigureActivationFailed(t *testing.T) {
	files := newFakeFiles()
	files.failOn[tracefs.CurrentTracer] = errors.New("readback returned \"nop\"")
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})

	err := sess.Configure(lockPath(t))
	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)

	files.writes = nil
	require.Empty(t, sess.Teardown())
	want := []write{
		{tracefs.GraphFunction, ""},
		{tracefs.FtraceFilter, ""},
		{tracefs.TracingThresh, "0"},
		{tracefs.Trace, ""},
	}
	assert.Equal(t, want, files.writes)
}

func TestRejectedOptionWarnsAndContinues(t *testing.T) {
	buf := captureUI(t)
	files := newFakeFiles()
	files.failOn[tracefs.TraceOptions] = errors.New("invalid argument")
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100, CPUOnly: true})

	require.NoError(t, sess.Configure(lockPath(t)))
	assert.Equal(t, StateRunning, sess.State())
	assert.Contains(t, buf.String(), "continuing without cpu-only timing")

	// The rejected toggle was never applied, so teardown must not try to
	// reverse it.
	files.writes = nil
	require.Empty(t, sess.Teardown())
	for _, w := range files.writes {
		assert.NotEqual(t, tracefs.TraceOptions, w.Name)
	}
}

func TestBufferClearFailureIsNotFatal(t *testing.T) {
	buf := captureUI(t)
	files := newFakeFiles()
	files.failOn[tracefs.Trace] = errors.New("device or resource busy")
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})

	require.NoError(t, sess.Configure(lockPath(t)))
	assert.Equal(t, StateRunning, sess.State())
	assert.Contains(t, buf.String(), "could not clear the trace buffer")
}

func TestTeardownReversesConfigurationOrder(t *testing.T) {
	files := newFakeFiles()
	sess := New(files, Request{
		Pattern:     "vfs_read",
		ThresholdUS: 1000,
		Pid:         42,
		CPUOnly:     true,
		Proc:        true,
		Timestamps:  true,
	})
	require.NoError(t, sess.Configure(lockPath(t)))

	files.writes = nil
	require.Empty(t, sess.Teardown())
	assert.Equal(t, StateTornDown, sess.State())

	want := []write{
		{tracefs.TraceOptions, "nofuncgraph-proc"},
		{tracefs.TraceOptions, "nofuncgraph-abstime"},
		{tracefs.TraceOptions, "sleep-time"},
		{tracefs.CurrentTracer, tracefs.ModeNop},
		{tracefs.GraphFunction, ""},
		{tracefs.FtraceFilter, ""},
		{tracefs.FtracePid, ""},
		{tracefs.TracingThresh, "0"},
		{tracefs.Trace, ""},
	}
	assert.Equal(t, want, files.writes)
}

func TestTeardownIsIdempotent(t *testing.T) {
	files := newFakeFiles()
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})
	require.NoError(t, sess.Configure(lockPath(t)))

	require.Empty(t, sess.Teardown())
	files.attempts = nil
	require.Nil(t, sess.Teardown())
	assert.Empty(t, files.attempts)
}

func TestTeardownContinuesPastFailures(t *testing.T) {
	files := newFakeFiles()
	sess := New(files, Request{
		Pattern:     "vfs_read",
		ThresholdUS: 1000,
		Pid:         42,
		CPUOnly:     true,
		Proc:        true,
		Timestamps:  true,
	})
	path := lockPath(t)
	require.NoError(t, sess.Configure(path))

	// Every reversal now fails. Teardown must still attempt each one,
	// report each failure, and release the lock anyway.
	for _, name := range []string{
		tracefs.TraceOptions, tracefs.CurrentTracer, tracefs.GraphFunction,
		tracefs.FtraceFilter, tracefs.FtracePid, tracefs.TracingThresh, tracefs.Trace,
	} {
		files.failOn[name] = errors.New("write error")
	}
	files.attempts = nil

	warnings := sess.Teardown()
	assert.Len(t, warnings, 9)
	assert.Len(t, files.attempts, 9)
	for _, w := range warnings {
		var tw *TeardownWarning
		require.ErrorAs(t, w, &tw)
		assert.Contains(t, tw.Error(), "teardown: resetting")
	}
	assert.Zero(t, lockfile.Owner(path))
	assert.Equal(t, StateTornDown, sess.State())
}

func TestConfigureAlreadyLocked(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o644))

	files := newFakeFiles()
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})

	err := sess.Configure(path)
	var lockErr *lockfile.AlreadyLockedError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 12345, lockErr.Owner)

	// Never got past the lock, so there is no session state to unwind and
	// the other process's marker stays.
	assert.Equal(t, StateIdle, sess.State())
	assert.Empty(t, files.attempts)
	require.Nil(t, sess.Teardown())
	assert.Equal(t, 12345, lockfile.Owner(path))
}

func TestSessionIsSingleUse(t *testing.T) {
	files := newFakeFiles()
	sess := New(files, Request{Pattern: "vfs_read", ThresholdUS: 100})
	path := lockPath(t)

	require.NoError(t, sess.Configure(path))
	require.Empty(t, sess.Teardown())

	err := sess.Configure(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session already used")
}

func TestRequestValidate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"valid", Request{Pattern: "vfs_read", ThresholdUS: 1000}, ""},
		{"zero threshold", Request{Pattern: "vfs_read"}, ""},
		{"missing pattern", Request{ThresholdUS: 1000}, "function pattern is required"},
		{"negative threshold", Request{Pattern: "vfs_read", ThresholdUS: -1}, "latency threshold"},
		{"negative pid", Request{Pattern: "vfs_read", Pid: -2}, "pid must be"},
		{"negative duration", Request{Pattern: "vfs_read", Duration: -time.Second}, "duration must be"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr),
				"error %q does not mention %q", err, tt.wantErr)
		})
	}
}
