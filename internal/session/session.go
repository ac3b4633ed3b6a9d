// Package session sequences a tracing session: take the cross-process
// lock, apply the order-dependent control-file writes, and reverse exactly
// what was applied when the session ends. The tracer is shared kernel
// state, so every write that succeeds is recorded and teardown replays the
// record backwards on every exit path.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/majorcontext/funclag/internal/lockfile"
	"github.com/majorcontext/funclag/internal/log"
	"github.com/majorcontext/funclag/internal/tracefs"
	"github.com/majorcontext/funclag/internal/ui"
)

// ControlFiles is the control-file surface the session writes through.
// *tracefs.FS satisfies it.
type ControlFiles interface {
	WriteSetting(name, value string) error
	WriteVerified(name, value string) error
	ReadSetting(name string) (string, error)
}

// Request describes one tracing session.
type Request struct {
	Pattern     string        // kernel symbol glob, required
	ThresholdUS int           // minimum reported duration in microseconds
	Pid         int           // trace only this process, 0 traces all
	Duration    time.Duration // bounded capture window, 0 streams live
	CPUOnly     bool          // measure on-CPU time, exclude sleep
	Headers     bool          // include column headers in output
	Proc        bool          // annotate records with process name/PID
	Timestamps  bool          // include absolute timestamps
}

// Validate checks the request before any tracer state is touched.
func (r *Request) Validate() error {
	if r.Pattern == "" {
		return errors.New("function pattern is required")
	}
	if r.ThresholdUS < 0 {
		return fmt.Errorf("latency threshold must be >= 0 us, got %d", r.ThresholdUS)
	}
	if r.Pid < 0 {
		return fmt.Errorf("pid must be a positive integer, got %d", r.Pid)
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration must be >= 0 seconds, got %s", r.Duration)
	}
	return nil
}

// step records one successful configuration write and the value that
// restores the endpoint's default.
type step struct {
	name  string
	reset string
}

// Session owns the tracer from lock acquisition to teardown.
type Session struct {
	req   Request
	files ControlFiles
	lock  *lockfile.Lock

	state    State
	steps    []step
	tornDown bool
}

// New returns an unconfigured session for req.
func New(files ControlFiles, req Request) *Session {
	return &Session{
		req:   req,
		files: files,
		state: StateIdle,
	}
}

// Configure takes the lock and applies the ordered configuration writes.
// On error the session may hold partial tracer state; the caller must
// still run Teardown, which reverses whatever was applied. A lock
// acquisition failure leaves everything untouched.
func (s *Session) Configure(lockPath string) error {
	if s.state != StateIdle {
		return fmt.Errorf("session already used (state %s)", s.state)
	}
	if err := s.req.Validate(); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		return err
	}
	s.lock = lock
	if err := s.to(StateLockAcquired); err != nil {
		return err
	}
	log.Debug("lock acquired", "path", lockPath)

	// The tracer must be idle before this session claims it. An active
	// tracer without the lock means a non-cooperating user.
	mode, err := s.files.ReadSetting(tracefs.CurrentTracer)
	if err != nil {
		return err
	}
	if mode != tracefs.ModeNop {
		return &BusyError{Mode: mode}
	}
	if err := s.to(StateModeVerified); err != nil {
		return err
	}

	if err := s.files.WriteSetting(tracefs.TracingThresh, strconv.Itoa(s.req.ThresholdUS)); err != nil {
		return &ThresholdError{ThresholdUS: s.req.ThresholdUS, Err: err}
	}
	s.record(tracefs.TracingThresh, "0")
	if err := s.to(StateThresholdSet); err != nil {
		return err
	}

	if s.req.Pid > 0 {
		if err := s.files.WriteSetting(tracefs.FtracePid, strconv.Itoa(s.req.Pid)); err != nil {
			return &PidError{Pid: s.req.Pid, Err: err}
		}
		s.record(tracefs.FtracePid, "")
		if err := s.to(StatePidFilterSet); err != nil {
			return err
		}
	}

	if err := s.files.WriteSetting(tracefs.FtraceFilter, s.req.Pattern); err != nil {
		return &UnknownFunctionError{Pattern: s.req.Pattern, Err: err}
	}
	s.record(tracefs.FtraceFilter, "")
	if err := s.to(StatePatternSet); err != nil {
		return err
	}

	if err := s.files.WriteSetting(tracefs.GraphFunction, s.req.Pattern); err != nil {
		return &UnknownFunctionError{Pattern: s.req.Pattern, Err: err}
	}
	s.record(tracefs.GraphFunction, "")
	if err := s.to(StateGraphSet); err != nil {
		return err
	}

	if err := s.files.WriteVerified(tracefs.CurrentTracer, tracefs.ModeGraph); err != nil {
		return &ActivationError{Err: err}
	}
	s.record(tracefs.CurrentTracer, tracefs.ModeNop)
	if err := s.to(StateTracerActive); err != nil {
		return err
	}
	log.Debug("tracer active", "mode", tracefs.ModeGraph)

	// trace_options toggles are only accepted once the tracer is active.
	// Each one degrades to a warning so a kernel missing an option still
	// traces.
	s.applyOption(s.req.CPUOnly, "nosleep-time", "sleep-time", "cpu-only timing")
	s.applyOption(s.req.Timestamps, "funcgraph-abstime", "nofuncgraph-abstime", "timestamps")
	s.applyOption(s.req.Proc, "funcgraph-proc", "nofuncgraph-proc", "process annotations")

	// Drop whatever accumulated while configuring.
	if err := s.files.WriteSetting(tracefs.Trace, ""); err != nil {
		ui.Warnf("could not clear the trace buffer: %v", err)
	}
	return s.to(StateRunning)
}

// applyOption toggles one trace_options flag, recording the reverse toggle
// for teardown. A rejected toggle warns and the session continues without
// that behavior.
func (s *Session) applyOption(enabled bool, set, reset, label string) {
	if !enabled {
		return
	}
	if err := s.files.WriteSetting(tracefs.TraceOptions, set); err != nil {
		ui.Warnf("continuing without %s: %v", label, err)
		log.Debug("option rejected", "option", set, "error", err)
		return
	}
	s.record(tracefs.TraceOptions, reset)
	if err := s.to(StateOptionsApplied); err != nil {
		log.Debug("option transition", "error", err)
	}
}

// record appends a completed write to the session log so teardown can
// reverse it.
func (s *Session) record(name, reset string) {
	s.steps = append(s.steps, step{name: name, reset: reset})
	log.Debug("configured", "file", name)
}

// Teardown restores every control file this session modified, newest
// first, then clears the trace buffer and releases the lock. Each failed
// reversal is reported as a warning and the remaining reversals still run.
// Calling Teardown again is a no-op.
func (s *Session) Teardown() []error {
	if s.tornDown || s.state == StateIdle {
		return nil
	}
	s.tornDown = true

	var warnings []error
	warn := func(name string, err error) {
		w := &TeardownWarning{Name: name, Err: err}
		log.Debug("teardown step failed", "file", name, "error", err)
		warnings = append(warnings, w)
	}

	cleanBuffer := len(s.steps) > 0
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		if err := s.files.WriteSetting(st.name, st.reset); err != nil {
			warn(st.name, err)
		}
	}
	s.steps = nil

	// The buffer only holds this session's records if a configuration
	// write happened; after a busy-check failure it belongs to whoever
	// owns the tracer.
	if cleanBuffer {
		if err := s.files.WriteSetting(tracefs.Trace, ""); err != nil {
			warn(tracefs.Trace, err)
		}
	}

	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			warn("lock", err)
		}
		s.lock = nil
	}

	if err := s.to(StateTornDown); err != nil {
		log.Debug("teardown transition", "error", err)
	}
	return warnings
}
