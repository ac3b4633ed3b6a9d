package session

import (
	"fmt"

	"github.com/majorcontext/funclag/internal/tracefs"
)

// BusyError reports the tracer was already active under another mode when
// this session checked it. Some other tool owns it without holding the
// lock marker.
type BusyError struct {
	Mode string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("tracer busy: current_tracer is %q, expected %q", e.Mode, tracefs.ModeNop)
}

// ThresholdError reports the kernel rejected the latency threshold write.
type ThresholdError struct {
	ThresholdUS int
	Err         error
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("setting latency threshold to %d us: %v", e.ThresholdUS, e.Err)
}

func (e *ThresholdError) Unwrap() error { return e.Err }

// PidError reports the kernel rejected the target process filter.
type PidError struct {
	Pid int
	Err error
}

func (e *PidError) Error() string {
	return fmt.Sprintf("setting pid filter to %d: %v", e.Pid, e.Err)
}

func (e *PidError) Unwrap() error { return e.Err }

// UnknownFunctionError reports a filter pattern that matched no traceable
// kernel symbols.
type UnknownFunctionError struct {
	Pattern string
	Err     error
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function pattern %q: %v", e.Pattern, e.Err)
}

func (e *UnknownFunctionError) Unwrap() error { return e.Err }

// ActivationError reports the function_graph tracer could not be enabled.
type ActivationError struct {
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activating %s tracer: %v", tracefs.ModeGraph, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// TeardownWarning reports one reversal step that failed during teardown.
// Warnings never stop the remaining reversals.
type TeardownWarning struct {
	Name string
	Err  error
}

func (e *TeardownWarning) Error() string {
	return fmt.Sprintf("teardown: resetting %s: %v", e.Name, e.Err)
}

func (e *TeardownWarning) Unwrap() error { return e.Err }
