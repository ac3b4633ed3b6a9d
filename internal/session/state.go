package session

import "fmt"

// State identifies a point in the session lifecycle. Configuration states
// follow the write-order dependencies of the control files: the threshold,
// pid filter, and function filters only matter to the tracer selected
// afterwards, and trace_options toggles are rejected until the tracer is
// active.
type State string

const (
	StateIdle           State = "idle"
	StateLockAcquired   State = "lock-acquired"
	StateModeVerified   State = "mode-verified"
	StateThresholdSet   State = "threshold-set"
	StatePidFilterSet   State = "pid-filter-set"
	StatePatternSet     State = "pattern-filter-set"
	StateGraphSet       State = "graph-filter-set"
	StateTracerActive   State = "tracer-active"
	StateOptionsApplied State = "options-applied"
	StateRunning        State = "running"
	StateTornDown       State = "torn-down"
)

// allowedTransition reports whether moving from cur to next follows the
// configuration order. Optional steps may be skipped, never reordered, and
// teardown is reachable from every state after the lock is taken.
func allowedTransition(cur, next State) bool {
	if next == StateTornDown {
		return cur != StateIdle
	}
	switch cur {
	case StateIdle:
		return next == StateLockAcquired
	case StateLockAcquired:
		return next == StateModeVerified
	case StateModeVerified:
		return next == StateThresholdSet
	case StateThresholdSet:
		return next == StatePidFilterSet || next == StatePatternSet
	case StatePidFilterSet:
		return next == StatePatternSet
	case StatePatternSet:
		return next == StateGraphSet
	case StateGraphSet:
		return next == StateTracerActive
	case StateTracerActive:
		return next == StateOptionsApplied || next == StateRunning
	case StateOptionsApplied:
		return next == StateOptionsApplied || next == StateRunning
	}
	return false
}

// to advances the session state, rejecting out-of-order transitions.
func (s *Session) to(next State) error {
	if !allowedTransition(s.state, next) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

// State returns the current session state.
func (s *Session) State() State { return s.state }
