// Package runcontrol coordinates one run session: a set of workers with
// start and stop dependencies, driven by a single event loop.
package runcontrol

// WorkerState is the lifecycle state of a worker.
type WorkerState int

const (
	// WorkerInitialized is the state before the worker was asked to start.
	WorkerInitialized WorkerState = iota

	// WorkerStarting means Start was called and ReportStarted is pending.
	WorkerStarting

	// WorkerRunning means the worker reported started.
	WorkerRunning

	// WorkerStopping means Stop was called and the stop report is pending.
	WorkerStopping

	// WorkerDone is terminal for the current run.
	WorkerDone
)

// String returns a human-readable name for the state.
func (s WorkerState) String() string {
	switch s {
	case WorkerInitialized:
		return "initialized"
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsActive returns true if the worker has been started and is not done.
func (s WorkerState) IsActive() bool {
	return s == WorkerStarting || s == WorkerRunning || s == WorkerStopping
}

// State is the aggregate state of a RunControl.
type State int

const (
	StateInitialized State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFinishing
	StateFinished
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the control can no longer change state.
func (s State) IsTerminal() bool {
	return s == StateFinished
}

// transitions lists the legal control state changes.
var transitions = map[State][]State{
	StateInitialized: {StateStarting, StateStopping, StateFinishing},
	StateStarting:    {StateRunning, StateStopping, StateStopped, StateFinishing},
	StateRunning:     {StateStopping, StateStopped, StateFinishing},
	StateStopping:    {StateStopped, StateFinishing},
	StateStopped:     {StateStarting, StateFinishing},
	StateFinishing:   {StateFinished},
	StateFinished:    nil,
}

// CanTransition reports whether from -> to is a legal control transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MessageFormat tags text appended to the session output.
type MessageFormat int

const (
	MessageNormal MessageFormat = iota
	MessageStdOut
	MessageStdErr
	MessageError
	MessageDebug
)

// String returns a human-readable name for the format.
func (f MessageFormat) String() string {
	switch f {
	case MessageNormal:
		return "normal"
	case MessageStdOut:
		return "stdout"
	case MessageStdErr:
		return "stderr"
	case MessageError:
		return "error"
	case MessageDebug:
		return "debug"
	default:
		return "unknown"
	}
}
