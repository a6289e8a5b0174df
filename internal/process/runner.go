// Package process provides a uniform spawn/write/signal/wait abstraction over
// local, container and SSH execution.
package process

import (
	"context"
	"fmt"
	"syscall"

	"github.com/randomizedcoder/runctl/internal/runerr"
)

// Interface is implemented by every execution backend.
//
// Start emits exactly one EventStarted on success or one EventDone carrying
// ErrorFailedToStart on failure, never both. Output arrives as EventReadyRead
// and termination as exactly one EventDone, after which Events is closed.
// Callers must drain Events until it is closed.
type Interface interface {
	// Start spawns the process described by setup. It returns immediately.
	// Cancelling ctx kills the process.
	Start(ctx context.Context, setup Setup)

	// Write sends bytes to the process stdin. Valid only after EventStarted
	// and only in ModeWriter or ModeDuplex.
	Write(p []byte) (int, error)

	// SendControlSignal delivers sig to the running process.
	SendControlSignal(sig ControlSignal) error

	// Events returns the event stream.
	Events() <-chan Event
}

// Mode selects which standard streams are wired.
type Mode int

const (
	// ModeReader reads stdout/stderr; stdin is closed.
	ModeReader Mode = iota
	// ModeWriter additionally keeps stdin open for Write.
	ModeWriter
	// ModeDuplex is ModeWriter for interactive use.
	ModeDuplex
)

// Setup describes one process launch.
type Setup struct {
	Command    CommandLine
	WorkingDir string
	Env        Environment
	Terminal   bool
	Mode       Mode

	// AbortOnMetaChars refuses Raw commands that need a shell.
	AbortOnMetaChars bool
}

// ControlSignal is a backend-independent signal request.
type ControlSignal int

const (
	SignalInterrupt ControlSignal = iota
	SignalTerminate
	SignalKill
	// SignalKickOff resumes a process that is waiting to be released.
	SignalKickOff
	// SignalCloseWriteChannel closes stdin.
	SignalCloseWriteChannel
)

// String returns a human-readable name for the signal.
func (s ControlSignal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	case SignalKickOff:
		return "kickoff"
	case SignalCloseWriteChannel:
		return "close_write_channel"
	default:
		return "unknown"
	}
}

// Syscall maps the signal to the POSIX signal delivered to the process.
// CloseWriteChannel has no POSIX equivalent and returns 0.
func (s ControlSignal) Syscall() syscall.Signal {
	switch s {
	case SignalInterrupt:
		return syscall.SIGINT
	case SignalTerminate:
		return syscall.SIGTERM
	case SignalKill:
		return syscall.SIGKILL
	case SignalKickOff:
		return syscall.SIGCONT
	default:
		return 0
	}
}

// ExitStatus tells whether the process exited on its own.
type ExitStatus int

const (
	ExitNormal ExitStatus = iota
	ExitCrashed
)

// ErrorKind classifies process-level failures.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorFailedToStart
	ErrorCrashed
	ErrorConnectFailed
	ErrorWrite
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorFailedToStart:
		return "failed_to_start"
	case ErrorCrashed:
		return "crashed"
	case ErrorConnectFailed:
		return "connect_failed"
	case ErrorWrite:
		return "write_error"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a process. Produced exactly once.
type Result struct {
	ExitCode    int
	ExitStatus  ExitStatus
	Error       ErrorKind
	ErrorString string
}

// Err converts the result into a classified error, or nil when the process
// ran and exited normally (whatever its exit code).
func (r Result) Err() error {
	switch {
	case r.Error == ErrorFailedToStart:
		return runerr.StartFailed(nil, "%s", r.describe("process failed to start"))
	case r.Error == ErrorConnectFailed:
		return runerr.ConnectFailed(nil, "%s", r.describe("connection failed"))
	case r.Error == ErrorCrashed || r.ExitStatus == ExitCrashed:
		return runerr.CrashExit("%s", r.describe(fmt.Sprintf("process crashed (exit code %d)", r.ExitCode)))
	default:
		return nil
	}
}

func (r Result) describe(fallback string) string {
	if r.ErrorString != "" {
		return r.ErrorString
	}
	return fallback
}

// EventKind discriminates Event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventReadyRead
	EventDone
)

// Event is one notification from a running process.
type Event struct {
	Kind   EventKind
	PID    int    // EventStarted
	Stdout []byte // EventReadyRead
	Stderr []byte // EventReadyRead
	Result Result // EventDone
}
