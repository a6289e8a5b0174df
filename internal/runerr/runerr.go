// Package runerr defines the error taxonomy shared by the run-session engine
// and the execution backends.
package runerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is an error that did not originate in this module.
	KindUnknown Kind = iota

	// KindConfig is an invalid worker registration or dependency graph use.
	KindConfig

	// KindConnectFailed means a shared connection, container or remote
	// endpoint could not be reached.
	KindConnectFailed

	// KindStartFailed means a process failed to spawn or the pid marker
	// never arrived.
	KindStartFailed

	// KindCrashExit means a process started but exited abnormally.
	KindCrashExit

	// KindTimeout is a start or stop watchdog expiry.
	KindTimeout
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config_error"
	case KindConnectFailed:
		return "connect_failed"
	case KindStartFailed:
		return "start_failed"
	case KindCrashExit:
		return "crash_exit"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrConfig        = &Error{Kind: KindConfig}
	ErrConnectFailed = &Error{Kind: KindConnectFailed}
	ErrStartFailed   = &Error{Kind: KindStartFailed}
	ErrCrashExit     = &Error{Kind: KindCrashExit}
	ErrTimeout       = &Error{Kind: KindTimeout}
)

// Error is a classified failure carrying a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind. Sentinels carry
// no message, so only the kind is compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Config creates a configuration error.
func Config(format string, args ...any) *Error {
	return newf(KindConfig, format, args...)
}

// ConnectFailed creates a connection error wrapping cause.
func ConnectFailed(cause error, format string, args ...any) *Error {
	e := newf(KindConnectFailed, format, args...)
	e.Cause = cause
	return e
}

// StartFailed creates a start error wrapping cause.
func StartFailed(cause error, format string, args ...any) *Error {
	e := newf(KindStartFailed, format, args...)
	e.Cause = cause
	return e
}

// CrashExit creates an abnormal-exit error.
func CrashExit(format string, args ...any) *Error {
	return newf(KindCrashExit, format, args...)
}

// Timeout creates a watchdog expiry error.
func Timeout(format string, args ...any) *Error {
	return newf(KindTimeout, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
