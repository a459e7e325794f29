// Package errs defines the error taxonomy of the test event pipeline.
//
// Every pipeline error is an *Error carrying a Kind. Kinds are themselves errors, so
// callers can match with errors.Is:
//
//	if errors.Is(err, errs.FrameworkUnavailable) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind int

const (
	// FrameworkUnavailable: the probe could not locate the test runtime. Fatal, pre-run.
	FrameworkUnavailable Kind = iota + 1
	// DispatchQueueFailure: a downstream stage rejected or crashed on a notification.
	DispatchQueueFailure
	// MalformedEventSequence: a terminal event arrived without an open Started.
	MalformedEventSequence
	// ExecutorFailure: the executor failed while running a class.
	ExecutorFailure
)

func (k Kind) String() string {
	switch k {
	case FrameworkUnavailable:
		return "framework unavailable"
	case DispatchQueueFailure:
		return "dispatch queue failure"
	case MalformedEventSequence:
		return "malformed event sequence"
	case ExecutorFailure:
		return "executor failure"
	default:
		return "unknown"
	}
}

// Error implements error so a Kind can be the target of errors.Is.
func (k Kind) Error() string {
	return k.String()
}

// Class describes how the pipeline handles an error of a given kind.
type Class int

const (
	// Fatal errors abort the run and are surfaced to the caller.
	Fatal Class = iota
	// Recoverable errors are converted into events and the run continues.
	Recoverable
	// Dropped errors are logged and the offending notification is discarded.
	Dropped
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Recoverable:
		return "recoverable"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Class returns the default handling class for k.
func (k Kind) Class() Class {
	switch k {
	case FrameworkUnavailable, DispatchQueueFailure:
		return Fatal
	case ExecutorFailure:
		return Recoverable
	case MalformedEventSequence:
		return Dropped
	default:
		return Fatal
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New wraps err as an error of kind k raised by op. A nil err is allowed.
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Newf builds an error of kind k from a format string.
func Newf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err should abort the run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	if k == 0 {
		return false
	}
	return k.Class() == Fatal
}
