// Package errors implements the error-kind taxonomy used across the core:
// Configuration, Input, Bus, Executor, Resource, Internal. Kinds are
// sentinel-wrapped so callers can classify with errors.Is/errors.As while
// call sites still use fmt.Errorf("...: %w", err) to add context, matching
// the wrapping idiom used throughout the teacher's cmd/pulse package.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy purposes (spec §7).
type Kind int

const (
	// KindConfiguration covers invalid/unparseable setup or a missing
	// required option. Fatal at startup.
	KindConfiguration Kind = iota
	// KindInput covers a malformed event, unknown source kind, or
	// out-of-range field. The offending event is dropped; detectors continue.
	KindInput
	// KindBus covers subscribe/publish failure or backpressure overflow.
	KindBus
	// KindExecutor covers action timeout, rejection, or failure.
	KindExecutor
	// KindResource covers queue-full, buffer-exhausted, or limit-exceeded
	// conditions.
	KindResource
	// KindInternal covers invariant violations and unreachable states.
	// Fatal at startup. Once the pipeline is running, a handler error or
	// recovered panic of this kind ends the dispatcher's Run, and the
	// supervisor restarts the dispatcher.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInput:
		return "input"
	case KindBus:
		return "bus"
	case KindExecutor:
		return "executor"
	case KindResource:
		return "resource"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "dispatcher.submit"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a taxonomy-tagged error from a format string, mirroring
// fmt.Errorf for call sites that have no underlying error to wrap.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// was not produced by this package.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Join mirrors errors.Join so call sites combining independent failures
// (e.g. shutdown-then-close, as in the teacher's cmd/pulse/config.go) don't
// need a second import.
func Join(errs ...error) error { return errors.Join(errs...) }
