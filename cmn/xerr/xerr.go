// Package xerr defines the error kinds of spec §7. Unlike the C
// original's `cx_err_t{code, desc}` pair passed through an optional
// out-pointer, errors here are ordinary Go values: nil means success,
// everything else is an *Error carrying a Kind and a stable Code so
// that §6's exit-code contract ("non-zero equal to the first err.code
// raised during initialization") and the scheduler's Blocked/Resource
// interception (§7) can switch on Kind without string matching.
package xerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindProgrammer
	KindConfig
	KindMemoryFull
	KindMemoryBlocked
	KindTableBlocked
	KindQuantumExhausted
	KindKeyNotFound
	KindTableNotFound
	KindTableAlreadyExists
	KindNetLfsUnavailable
	KindNetMemUnavailable
	KindNetUnavailable
	KindBufferFull
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindProgrammer:
		return "programmer error"
	case KindConfig:
		return "configuration error"
	case KindMemoryFull:
		return "memory full"
	case KindMemoryBlocked:
		return "memory blocked"
	case KindTableBlocked:
		return "table blocked"
	case KindQuantumExhausted:
		return "quantum exhausted"
	case KindKeyNotFound:
		return "key not found"
	case KindTableNotFound:
		return "table not found"
	case KindTableAlreadyExists:
		return "table already exists"
	case KindNetLfsUnavailable:
		return "lfs unavailable"
	case KindNetMemUnavailable:
		return "mem unavailable"
	case KindNetUnavailable:
		return "net unavailable"
	case KindBufferFull:
		return "outbound buffer full"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Error is the value stored in task.Task.Err. Code is the wire-level
// status carried in every response packet tail (§4.9); it is a small
// positive int derived deterministically from Kind so both ends of the
// protocol agree on it without a shared registry.
type Error struct {
	Kind  Kind
	Code  uint32
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a fresh kinded error, wrapping `cause` (nil allowed) with
// a stack trace via pkg/errors so programmer-error panics recovered at
// the task-scheduler boundary retain a trace for the log.
func New(kind Kind, cause error) *Error {
	if cause != nil {
		cause = pkgerrors.WithStack(cause)
	}
	return &Error{Kind: kind, Code: uint32(kind), cause: cause}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, or KindNone if err isn't an *Error.
func KindOf(err error) Kind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return KindNone
}

// Blocked reports whether err is one of the *Blocked kinds that the
// scheduler intercepts and re-queues rather than surfacing (§7, §4.4).
func Blocked(err error) bool {
	switch KindOf(err) {
	case KindMemoryBlocked, KindTableBlocked, KindQuantumExhausted:
		return true
	default:
		return false
	}
}
