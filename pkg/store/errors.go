package store

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a storage failure so that callers can decide between
// retry and abort without inspecting backend-specific causes.
type ErrorKind int

const (
	// KindNotFound means the requested row does not exist.
	KindNotFound ErrorKind = iota

	// KindConflict means the operation violates a uniqueness or lifecycle
	// constraint (e.g. creating a session whose ID is already taken).
	KindConflict

	// KindCorrupt means a stored row could not be decoded.
	KindCorrupt

	// KindBusy means the backend rejected the operation due to contention;
	// retrying after a short delay is reasonable.
	KindBusy

	// KindIO covers all remaining backend failures.
	KindIO
)

// String returns the kind's name.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCorrupt:
		return "corrupt"
	case KindBusy:
		return "busy"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the storage error type shared by all backends.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op names the failing store operation (e.g. "get session").
	Op string

	// Key identifies the affected row where applicable.
	Key string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds an [Error]. Key may be empty.
func NewError(kind ErrorKind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err is a storage error of kind NotFound.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsConflict reports whether err is a storage error of kind Conflict.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// IsBusy reports whether err is a storage error of kind Busy.
func IsBusy(err error) bool { return hasKind(err, KindBusy) }

func hasKind(err error, kind ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
