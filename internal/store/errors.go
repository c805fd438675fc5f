package store

import (
	"errors"
	"fmt"
)

// ErrClosed reports an operation against a provider whose connection has
// been closed.
var ErrClosed = errors.New("store: connection closed")

// ErrorKind classifies storage failures.
type ErrorKind int

const (
	// KindConnection covers closed or unreachable backends.
	KindConnection ErrorKind = iota

	// KindQuery covers backend I/O and execution failures.
	KindQuery

	// KindTimeout covers an exceeded execution-time budget on the backend.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	default:
		return "query"
	}
}

// Error is the storage failure surfaced to callers. The caller-facing
// message stays generic; Err carries the backend detail for debug output.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("store: %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a backend failure.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a storage error.
func IsStorageError(err error) bool {
	var serr *Error
	return errors.As(err, &serr)
}

// IsTimeout reports whether err is a storage error of the timeout kind.
func IsTimeout(err error) bool {
	var serr *Error
	return errors.As(err, &serr) && serr.Kind == KindTimeout
}

// NotProvisionedError reports a reference to a group, sensor or reading
// type that is absent where presence is required. Reported, never fatal.
type NotProvisionedError struct {
	Entity string
	ID     int
}

func (e *NotProvisionedError) Error() string {
	return fmt.Sprintf("store: %s %d is not provisioned", e.Entity, e.ID)
}

// IsNotProvisioned reports whether err is a not-provisioned error.
func IsNotProvisioned(err error) bool {
	var nerr *NotProvisionedError
	return errors.As(err, &nerr)
}
