// Package poolerr defines the error kinds every pool implementation and the
// driver shim report, per the allocator's error handling design: OOM is
// recoverable and returned to the caller, state violations are fatal.
package poolerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the four error categories the allocator can surface.
type Kind int

const (
	// OutOfMemory is raised by Alloc only after the full 3-phase ladder.
	OutOfMemory Kind = iota
	// LimitExceeded is driver OOM caused by the configured usage limit;
	// handled identically to OutOfMemory by every caller.
	LimitExceeded
	// InvalidState marks a programming error: deinit with outstanding
	// handles, double-free, or freeing a split block to the driver.
	InvalidState
	// DriverFault is any non-OOM failure from the underlying driver.
	DriverFault
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case LimitExceeded:
		return "LIMIT_EXCEEDED"
	case InvalidState:
		return "INVALID_STATE"
	case DriverFault:
		return "DRIVER_FAULT"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed error every pool operation returns.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a DriverFault (or any other kind) around an existing error,
// preserving the error chain the way github.com/pkg/errors does for the
// rest of the pack.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// OOM is the sentinel comparison helper for the two kinds the ladder treats
// identically (§7: "LIMIT_EXCEEDED is modeled as driver OOM").
func OOM(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Kind == OutOfMemory || perr.Kind == LimitExceeded
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Kind == kind
}
