/*
Package apperr is the error taxonomy shared by the RPC surface, the ledger
and the scheduled jobs.

ERROR CATEGORIES:
  1. Validation errors      - malformed/missing input, never retried
  2. Authentication errors  - no caller identity
  3. Transient store errors - contention that survived retries, retryable
  4. State errors           - not found, already exists, failed precondition

USAGE:
  Services return *apperr.Error (or wrap a sentinel); the api package maps
  the Code to an HTTP status. Scheduled jobs only log these.

    if apperr.IsRetryable(err) {
        // safe to call again, nothing was fabricated
    }
*/
package apperr

import (
	"errors"
	"fmt"
)

// Code is the wire name of an error class.
type Code string

const (
	CodeInvalidArgument    Code = "invalid-argument"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeNotFound           Code = "not-found"
	CodeAlreadyExists      Code = "already-exists"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrUnavailable marks a transient failure: the operation may succeed if
	// called again.
	ErrUnavailable = errors.New("unavailable")

	ErrInternal = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeInvalidArgument:    ErrInvalidArgument,
	CodeUnauthenticated:    ErrUnauthenticated,
	CodeNotFound:           ErrNotFound,
	CodeAlreadyExists:      ErrAlreadyExists,
	CodeFailedPrecondition: ErrFailedPrecondition,
	CodeUnavailable:        ErrUnavailable,
	CodeInternal:           ErrInternal,
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error carries a code, a caller-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Field   string // offending input field, validation errors only
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Is makes errors.Is(err, apperr.ErrNotFound) work for coded errors.
func (e *Error) Is(target error) bool {
	return sentinels[e.Code] == target
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidField is a validation error for one input field.
func InvalidField(field, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf returns the code of err, CodeInternal when it has none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeUnauthenticated, CodeNotFound, CodeAlreadyExists, CodeFailedPrecondition:
		return true
	}
	return false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
