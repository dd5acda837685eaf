package chat

import (
	"errors"
	"fmt"
)

// Error codes surfaced to clients in error frames.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalidState    = "invalid_state"
	CodeStorage         = "storage"
)

// Error is an operation failure. Message is safe to show to the caller; Err,
// when set, is the internal cause and is never sent over the wire.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrForbidden       = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidState    = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrStorage         = &Error{Code: CodeStorage, Message: "storage error"}
)

func invalidArgument(msg string) error { return &Error{Code: CodeInvalidArgument, Message: msg} }
func forbidden(msg string) error       { return &Error{Code: CodeForbidden, Message: msg} }
func notFound(msg string) error        { return &Error{Code: CodeNotFound, Message: msg} }
func invalidState(msg string) error    { return &Error{Code: CodeInvalidState, Message: msg} }

// storageError hides the driver error behind a generic message.
func storageError(op string, err error) error {
	return &Error{Code: CodeStorage, Message: "internal storage error", Err: fmt.Errorf("%s: %w", op, err)}
}

// AsError converts any error to an *Error. Errors that are not already
// operation errors are treated as storage failures.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeStorage, Message: "internal storage error", Err: err}
}
