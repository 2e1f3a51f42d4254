// Package errors provides coded application errors shared by every layer.
// Codes are stable strings so handlers can map them to transport status
// codes without string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeDuplicateAction = "DUPLICATE_ACTION"
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternal        = "INTERNAL"
)

// Error is an application error with a stable code and a user-facing message.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %v not found", resource, id)}
}

// Conflict reports an operation rejected because of the resource's current state.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Duplicate reports a benign repeat of an already-recorded action.
func Duplicate(message string) *Error {
	return &Error{Code: ErrCodeDuplicateAction, Message: message}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf returns the code of an application error, or ErrCodeInternal for
// any other error.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf returns the user-facing message of an application error, or a
// generic message for any other error.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
