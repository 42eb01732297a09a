// Package apperr defines the error taxonomy shared by all services.
// Every failure that crosses a service boundary carries one of the codes
// below so the transport layer can map it without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of an Error.
type Code string

const (
	CodeValidation     Code = "VALIDATION"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeForbidden      Code = "FORBIDDEN"
	CodeStepUpRequired Code = "STEP_UP_REQUIRED"
	CodeConflict       Code = "CONFLICT"
	CodeCorruption     Code = "CORRUPTION"
	CodeInternal       Code = "INTERNAL"
)

// Error is a code-carrying error. Wrapped causes are preserved for
// errors.Is/As but the code of the outermost Error wins.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound reports a missing resource by kind and id.
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", kind, id)
}

// InvalidInput reports a malformed field value.
func InvalidInput(field, message string) *Error {
	return Newf(CodeValidation, "invalid %s: %s", field, message)
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal when err carries no code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
