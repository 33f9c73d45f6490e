package store

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable failure code. These are part of the wire
// contract: the HTTP layer maps them to status codes and clients switch on
// them.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodePrecondition Code = "PRECONDITION_FAILED"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is the single error type surfaced by the storage service and its
// adapters. Message is safe for clients; Cause carries the backend diagnostic
// and is retained for logging only.
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

// Invalid builds a VALIDATION_ERROR.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// PreconditionFailed builds a PRECONDITION_FAILED error.
func PreconditionFailed(format string, args ...any) *Error {
	return &Error{Code: CodePrecondition, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an UNAUTHORIZED error.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a backend failure as INTERNAL_ERROR. The cause never reaches
// the public message.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the stable code from an error chain, defaulting to
// INTERNAL_ERROR for anything unrecognised.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsPrecondition reports whether err is a precondition failure.
func IsPrecondition(err error) bool {
	return CodeOf(err) == CodePrecondition
}
