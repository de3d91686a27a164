// Package cerrors defines the tagged error values used across Catalyst.
//
// Every fallible operation returns an error carrying a stable code. Callers
// branch on the code (or the retryable flag), never on the message text.
// Infra-vs-domain is a flag on the value, not a type hierarchy.
package cerrors

import (
	"errors"
	"fmt"
)

// Stable error codes. Domain codes describe caller-visible invariant
// violations; infra codes describe transient upstream failures.
const (
	CodeNotFound      = "not_found"
	CodeDuplicateID   = "duplicate_id"
	CodeDuplicateHash = "duplicate_hash"
	CodeValidation    = "validation_error"
	CodeConflict      = "conflict"

	CodeUpstream = "upstream_error"
	CodeTimeout  = "timeout"

	// IdP translation failures.
	CodeTokenResponseIncomplete = "TOKEN_RESPONSE_INCOMPLETE"
	CodeProfileIncomplete       = "AUTHENTIK_PROFILE_INCOMPLETE"
)

// Error is a coded error value.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause records the underlying error and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// New creates a domain error with the given code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not_found error for an entity/key pair.
func NotFound(entity, key string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: entity + " not found: " + key,
	}
}

// Infra creates a retryable-aware infrastructure error.
func Infra(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// Upstream wraps an upstream failure as a retryable infra error.
func Upstream(message string, cause error) *Error {
	return &Error{Code: CodeUpstream, Message: message, Retryable: true, cause: cause}
}

// Code returns the code of err, or "" if err carries none.
func Code(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return Code(err) == code
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsRetryable reports whether err is marked safe to retry.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
