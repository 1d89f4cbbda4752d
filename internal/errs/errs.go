// Package errs defines the failure kinds surfaced to clients.
package errs

import (
	"errors"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failure")
	ErrStorage          = errors.New("storage failure")
	ErrRateLimited      = errors.New("rate limited")
)

// Error carries a client-facing message alongside its kind and cause.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func PermissionDenied(message string) *Error { return New(ErrPermissionDenied, message) }
func NotFound(message string) *Error         { return New(ErrNotFound, message) }
func Validation(message string) *Error       { return New(ErrValidation, message) }

func Storage(message string, cause error) *Error {
	return Wrap(ErrStorage, message, cause)
}

// Message returns the text that may be shown to the requesting client.
// Errors that are not *Error fall back to fallback so internals never leak.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
