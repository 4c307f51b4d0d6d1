// Package errors defines the public error taxonomy of the gateway.
//
// Every failure the gateway surfaces to a client maps to one of the kinds
// below; each kind carries a stable JSON-RPC error code so that clients can
// react programmatically (retry, rebuild, back off).
package errors

import (
	"errors"
	"fmt"
)

// Error kinds
const (
	// KindNotFound is returned when no such backend server exists in the project.
	KindNotFound = "not_found"

	// KindUnauthorized is returned when authentication is rejected.
	KindUnauthorized = "unauthorized"

	// KindInitError is returned when a backend handshake fails.
	KindInitError = "init_error"

	// KindTransportGone is returned when a session fails mid-flight.
	KindTransportGone = "transport_gone"

	// KindTimeout is returned when a request deadline is exceeded.
	KindTimeout = "timeout"

	// KindBackpressure is returned when a client channel queue is full.
	KindBackpressure = "backpressure"

	// KindDecryptError is returned when stored ciphertext cannot be recovered.
	KindDecryptError = "decrypt_error"

	// KindInternal is returned for any other internal failure.
	KindInternal = "internal"
)

// JSON-RPC error codes for each kind, as seen on the wire.
const (
	CodeNotFound      = -32001
	CodeInitError     = -32002
	CodeTransportGone = -32003
	CodeTimeout       = -32004
	CodeDecryptError  = -32005
	CodeInternal      = -32603
)

// Error represents an error in the gateway.
type Error struct {
	// Kind is the error kind
	Kind string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// JSONRPCCode returns the JSON-RPC error code for this error's kind.
func (e *Error) JSONRPCCode() int64 {
	switch e.Kind {
	case KindNotFound:
		return CodeNotFound
	case KindInitError:
		return CodeInitError
	case KindTransportGone:
		return CodeTransportGone
	case KindTimeout:
		return CodeTimeout
	case KindDecryptError:
		return CodeDecryptError
	default:
		return CodeInternal
	}
}

// NewError creates a new error
func NewError(kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(KindNotFound, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(KindUnauthorized, message, cause)
}

// NewInitError creates a new handshake failure error
func NewInitError(message string, cause error) *Error {
	return NewError(KindInitError, message, cause)
}

// NewTransportGoneError creates a new mid-session transport failure error
func NewTransportGoneError(message string, cause error) *Error {
	return NewError(KindTransportGone, message, cause)
}

// NewTimeoutError creates a new deadline exceeded error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(KindTimeout, message, cause)
}

// NewBackpressureError creates a new backpressure error
func NewBackpressureError(message string, cause error) *Error {
	return NewError(KindBackpressure, message, cause)
}

// NewDecryptError creates a new decryption failure error
func NewDecryptError(message string, cause error) *Error {
	return NewError(KindDecryptError, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(KindInternal, message, cause)
}

// Kind returns the kind of err, or KindInternal for untyped errors.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code returns the JSON-RPC error code of err, or CodeInternal for
// untyped errors.
func Code(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.JSONRPCCode()
	}
	return CodeInternal
}

func is(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, KindNotFound)
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return is(err, KindUnauthorized)
}

// IsInitError checks if the error is a handshake failure error
func IsInitError(err error) bool {
	return is(err, KindInitError)
}

// IsTransportGone checks if the error is a mid-session transport failure error
func IsTransportGone(err error) bool {
	return is(err, KindTransportGone)
}

// IsTimeout checks if the error is a deadline exceeded error
func IsTimeout(err error) bool {
	return is(err, KindTimeout)
}

// IsBackpressure checks if the error is a backpressure error
func IsBackpressure(err error) bool {
	return is(err, KindBackpressure)
}

// IsDecryptError checks if the error is a decryption failure error
func IsDecryptError(err error) bool {
	return is(err, KindDecryptError)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, KindInternal)
}
