// Package errors carries the realtime error taxonomy. Coordinator
// components return *Error; the gateway turns them into client-visible
// error / call:error events and the HTTP endpoints into JSON responses.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error represents a coordinator error with a stable machine-readable code
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unauthenticated creates an UNAUTHENTICATED error (connect-time auth failures)
func Unauthenticated(message string) *Error {
	return &Error{Code: CodeUnauthenticated, Message: message}
}

// Forbidden creates a FORBIDDEN error (not a participant, or self-referential accept/reject)
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

// NotFound creates a NOT_FOUND error
func NotFound(resource string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// InvalidState creates an INVALID_STATE error for illegal state-machine transitions
func InvalidState(message string) *Error {
	return &Error{Code: CodeInvalidState, Message: message}
}

// InvalidSignaling creates an INVALID_SIGNALING_PAYLOAD error
func InvalidSignaling(message string) *Error {
	return &Error{Code: CodeInvalidSignaling, Message: message}
}

// RateLimited creates a RATE_LIMITED error
func RateLimited(message string) *Error {
	if message == "" {
		message = "rate limit exceeded"
	}
	return &Error{Code: CodeRateLimited, Message: message}
}

// InvalidTopology creates an INVALID_CHAT_TOPOLOGY error (calls require a direct chat)
func InvalidTopology(message string) *Error {
	return &Error{Code: CodeInvalidTopology, Message: message}
}

// BadRequest creates a BAD_REQUEST error for malformed event payloads
func BadRequest(message string) *Error {
	return &Error{Code: CodeBadRequest, Message: message}
}

// Internal creates an INTERNAL_ERROR, used when a primary persistence
// mutation fails and the in-memory transition is withheld
func Internal(message string) *Error {
	return &Error{Code: CodeInternal, Message: message}
}

// As extracts an *Error from an error chain
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code for err, defaulting to INTERNAL_ERROR
// for untyped errors so nothing leaks raw internals to clients.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
