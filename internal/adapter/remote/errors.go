// Package remote provides the shared error taxonomy and retry loop for calls
// that cross a network boundary to a third-party service.
package remote

import "fmt"

// ErrorType represents the category of error that occurred.
type ErrorType int

const (
	ErrTypeAuthentication ErrorType = iota
	ErrTypeRateLimit
	ErrTypeServiceUnavailable
	ErrTypeInvalidRequest
	ErrTypeTimeout
	ErrTypeNotFound
	ErrTypeUnknown
)

// String returns a human-readable description of the error type.
func (e ErrorType) String() string {
	switch e {
	case ErrTypeAuthentication:
		return "authentication error"
	case ErrTypeRateLimit:
		return "rate limit exceeded"
	case ErrTypeServiceUnavailable:
		return "service unavailable"
	case ErrTypeInvalidRequest:
		return "invalid request"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeNotFound:
		return "not found"
	default:
		return "unknown error"
	}
}

// Error represents a remote call failure with retry context.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Retryable  bool
	Service    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s (status: %d)", e.Service, e.Type.String(), e.Message, e.StatusCode)
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// FromStatusCode maps an HTTP status to a remote error with retry semantics.
func FromStatusCode(service string, status int, message string) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Type: ErrTypeAuthentication, Message: message, StatusCode: status, Retryable: false, Service: service}
	case status == 404:
		return &Error{Type: ErrTypeNotFound, Message: message, StatusCode: status, Retryable: false, Service: service}
	case status == 429:
		return &Error{Type: ErrTypeRateLimit, Message: message, StatusCode: status, Retryable: true, Service: service}
	case status >= 500:
		return &Error{Type: ErrTypeServiceUnavailable, Message: message, StatusCode: status, Retryable: true, Service: service}
	case status >= 400:
		return &Error{Type: ErrTypeInvalidRequest, Message: message, StatusCode: status, Retryable: false, Service: service}
	default:
		return &Error{Type: ErrTypeUnknown, Message: message, StatusCode: status, Retryable: false, Service: service}
	}
}

// NewTimeoutError creates a retryable transport-level error.
func NewTimeoutError(service, message string) *Error {
	return &Error{Type: ErrTypeTimeout, Message: message, Retryable: true, Service: service}
}
