package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the driver.
type ErrorCode string

// Discovery and session error codes
const (
	ErrProbeFailure   ErrorCode = "PROBE_FAILURE"
	ErrConnectFailure ErrorCode = "CONNECT_FAILURE"
	ErrNoSession      ErrorCode = "NO_SESSION"
	ErrSessionClosed  ErrorCode = "SESSION_CLOSED"
)

// Evaluation error codes
const (
	ErrCallTimeout          ErrorCode = "CALL_TIMEOUT"
	ErrRemoteException      ErrorCode = "REMOTE_EXCEPTION"
	ErrSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"
	ErrProtocolError        ErrorCode = "PROTOCOL_ERROR"
)

// Control surface error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Session    string    `json:"session,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code. A bare sentinel such as
// NewError(ErrNoSession, "") therefore matches every NO_SESSION error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithSession sets the session key the error belongs to.
func (e *Error) WithSession(key string) *Error {
	e.Session = key
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
