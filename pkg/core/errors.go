package core

import (
	"fmt"
	"net/http"
)

// Error is the canonical error shape crossing component boundaries.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors. The split between auth, admission,
// rate-limit and pipeline failures is part of the wire contract: clients
// react differently to each.
type ErrorType string

const (
	ErrAuth              ErrorType = "auth_error"
	ErrAdmissionRejected ErrorType = "admission_rejected"
	ErrRateLimited       ErrorType = "rate_limited"
	ErrPipelineTimeout   ErrorType = "pipeline_timeout"
	ErrPipeline          ErrorType = "pipeline_error"
	ErrTransportClosed   ErrorType = "transport_closed"
	ErrInvalidRequest    ErrorType = "invalid_request"
	ErrUnavailable       ErrorType = "unavailable"
)

// NewAuthError creates an authentication error.
func NewAuthError(message string) *Error {
	return &Error{Type: ErrAuth, Message: message}
}

// NewAdmissionRejected creates a concurrency-slot rejection.
func NewAdmissionRejected(message string) *Error {
	retryAfter := 1
	return &Error{Type: ErrAdmissionRejected, Message: message, RetryAfter: &retryAfter}
}

// NewRateLimited creates a per-window rejection.
func NewRateLimited(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimited, Message: message, RetryAfter: &retryAfter}
}

// NewPipelineTimeout creates a deadline-exceeded pipeline error.
func NewPipelineTimeout(message string) *Error {
	return &Error{Type: ErrPipelineTimeout, Message: message}
}

// NewPipelineError creates a terminal pipeline failure.
func NewPipelineError(message string) *Error {
	return &Error{Type: ErrPipeline, Message: message}
}

// NewTransportClosed signals the peer went away. Never user-visible.
func NewTransportClosed(message string) *Error {
	return &Error{Type: ErrTransportClosed, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewUnavailableError creates a transient upstream failure.
func NewUnavailableError(message string) *Error {
	return &Error{Type: ErrUnavailable, Message: message}
}

// IsRetryable reports whether an operation that returned this error may be
// re-attempted by the call wrapper.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimited, ErrUnavailable, ErrPipelineTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error type onto a status code for the plain HTTP
// surfaces (rejected upgrades, SSE preflight, health).
func HTTPStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrAdmissionRejected, ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrPipelineTimeout:
		return http.StatusGatewayTimeout
	case ErrPipeline, ErrUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
