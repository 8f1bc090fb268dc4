// Package errors provides the application error taxonomy shared by the
// HTTP API, the authorization hooks, and the orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds.
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeCommandFailed        = "COMMAND_FAILED"
	ErrCodeTransportClosed      = "TRANSPORT_CLOSED"
	ErrCodeExecutorUnresponsive = "EXECUTOR_UNRESPONSIVE"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// AppError carries an error kind, a human-readable message, and the HTTP
// status the API layer maps it to.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidInput is a validation failure. The API layer fails fast with 400.
func InvalidInput(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Unauthenticated means the token is missing, malformed, or expired.
func Unauthenticated(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthenticated, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Forbidden means the caller's permission rank is too low, or the request
// tries to change an immutable session field.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message, HTTPStatus: http.StatusForbidden}
}

// Timeout covers RPC, stop-ACK, stop-complete, permission, and socket waits.
func Timeout(message string) *AppError {
	return &AppError{Code: ErrCodeTimeout, Message: message, HTTPStatus: http.StatusGatewayTimeout}
}

// CommandFailed wraps a non-zero subprocess exit.
func CommandFailed(message string, err error) *AppError {
	return &AppError{Code: ErrCodeCommandFailed, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// TransportClosed means the peer disconnected while a request was pending.
func TransportClosed(message string) *AppError {
	return &AppError{Code: ErrCodeTransportClosed, Message: message, HTTPStatus: http.StatusBadGateway}
}

// ExecutorUnresponsive means a stop ACK never arrived and the executor was
// force-stopped.
func ExecutorUnresponsive(message string) *AppError {
	return &AppError{Code: ErrCodeExecutorUnresponsive, Message: message, HTTPStatus: http.StatusBadGateway}
}

// Conflict is an attempt to change an immutable field or violate a
// uniqueness constraint.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// NotFound reports a missing session, worktree, task, or user.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the status code for an error, 500 when unclassified.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
