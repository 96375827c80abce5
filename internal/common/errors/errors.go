// Package errors provides the domain error taxonomy for the Relay service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeResourceNotFound    = "RESOURCE_NOT_FOUND"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeRuntimeUnavailable  = "RUNTIME_UNAVAILABLE"
	ErrCodeRuntimeActionFailed = "RUNTIME_ACTION_FAILED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
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

// NotFound creates a new not found error for a top-level record
// (conversation, start task).
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ResourceNotFound creates an error for a missing sub-resource, such as a
// diff path or a named runtime host.
func ResourceNotFound(message string) *AppError {
	return &AppError{
		Code:       ErrCodeResourceNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// Unauthorized creates a new unauthorized error (session key mismatch on a
// claimed conversation).
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Validation creates a new validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error. The conversation store raises this
// on optimistic-concurrency failures.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// RuntimeUnavailable creates an error for transport failures, timeouts, or
// gateway 5xx/404 responses while talking to the runtime.
func RuntimeUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRuntimeUnavailable,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// RuntimeActionFailed creates an error for a domain-level failure the gateway
// reported for a specific action (e.g. file-open failure).
func RuntimeActionFailed(action string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeRuntimeActionFailed,
		Message:    fmt.Sprintf("runtime action '%s' failed: %s", action, message),
		HTTPStatus: http.StatusBadGateway,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error (record or sub-resource).
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || hasCode(err, ErrCodeResourceNotFound)
}

// IsUnauthorized checks if the error is an unauthorized error.
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsConflict checks if the error is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsRuntimeUnavailable checks if the error indicates the runtime could not
// be reached.
func IsRuntimeUnavailable(err error) bool {
	return hasCode(err, ErrCodeRuntimeUnavailable)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
