// Package errors provides the error taxonomy shared by the tool surface
// and the storage layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to tool callers.
const (
	ErrCodeSessionNotFound = "SessionNotFoundError"
	ErrCodeRunNotFound     = "RunNotFoundError"
	ErrCodeStorageRead     = "StorageReadError"
	ErrCodeStorageWrite    = "StorageWriteError"
	ErrCodeValidation      = "ValidationError"
	ErrCodeUnknown         = "UNKNOWN_ERROR"
)

// AppError carries a stable code alongside the human-readable message so
// callers can branch without parsing strings.
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

// SessionNotFound creates the canonical missing-session error.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("Session %q not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// RunNotFound creates the canonical missing-run error.
func RunNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeRunNotFound,
		Message:    fmt.Sprintf("Run %q not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// StorageRead wraps a failed object-store read.
func StorageRead(key string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageRead,
		Message:    fmt.Sprintf("failed to read %q from storage", key),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StorageWrite wraps a failed object-store write.
func StorageWrite(key string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageWrite,
		Message:    fmt.Sprintf("failed to write %q to storage", key),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Validation creates a validation error for a specific input.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("invalid %s: %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An existing AppError keeps its code and status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeUnknown,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf extracts the stable code from an error, falling back to
// UNKNOWN_ERROR for anything outside the taxonomy.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// IsNotFound reports whether the error is a missing-session or missing-run error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSessionNotFound || appErr.Code == ErrCodeRunNotFound
	}
	return false
}

// IsValidation reports whether the error is a validation error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidation
	}
	return false
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
