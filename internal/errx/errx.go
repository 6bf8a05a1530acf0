// Package errx provides the AppError type used to carry a status code and a
// safe message alongside the underlying cause of a remote call failure.
package errx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// BackendErrorMessage describes failed calls to the backend API.
const BackendErrorMessage = "backend request failed"

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("%s (status %d): %v", e.Message, e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// FromResponse builds an AppError for a non-2xx response. The body is
// trimmed and truncated so it can be logged safely.
func FromResponse(status int, body []byte, message string) *AppError {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256] + "..."
	}
	var cause error
	if text != "" {
		cause = errors.New(text)
	}
	return New(cause, status, message)
}

// StatusOf returns the status carried by the first AppError in err's chain,
// or 0 when there is none.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// IsNotFound reports whether err carries a 404 status.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// IsRetryable reports whether err carries a status worth retrying
// (429 or any 5xx).
func IsRetryable(err error) bool {
	s := StatusOf(err)
	return s == http.StatusTooManyRequests || s >= http.StatusInternalServerError
}
