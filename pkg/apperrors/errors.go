package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	// ErrAuthExpired signals that the session could not be recovered: the
	// token refresh failed, or a replayed request was rejected again. The
	// user has to log in again.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrLoadFailed signals that a read (collection or detail fetch) failed
	// for a non-auth reason. The caller may retry manually.
	ErrLoadFailed = errors.New("load failed")

	// ErrMutationFailed signals that a create/update/delete call failed.
	// No local state was changed.
	ErrMutationFailed = errors.New("mutation failed")

	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

// AppError represents a structured application error with the HTTP status
// that produced it (0 when the failure never reached the server).
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// AuthExpired creates the error surfaced when the session is beyond repair.
func AuthExpired(message string) *AppError {
	return &AppError{
		Code:    "AUTH_EXPIRED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrAuthExpired,
	}
}

// LoadFailed wraps a failed fetch with a human-readable message.
func LoadFailed(resource string, err error) *AppError {
	return &AppError{
		Code:    "LOAD_FAILED",
		Message: fmt.Sprintf("could not load %s", resource),
		Err:     fmt.Errorf("%w: %w", ErrLoadFailed, err),
	}
}

// MutationFailed wraps a failed create/update/delete.
func MutationFailed(op, resource string, err error) *AppError {
	return &AppError{
		Code:    "MUTATION_FAILED",
		Message: fmt.Sprintf("could not %s %s", op, resource),
		Err:     fmt.Errorf("%w: %w", ErrMutationFailed, err),
	}
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error. This is the raw transport condition;
// the session layer converts it into AuthExpired once recovery is exhausted.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// IsAuthExpired reports whether err indicates the session has ended.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// StatusOf returns the HTTP status recorded on the error, or 0 if none.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}
