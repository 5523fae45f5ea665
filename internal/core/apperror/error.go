// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All business errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Validation errors (400)
	CodeValidation         = "VALIDATION_ERROR"
	CodePreconditionFailed = "PRECONDITION_FAILED"

	// Business rule violations (422)
	CodeBusinessRule          = "BUSINESS_RULE_VIOLATION"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeInconsistentReference = "INCONSISTENT_REFERENCE"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict               = "CONFLICT"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeIdempotency            = "IDEMPOTENCY_CONFLICT"
)

// AppError is the standard error type for the engine.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (ids, statuses, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewPreconditionFailed is returned to operators when an explicit action
// is not allowed in the current business state (400). Nothing is changed.
func NewPreconditionFailed(message string) *AppError {
	return &AppError{
		Code:       CodePreconditionFailed,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewBusinessRule creates a business rule violation error (422)
func NewBusinessRule(code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewInvalidTransition reports an edge missing from the status table.
func NewInvalidTransition(transition, from string) *AppError {
	return &AppError{
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("transition %q is not allowed from status %q", transition, from),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"transition": transition, "from": from},
	}
}

// NewInconsistentReference reports an event pointing at an entity
// of another domain that cannot be resolved.
func NewInconsistentReference(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeInconsistentReference,
		Message:    fmt.Sprintf("referenced %s cannot be resolved", entity),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewConcurrentModification creates an optimistic locking error
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeConcurrentModification,
		Message:    "Record was modified concurrently. Retry the operation.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewIdempotencyConflict creates error when operation is already in progress
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotency,
		Message:    "Operation already in progress",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsConcurrentModification checks if error is CodeConcurrentModification
func IsConcurrentModification(err error) bool { return HasCode(err, CodeConcurrentModification) }

// IsPreconditionFailed checks if error is CodePreconditionFailed
func IsPreconditionFailed(err error) bool { return HasCode(err, CodePreconditionFailed) }

// IsValidation checks if error is CodeValidation
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// IsInconsistentReference checks if error is CodeInconsistentReference
func IsInconsistentReference(err error) bool { return HasCode(err, CodeInconsistentReference) }

// IsIdempotencyConflict checks if error is CodeIdempotency
func IsIdempotencyConflict(err error) bool { return HasCode(err, CodeIdempotency) }

// IsRetryable reports whether redelivering the triggering message may succeed.
// Unknown errors (driver, network) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	appErr, ok := AsAppError(err)
	if !ok {
		return true
	}
	switch appErr.Code {
	case CodeConcurrentModification, CodeIdempotency, CodeInternal, CodeDatabase:
		return true
	}
	return false
}
