package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeQueue      ErrorType = "queue"
	ErrorTypeProvider   ErrorType = "provider"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"` // Original error, not serialized
	HTTPStatus    int                    `json:"-"` // HTTP status code for API responses
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ToJSON converts the error to JSON format
func (e *AppError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: getDefaultHTTPStatus(errorType),
	}
}

// NewAppErrorWithCause creates a new application error with an underlying cause
func NewAppErrorWithCause(errorType ErrorType, code, message string, cause error) *AppError {
	err := NewAppError(errorType, code, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// WithCorrelationID adds a correlation ID to the error
func (e *AppError) WithCorrelationID(correlationID string) *AppError {
	e.CorrelationID = correlationID
	return e
}

// WithDetails adds additional details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithHTTPStatus sets a custom HTTP status code
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// getDefaultHTTPStatus returns the default HTTP status for an error type.
// Validation failures map to 422: the request was well-formed JSON but its
// content broke a boundary rule.
func getDefaultHTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(field, message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message).
		WithMetadata("field", field)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithMetadata("resource", resource)
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeInternal, "INTERNAL_ERROR", message, cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeDatabase, "DATABASE_ERROR",
		fmt.Sprintf("Database operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewQueueError creates a retry queue error
func NewQueueError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeQueue, "QUEUE_ERROR",
		fmt.Sprintf("Queue operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewProviderError creates a channel provider error
func NewProviderError(channel string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeProvider, "PROVIDER_ERROR",
		fmt.Sprintf("Channel delivery failed: %s", channel), cause).
		WithMetadata("channel", channel)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("Operation timed out: %s", operation)).
		WithMetadata("operation", operation).
		WithMetadata("timeout", timeout.String())
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetErrorType returns the error type if it's an AppError
func GetErrorType(err error) (ErrorType, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type, true
	}
	return "", false
}

// GetCorrelationID extracts correlation ID from an error
func GetCorrelationID(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.CorrelationID
	}
	return ""
}
