package apperror

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// ToEchoError converts the app error to an echo.HTTPError for proper handling
func (e *Error) ToEchoError() *echo.HTTPError {
	errBody := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		errBody["details"] = e.Details
	}
	return echo.NewHTTPError(e.HTTPStatus, map[string]any{
		"error": errBody,
	})
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions
var (
	// Authentication errors
	ErrUnauthorized  = New(http.StatusUnauthorized, "unauthorized", "Authentication required")
	ErrInvalidAPIKey = New(http.StatusUnauthorized, "invalid_api_key", "Invalid API key")

	// Resource errors
	ErrNotFound        = New(http.StatusNotFound, "not_found", "Resource not found")
	ErrProjectNotFound = New(http.StatusNotFound, "project_not_found", "Project not found")
	ErrSourceNotFound  = New(http.StatusNotFound, "source_not_found", "Source not found")
	ErrConflict        = New(http.StatusConflict, "conflict", "Resource already exists")

	// Validation errors
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrValidation = New(http.StatusUnprocessableEntity, "validation_error", "Validation failed")

	// Capacity errors
	ErrQueueFull      = New(http.StatusServiceUnavailable, "queue_full", "Request queue is at capacity")
	ErrRequestTimeout = New(http.StatusGatewayTimeout, "request_timeout", "Timed out waiting for a response")
	ErrRateLimited    = New(http.StatusTooManyRequests, "rate_limited", "Too many requests")

	// Server errors
	ErrInternal = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
	ErrDatabase = New(http.StatusInternalServerError, "database_error", "Database operation failed")
)

// APIError describes a failure reported by a remote API (LLM provider,
// embedding service, scraper). Kind partitions failures into retry classes.
type APIError struct {
	Kind    APIErrorKind
	Status  int
	Message string
}

// APIErrorKind classifies remote API failures.
type APIErrorKind string

const (
	APIErrorRateLimit      APIErrorKind = "rate_limit"
	APIErrorServer         APIErrorKind = "server"
	APIErrorInvalidRequest APIErrorKind = "invalid_request"
	APIErrorAuth           APIErrorKind = "auth"
	APIErrorTimeout        APIErrorKind = "timeout"
	APIErrorNetwork        APIErrorKind = "network"
)

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api error (%s, status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("api error (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether the failure class is worth retrying.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case APIErrorRateLimit, APIErrorServer, APIErrorTimeout, APIErrorNetwork:
		return true
	}
	return false
}

// NewAPIError builds an APIError from an HTTP status code.
func NewAPIError(status int, message string) *APIError {
	kind := APIErrorInvalidRequest
	switch {
	case status == http.StatusTooManyRequests:
		kind = APIErrorRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = APIErrorAuth
	case status >= 500:
		kind = APIErrorServer
	}
	return &APIError{Kind: kind, Status: status, Message: message}
}

// ToHTTPError converts an app error to an HTTP-friendly format
func ToHTTPError(err error) (int, map[string]any) {
	if appErr, ok := err.(*Error); ok {
		errBody := map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if len(appErr.Details) > 0 {
			errBody["details"] = appErr.Details
		}
		return appErr.HTTPStatus, map[string]any{
			"error": errBody,
		}
	}

	// Default to internal server error for unknown errors
	return http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":    "internal_error",
			"message": "An internal error occurred",
		},
	}
}

// NewBadRequest creates a bad request error with a custom message
func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}
