package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrEmptyResponse  ErrorType = "empty_response_error"
	ErrMalformed      ErrorType = "malformed_response_error"
)

// Error represents a failed Gemini call.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Status     string    `json:"status,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s: %s (status: %s)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("gemini: %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI, ErrEmptyResponse:
		return true
	default:
		return false
	}
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return fromAPIError(*apiErrPtr, err)
	}
	return &Error{Type: ErrAPI, Message: err.Error(), cause: err}
}

func fromAPIError(apiErr genai.APIError, cause error) *Error {
	return &Error{
		Type:       errorTypeFromStatus(apiErr.Code),
		Message:    apiErr.Message,
		StatusCode: apiErr.Code,
		Status:     apiErr.Status,
		cause:      cause,
	}
}

func errorTypeFromStatus(code int) ErrorType {
	switch {
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		return ErrInvalidRequest
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuthentication
	case code == http.StatusTooManyRequests:
		return ErrRateLimit
	case code == http.StatusServiceUnavailable || code == 529:
		return ErrOverloaded
	default:
		return ErrAPI
	}
}
