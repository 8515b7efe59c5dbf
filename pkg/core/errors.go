package core

import (
	"fmt"
)

// Error represents an API error.
type Error struct {
	Type         ErrorType `json:"type"`
	Message      string    `json:"message"`
	Param        string    `json:"param,omitempty"`
	Code         string    `json:"code,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Collaborator string    `json:"collaborator,omitempty"`
	RetryAfter   *int      `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrUpstream       ErrorType = "upstream_error"
)

// Stable error codes. Sentinels below carry them so errors.Is works across wrapping.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeDuplicateSegment  = "duplicate_segment"
	CodeUpstreamFailure   = "upstream_failure"
	CodeScoreOutOfRange   = "score_out_of_range"
	CodeSessionNotFound   = "session_not_found"
	CodeVersionConflict   = "version_conflict"
	CodeUnsupportedFile   = "unsupported_file"
)

var (
	ErrInvalidTransition = &Error{Type: ErrConflict, Code: CodeInvalidTransition, Message: "invalid state transition"}
	ErrDuplicateSegment  = &Error{Type: ErrConflict, Code: CodeDuplicateSegment, Message: "audio segment already accepted"}
	ErrUpstreamFailure   = &Error{Type: ErrUpstream, Code: CodeUpstreamFailure, Message: "external collaborator failed"}
	ErrScoreOutOfRange   = &Error{Type: ErrInvalidRequest, Code: CodeScoreOutOfRange, Message: "score outside category range"}
	ErrSessionNotFound   = &Error{Type: ErrNotFound, Code: CodeSessionNotFound, Message: "session not found"}
	ErrVersionConflict   = &Error{Type: ErrConflict, Code: CodeVersionConflict, Message: "session was modified concurrently"}
	ErrUnsupportedFile   = &Error{Type: ErrInvalidRequest, Code: CodeUnsupportedFile, Message: "unsupported presentation file"}
)

// Is reports whether target is a coded error of the same type and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}
	if t.Code == "" {
		return e == t
	}
	return e.Type == t.Type && e.Code == t.Code
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Withf returns a copy of e with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	out := *e
	out.Message = fmt.Sprintf(format, args...)
	return &out
}

// WithParam returns a copy of e naming the offending parameter.
func (e *Error) WithParam(param string) *Error {
	out := *e
	out.Param = param
	return &out
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{
		Type:    ErrOverloaded,
		Message: message,
	}
}

// NewUpstreamError wraps a collaborator failure as an UpstreamFailure.
func NewUpstreamError(collaborator string, underlying error) *Error {
	msg := collaborator + " failed"
	if underlying != nil {
		msg = fmt.Sprintf("%s: %v", collaborator, underlying)
	}
	return &Error{
		Type:         ErrUpstream,
		Code:         CodeUpstreamFailure,
		Message:      msg,
		Collaborator: collaborator,
		cause:        underlying,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrUpstream:
		return true
	default:
		return false
	}
}
