// Package apierror turns errors into the JSON error envelope and its HTTP
// status.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/evalroom/pkg/core"
)

// StatusOverloaded is returned while the server sheds load or drains.
const StatusOverloaded = 529

type Envelope struct {
	Error *core.Error `json:"error"`
}

var statusByType = map[core.ErrorType]int{
	core.ErrInvalidRequest: http.StatusBadRequest,
	core.ErrNotFound:       http.StatusNotFound,
	core.ErrConflict:       http.StatusConflict,
	core.ErrRateLimit:      http.StatusTooManyRequests,
	core.ErrOverloaded:     StatusOverloaded,
	core.ErrUpstream:       http.StatusBadGateway,
	core.ErrAPI:            http.StatusInternalServerError,
}

// Status is the HTTP status for an error type. Unknown types are 500.
func Status(t core.ErrorType) int {
	if s, ok := statusByType[t]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FromError maps err to a copy of its canonical form, stamped with requestID.
// Errors without a canonical form become a bare 500 so internal details never
// reach clients.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var out core.Error
	status := http.StatusInternalServerError

	// Canonical errors are checked first: a collaborator failure that wraps a
	// deadline still reports as an upstream failure.
	var coreErr *core.Error
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &coreErr) && coreErr != nil:
		out, status = *coreErr, Status(coreErr.Type)
	case errors.As(err, &tooLarge):
		out = core.Error{Type: core.ErrInvalidRequest, Message: "request body too large", Code: "too_large"}
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		out = core.Error{Type: core.ErrAPI, Message: "request timeout", Code: "timeout"}
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		out = core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"}
		status = http.StatusRequestTimeout
	default:
		out = core.Error{Type: core.ErrAPI, Message: "internal error"}
	}
	out.RequestID = requestID
	return &out, status
}
