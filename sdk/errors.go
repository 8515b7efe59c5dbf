package evalroom

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vango-go/evalroom/pkg/core"
)

// Error is the canonical API error returned by the server.
type Error = core.Error

const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrNotFound       = core.ErrNotFound
	ErrConflict       = core.ErrConflict
	ErrRateLimit      = core.ErrRateLimit
	ErrAPI            = core.ErrAPI
	ErrOverloaded     = core.ErrOverloaded
	ErrUpstream       = core.ErrUpstream
)

var (
	ErrInvalidTransition = core.ErrInvalidTransition
	ErrSessionNotFound   = core.ErrSessionNotFound
	ErrUpstreamFailure   = core.ErrUpstreamFailure
)

var NewInvalidRequestError = core.NewInvalidRequestError

// TransportError represents failures below the API: DNS, timeouts, connection
// resets, or a response body that could not be decoded.
//
// Use errors.As(err, &TransportError{}) to tell these apart from *Error.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransportError reports whether err came from the network rather than the API.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func redactURLUserInfo(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// decodeAPIError reads the {"error": {...}} envelope. Responses that are not an
// envelope (a proxy's HTML page, say) become an api_error carrying the status.
func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var env struct {
		Error *core.Error `json:"error"`
	}
	var apiErr *core.Error
	if err := json.Unmarshal(data, &env); err == nil && env.Error != nil && env.Error.Type != "" {
		apiErr = env.Error
	} else {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		apiErr = &core.Error{Type: core.ErrAPI, Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, msg)}
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get("X-Request-ID")
	}
	if apiErr.RetryAfter == nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = &secs
		}
	}
	return apiErr
}
