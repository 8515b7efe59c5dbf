package mw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vango-go/evalroom/pkg/core"
)

const (
	apiVersionHeader    = "X-Evalroom-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects /v1 requests that ask for a version this server does not
// speak. A missing header means version 1.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v, bad := unsupportedVersion(r); bad {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrInvalidRequest,
				Message:   fmt.Sprintf("unsupported API version %q", v),
				Param:     apiVersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// unsupportedVersion returns the first requested version other than the
// supported one. Preflights and realtime upgrades are not checked.
func unsupportedVersion(r *http.Request) (string, bool) {
	if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
		return "", false
	}
	if p := r.URL.Path; p != "/v1" && !strings.HasPrefix(p, "/v1/") {
		return "", false
	}
	for _, v := range headerTokens(r.Header, apiVersionHeader) {
		if v != supportedAPIVersion {
			return v, true
		}
	}
	return "", false
}
