package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/evalroom/pkg/core"
)

const corsMaxAge = "600"

var (
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "X-Request-ID", apiVersionHeader}, ", ")
	corsExposeHeaders = strings.Join([]string{"X-Request-ID", "Retry-After"}, ", ")
)

type corsPolicy map[string]struct{}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := p[origin]
	return ok
}

// CORS answers preflights and tags responses for allowlisted browser origins.
// An empty allowlist turns it off: no headers are added and every preflight is
// refused.
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	policy := corsPolicy(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		h := w.Header()

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !policy.allows(origin) {
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrInvalidRequest,
					Message:   "origin is not allowed",
					Param:     "Origin",
					Code:      "origin_not_allowed",
					RequestID: reqID,
				})
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if policy.allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
