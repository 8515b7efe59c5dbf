package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/gateway/principal"
	"github.com/vango-go/evalroom/pkg/gateway/ratelimit"
)

// Probes and scrapes are never limited.
var rateLimitExempt = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// RateLimit applies the per-client limits. A realtime upgrade takes a live
// connection slot instead of a request token and holds it until the
// connection ends.
func RateLimit(trustProxyHeaders bool, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || rateLimitExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		acquire := limiter.AcquireRequest
		if isWebSocketUpgrade(r) {
			acquire = limiter.AcquireLive
		}
		dec := acquire(principal.Resolve(r, trustProxyHeaders).Key, time.Now())
		if !dec.Allowed {
			writeRateLimited(w, r, dec.RetryAfter)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter int) {
	reqID, _ := RequestIDFrom(r.Context())
	apiErr := &core.Error{
		Type:      core.ErrRateLimit,
		Message:   "rate limit exceeded",
		RequestID: reqID,
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		apiErr.RetryAfter = &retryAfter
	}
	writeJSONError(w, http.StatusTooManyRequests, apiErr)
}
