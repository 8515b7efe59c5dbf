package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/gateway/apierror"
	"github.com/vango-go/evalroom/pkg/gateway/mw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	if coreErr != nil && coreErr.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*coreErr.RetryAfter))
	}
	writeJSON(w, status, apierror.Envelope{Error: coreErr})
}

// writeErr maps err to the canonical envelope. Server-side failures are logged
// with the underlying cause, which never reaches the client.
func writeErr(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	reqID := requestIDFromContext(r.Context())

	coreErr, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeCoreErrorJSON(w, reqID, coreErr, status)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
