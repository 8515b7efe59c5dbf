package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/evalroom/pkg/gateway/apierror"
	"github.com/vango-go/evalroom/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports whether this instance should receive traffic.
type ReadyHandler struct {
	Store     Pinger
	Lifecycle *lifecycle.Lifecycle
	StoreKind string
	// Timeout bounds the store ping. Zero means 2s.
	Timeout time.Duration
}

type readyResp struct {
	OK       bool     `json:"ok"`
	Store    string   `json:"store,omitempty"`
	Draining bool     `json:"draining,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := readyResp{OK: true, Store: h.StoreKind}

	if h.Lifecycle.IsDraining() {
		resp.OK = false
		resp.Draining = true
		resp.Issues = append(resp.Issues, "draining")
		writeJSON(w, apierror.StatusOverloaded, resp)
		return
	}

	if h.Store != nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			resp.OK = false
			resp.Issues = append(resp.Issues, "session store unavailable")
		}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
