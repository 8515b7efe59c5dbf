package mw

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/evalroom/pkg/core"
)

func decodeErrorEnvelope(t *testing.T, rr *httptest.ResponseRecorder) *core.Error {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type=%q", ct)
	}
	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil || env.Error == nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return env.Error
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "minted", incoming: ""},
		{name: "echoed", incoming: "client-trace-42", keep: true},
		{name: "control characters", incoming: "bad\x01id"},
		{name: "too long", incoming: strings.Repeat("x", maxRequestIDLen+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = RequestIDFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-ID", tc.incoming)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			got := rr.Header().Get("X-Request-ID")
			if got != seen {
				t.Fatalf("header=%q context=%q", got, seen)
			}
			if tc.keep {
				if got != tc.incoming {
					t.Fatalf("request id=%q, want %q", got, tc.incoming)
				}
				return
			}
			if !strings.HasPrefix(got, "req_") || len(got) != len("req_")+32 {
				t.Fatalf("minted request id=%q", got)
			}
		})
	}
}

func TestRecover_PanicReturnsErrorEnvelope(t *testing.T) {
	var logs bytes.Buffer
	h := RequestID(Recover(newTestLogger(&logs), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	apiErr := decodeErrorEnvelope(t, rr)
	if apiErr.Type != core.ErrAPI || apiErr.RequestID == "" || apiErr.RequestID != rr.Header().Get("X-Request-ID") {
		t.Fatalf("error=%+v", apiErr)
	}
	rec := parseSingleLogRecord(t, &logs)
	if rec["level"] != "ERROR" || rec["panic"] != "boom" || rec["stack"] == "" {
		t.Fatalf("log record=%v", rec)
	}
}

func TestRecover_AbortHandlerIsRethrown(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
