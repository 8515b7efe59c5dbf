package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/providers/fallback"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/scoring"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/config"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/live/sessions"
	"github.com/vango-go/evalroom/pkg/gateway/orchestrator"
	"github.com/vango-go/evalroom/pkg/gateway/store"
)

type extractorFunc func(ctx context.Context, doc collab.Document) ([]session.Slide, error)

func (f extractorFunc) Extract(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
	return f(ctx, doc)
}

func twoSlides(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
	return []session.Slide{
		{Number: 1, Content: "Crop yield prediction"},
		{Number: 2, Content: "Random forest"},
	}, nil
}

type testEnv struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	hub     *events.Hub
	tracker *sessions.Tracker
	router  chi.Router
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFromMap(map[string]string{})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(64, nil)
	var n atomic.Int32
	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:      store.NewMemory(),
		Extractor:  extractorFunc(twoSlides),
		Engine:     fallback.Engine{},
		Aggregator: scoring.New(rubric.Default(), fallback.Scorer{}, scoring.WithLogger(logger)),
		Events:     hub,
		Logger:     logger,
		NewID:      func() string { return fmt.Sprintf("sess-%d", n.Add(1)) },
	}, orchestrator.Config{ProcessingTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	env := &testEnv{cfg: cfg, orch: orch, hub: hub, tracker: sessions.NewTracker()}
	sh := SessionsHandler{Config: cfg, Sessions: orch, Logger: logger}
	lh := LiveHandler{Config: cfg, Sessions: orch, Events: hub, Logger: logger, LiveSessions: env.tracker}

	r := chi.NewRouter()
	r.NotFound(NotFoundHandler{}.ServeHTTP)
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", sh.Submit)
		r.Get("/", sh.List)
		r.Route("/{"+URLParamSessionID+"}", func(r chi.Router) {
			r.Get("/", sh.Get)
			r.Get("/status", sh.Status)
			r.Post("/start", sh.Start)
			r.Post("/audio", sh.Audio)
			r.Post("/slide", sh.Slide)
			r.Post("/complete", sh.Complete)
			r.Handle("/live", lh)
		})
	})
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.orch.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// submitReady uploads a deck and waits until processing finished.
func (e *testEnv) submitReady(t *testing.T) string {
	t.Helper()
	rr := e.do(t, submitRequest(t, map[string]string{"roll_no": "21CS042", "name": "Ravi"}, "deck.pptx", []byte("PK deck")))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, rr, &resp)
	e.waitIdle(t)
	return resp.SessionID
}

func (e *testEnv) start(t *testing.T, id string) {
	t.Helper()
	rr := e.do(t, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/start", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func submitRequest(t *testing.T, fields map[string]string, filename string, data []byte) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, fields, "file", filename, data)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", body)
	req.Header.Set("Content-Type", ct)
	return req
}

func audioRequest(t *testing.T, id string, seq int64, data []byte) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{"sequence": fmt.Sprint(seq)}, "audio", "segment.webm", data)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/audio", body)
	req.Header.Set("Content-Type", ct)
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Param   string `json:"param"`
		Message string `json:"message"`
	} `json:"error"`
}
