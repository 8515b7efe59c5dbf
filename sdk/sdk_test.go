package evalroom

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/providers/fallback"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/scoring"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/config"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/orchestrator"
	"github.com/vango-go/evalroom/pkg/gateway/server"
	"github.com/vango-go/evalroom/pkg/gateway/store"
)

type twoSlideExtractor struct{}

func (twoSlideExtractor) Extract(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
	return []session.Slide{
		{Number: 1, Content: "Smart irrigation"},
		{Number: 2, Content: "Sensor network"},
	}, nil
}

// newTestGateway runs the real HTTP stack over an in-memory store with the
// offline collaborators.
func newTestGateway(t *testing.T) *Client {
	t.Helper()
	cfg, err := config.LoadFromMap(map[string]string{"EVALROOM_RATE_LIMIT_RPS": "0"})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(32, nil)
	st := store.NewMemory()
	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:      st,
		Extractor:  twoSlideExtractor{},
		Engine:     fallback.Engine{},
		Aggregator: scoring.New(rubric.Default(), fallback.Scorer{}),
		Events:     hub,
		Logger:     logger,
	}, orchestrator.Config{})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	gw, err := server.New(cfg, logger, server.Dependencies{Orchestrator: orch, Store: st, Events: hub})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return NewClient(WithBaseURL(srv.URL), WithLogger(logger))
}

// fastPoller polls without sleeping and records every wait it would have made.
func fastPoller(c *Client, waits *[]time.Duration) *Poller {
	p := c.NewPoller()
	p.after = func(d time.Duration) <-chan time.Time {
		if waits != nil {
			*waits = append(*waits, d)
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return p
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
