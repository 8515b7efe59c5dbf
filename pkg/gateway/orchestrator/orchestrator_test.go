package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/providers/fallback"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/scoring"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/pipeline"
	"github.com/vango-go/evalroom/pkg/gateway/store"
)

type extractorFunc func(ctx context.Context, doc collab.Document) ([]session.Slide, error)

func (f extractorFunc) Extract(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
	return f(ctx, doc)
}

func threeSlides(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
	return []session.Slide{
		{Number: 1, Content: "Traffic prediction"},
		{Number: 2, Content: "LSTM model"},
		{Number: 3, Content: "Results"},
	}, nil
}

// countingScorer wraps a scoring model and counts calls.
type countingScorer struct {
	calls atomic.Int32
	inner collab.ScoringModel
}

func (c *countingScorer) Score(ctx context.Context, req collab.ScoringRequest) (*collab.Scorecard, error) {
	c.calls.Add(1)
	return c.inner.Score(ctx, req)
}

// stopAfter ends the presentation on the given sequence.
type stopAfter struct {
	fallback.Engine
	last int64
}

func (e stopAfter) Respond(ctx context.Context, req collab.TurnRequest) (*collab.Turn, error) {
	turn, err := e.Engine.Respond(ctx, req)
	if err != nil {
		return nil, err
	}
	turn.Continue = req.Sequence < e.last
	return turn, nil
}

// racingStore runs a hook before the next Update, standing in for a write
// made by another process.
type racingStore struct {
	*store.Memory
	mu     sync.Mutex
	before func()
}

func (r *racingStore) beforeNextUpdate(fn func()) {
	r.mu.Lock()
	r.before = fn
	r.mu.Unlock()
}

func (r *racingStore) Update(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	hook := r.before
	r.before = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.Memory.Update(ctx, s)
}

type harness struct {
	orch   *Orchestrator
	store  *store.Memory
	racer  *racingStore
	hub    *events.Hub
	scorer *countingScorer
}

func newHarness(t *testing.T, extractor collab.ContentExtractor, engine collab.SpeechEngine) *harness {
	t.Helper()
	if extractor == nil {
		extractor = extractorFunc(threeSlides)
	}
	if engine == nil {
		engine = stopAfter{last: 3}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	racer := &racingStore{Memory: st}
	hub := events.NewHub(64, nil)
	scorer := &countingScorer{inner: fallback.Scorer{}}
	var n atomic.Int32
	orch, err := New(Dependencies{
		Store:      racer,
		Extractor:  extractor,
		Engine:     engine,
		Aggregator: scoring.New(rubric.Default(), scorer, scoring.WithLogger(logger)),
		Events:     hub,
		Logger:     logger,
		NewID:      func() string { return fmt.Sprintf("sess-%d", n.Add(1)) },
	}, Config{ProcessingTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return &harness{orch: orch, store: st, racer: racer, hub: hub, scorer: scorer}
}

func submit(t *testing.T, h *harness) *session.Session {
	t.Helper()
	s, err := h.orch.Submit(context.Background(), SubmitRequest{
		Subject:  session.Subject{RollNo: "21CS042", Name: "Ravi"},
		Filename: "deck.pptx",
		Data:     []byte("PK fake"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return s
}

func waitForState(t *testing.T, h *harness, id string, want session.State) session.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	st, err := h.orch.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != want {
		t.Fatalf("state=%s, want %s (failure=%+v)", st.State, want, st.Failure)
	}
	return st
}

func TestEndToEndEvaluation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	s := submit(t, h)
	if s.State != session.StateUploaded {
		t.Fatalf("state after submit=%s, want uploaded", s.State)
	}
	waitForState(t, h, s.ID, session.StateReady)

	started, err := h.orch.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.FirstInstruction == "" || started.Session.State != session.StateStarted {
		t.Fatalf("start=%+v", started)
	}

	var last *pipeline.Result
	for seq := int64(1); seq <= 3; seq++ {
		res, err := h.orch.SubmitSegment(ctx, pipeline.Segment{SessionID: s.ID, Sequence: seq, Audio: []byte("audio")})
		if err != nil {
			t.Fatalf("SubmitSegment(%d): %v", seq, err)
		}
		if res.Status != pipeline.StatusAccepted {
			t.Fatalf("segment %d status=%s", seq, res.Status)
		}
		last = res
	}
	if last.Continue || last.Final == nil {
		t.Fatalf("last segment=%+v, want continue=false and a final result", last)
	}

	got, err := h.orch.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != session.StateCompleted || got.FinalResult == nil {
		t.Fatalf("state=%s final=%v", got.State, got.FinalResult)
	}
	var sum float64
	for name, v := range got.FinalResult.PerCategory {
		limit, ok := h.orch.Rubric().Max(name)
		if !ok || v < 0 || v > limit {
			t.Fatalf("category %q=%v outside [0,%v]", name, v, limit)
		}
		sum += v
	}
	if got.FinalResult.Total != scoring.Total(got.FinalResult.PerCategory) || sum != got.FinalResult.Total {
		t.Fatalf("total=%v, sum=%v", got.FinalResult.Total, sum)
	}
	if got.StudentTurns() != 3 {
		t.Fatalf("student turns=%d, want 3", got.StudentTurns())
	}
	if got.Transcript[0].Speaker != session.SpeakerAgent || got.Transcript[0].Text != started.FirstInstruction {
		t.Fatalf("first transcript entry=%+v", got.Transcript[0])
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, fallback.Engine{})
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)
	if _, err := h.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err := h.orch.Complete(ctx, s.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	second, err := h.orch.Complete(ctx, s.ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if calls := h.scorer.calls.Load(); calls != 1 {
		t.Fatalf("scoring calls=%d, want 1", calls)
	}
	if first.Total != second.Total || !first.CompletedAt.Equal(second.CompletedAt) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	for name, v := range first.PerCategory {
		if second.PerCategory[name] != v {
			t.Fatalf("category %q: %v vs %v", name, v, second.PerCategory[name])
		}
	}
}

func TestConcurrentCompleteScoresOnce(t *testing.T) {
	h := newHarness(t, nil, fallback.Engine{})
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)
	if _, err := h.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	totals := make([]float64, 8)
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Complete(ctx, s.ID)
			if err != nil {
				t.Errorf("Complete: %v", err)
				return
			}
			totals[i] = res.Total
		}(i)
	}
	wg.Wait()
	if calls := h.scorer.calls.Load(); calls != 1 {
		t.Fatalf("scoring calls=%d, want 1", calls)
	}
	for _, v := range totals[1:] {
		if v != totals[0] {
			t.Fatalf("totals differ: %v", totals)
		}
	}
}

func TestInvalidTransitionsLeaveSessionUnchanged(t *testing.T) {
	h := newHarness(t, nil, fallback.Engine{})
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)

	if _, err := h.orch.Complete(ctx, s.ID); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("Complete on ready err=%v", err)
	}
	if _, err := h.orch.ChangeSlide(ctx, s.ID, 1, ""); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("ChangeSlide on ready err=%v", err)
	}
	if _, err := h.orch.SubmitSegment(ctx, pipeline.Segment{SessionID: s.ID, Sequence: 1, Audio: []byte("a")}); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("segment on ready err=%v", err)
	}
	waitForState(t, h, s.ID, session.StateReady)

	if _, err := h.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.orch.Start(ctx, s.ID); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("second Start err=%v", err)
	}
	if _, err := h.orch.Complete(ctx, s.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := h.orch.Fail(ctx, s.ID, "late fault"); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("Fail on completed err=%v", err)
	}
	got, _ := h.orch.Get(ctx, s.ID)
	if got.State != session.StateCompleted || got.FinalResult == nil || got.Failure != nil {
		t.Fatalf("completed session changed: state=%s failure=%v", got.State, got.Failure)
	}
}

func TestStartUnknownSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	if _, err := h.orch.Start(context.Background(), "nope"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
}

func TestProcessingFailureIsTerminal(t *testing.T) {
	cases := []struct {
		name      string
		extractor extractorFunc
		message   string
	}{
		{
			name: "extractor error",
			extractor: func(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
				return nil, errors.New("corrupt archive")
			},
			message: "presentation analysis failed",
		},
		{
			name: "no slides",
			extractor: func(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
				return nil, nil
			},
			message: emptyExtractionMessage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.extractor, nil)
			s := submit(t, h)
			st := waitForState(t, h, s.ID, session.StateError)
			if st.Failure == nil || st.Failure.Kind != session.FailureProcessing || st.Failure.Message != tc.message {
				t.Fatalf("failure=%+v", st.Failure)
			}
			if st.Message != session.StatusMessage(session.StateError) {
				t.Fatalf("message=%q", st.Message)
			}
			if _, err := h.orch.Start(context.Background(), s.ID); !errors.Is(err, core.ErrInvalidTransition) {
				t.Fatalf("Start on error err=%v", err)
			}
			got, _ := h.orch.Get(context.Background(), s.ID)
			if got.FinalResult != nil {
				t.Fatalf("error session has a final result")
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	cases := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing roll", SubmitRequest{Subject: session.Subject{Name: "A"}, Filename: "a.pdf", Data: []byte("x")}, nil},
		{"missing file", SubmitRequest{Subject: session.Subject{RollNo: "1", Name: "A"}, Filename: "a.pdf"}, nil},
		{"legacy ppt", SubmitRequest{Subject: session.Subject{RollNo: "1", Name: "A"}, Filename: "a.ppt", Data: []byte("x")}, core.ErrUnsupportedFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.Submit(ctx, tc.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
	list, _ := h.orch.List(ctx, store.ListOptions{})
	if len(list) != 0 {
		t.Fatalf("rejected submissions created %d sessions", len(list))
	}
}

// untilDone is a scoring model that only returns when its context ends.
type untilDone struct{}

func (untilDone) Score(ctx context.Context, req collab.ScoringRequest) (*collab.Scorecard, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCompleteLeavesSessionStartedWhenCallerGoesAway(t *testing.T) {
	h := newHarness(t, nil, fallback.Engine{})
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)
	if _, err := h.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.scorer.inner = untilDone{}
	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := h.orch.Complete(callCtx, s.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want context.DeadlineExceeded", err)
	}
	got, err := h.orch.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != session.StateStarted || got.FinalResult != nil {
		t.Fatalf("state=%s final=%+v, want started with no result", got.State, got.FinalResult)
	}

	h.scorer.inner = fallback.Scorer{}
	res, err := h.orch.Complete(ctx, s.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Degraded {
		t.Fatalf("retried completion is degraded: %+v", res)
	}
}

func TestCompleteWithScoresOutsideRubricFaults(t *testing.T) {
	h := newHarness(t, nil, fallback.Engine{})
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)
	if _, err := h.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec, err := h.store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec.Scores["Handling of Questions"] = 99
	if err := h.store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := h.orch.Complete(ctx, s.ID); !errors.Is(err, core.ErrScoreOutOfRange) {
		t.Fatalf("err=%v, want ErrScoreOutOfRange", err)
	}
	st, err := h.orch.Status(ctx, s.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != session.StateError || st.Failure == nil || st.Failure.Kind != session.FailureFault {
		t.Fatalf("status=%+v, want error with a fault", st)
	}
	if calls := h.scorer.calls.Load(); calls != 0 {
		t.Fatalf("scoring calls=%d, want 0", calls)
	}
}

// countingOpen counts first-instruction requests.
type countingOpen struct {
	fallback.Engine
	opens atomic.Int32
}

func (e *countingOpen) Open(ctx context.Context, req collab.OpenRequest) (string, error) {
	e.opens.Add(1)
	return e.Engine.Open(ctx, req)
}

func TestStartAndCompleteReplayVersionConflicts(t *testing.T) {
	engine := &countingOpen{}
	h := newHarness(t, nil, engine)
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)

	// Another writer renames the subject just before each of our writes.
	rename := func(name string) func() {
		return func() {
			rec, err := h.store.Get(ctx, s.ID)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			rec.Subject.Name = name
			if err := h.store.Update(ctx, rec); err != nil {
				t.Errorf("Update: %v", err)
			}
		}
	}

	h.racer.beforeNextUpdate(rename("Ravi K"))
	started, err := h.orch.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Session.State != session.StateStarted || started.Session.Subject.Name != "Ravi K" {
		t.Fatalf("started=%+v", started.Session)
	}
	if n := engine.opens.Load(); n != 1 {
		t.Fatalf("first instruction requested %d times, want 1", n)
	}

	h.racer.beforeNextUpdate(rename("Ravi Kumar"))
	res, err := h.orch.Complete(ctx, s.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if calls := h.scorer.calls.Load(); calls != 1 {
		t.Fatalf("scoring calls=%d, want 1", calls)
	}
	got, _ := h.orch.Get(ctx, s.ID)
	if got.State != session.StateCompleted || got.Subject.Name != "Ravi Kumar" {
		t.Fatalf("state=%s name=%q", got.State, got.Subject.Name)
	}
	if got.FinalResult.Total != res.Total {
		t.Fatalf("stored total=%v, returned %v", got.FinalResult.Total, res.Total)
	}
}

func TestChannelLossDoesNotAlterSession(t *testing.T) {
	h := newHarness(t, nil, fallback.Engine{})
	ctx := context.Background()
	s := submit(t, h)
	waitForState(t, h, s.ID, session.StateReady)
	if _, err := h.orch.Start(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	sub := h.hub.Subscribe(s.ID)
	if _, err := h.orch.SubmitSegment(ctx, pipeline.Segment{SessionID: s.ID, Sequence: 1, Audio: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.ChangeSlide(ctx, s.ID, 1, "slide-2.png"); err != nil {
		t.Fatal(err)
	}
	before, _ := h.orch.Get(ctx, s.ID)

	// Drop the channel.
	sub.Close()
	st, err := h.orch.Status(ctx, s.ID)
	if err != nil || st.State != session.StateStarted {
		t.Fatalf("status during drop=%+v err=%v", st, err)
	}

	// Reconnect and re-sync.
	resub := h.hub.Subscribe(s.ID)
	defer resub.Close()
	after, _ := h.orch.Get(ctx, s.ID)
	if after.State != before.State || len(after.Transcript) != len(before.Transcript) || after.SlideIndex != 1 || after.AudioSequence != 1 {
		t.Fatalf("session changed across reconnect: before=%+v after=%+v", before, after)
	}

	if _, err := h.orch.SubmitSegment(ctx, pipeline.Segment{SessionID: s.ID, Sequence: 2, Audio: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-resub.C():
		if ev.SessionID != s.ID {
			t.Fatalf("event for %s", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("reconnected subscriber received nothing")
	}
}

func TestTransitionsArePublished(t *testing.T) {
	h := newHarness(t, nil, nil)
	s := submit(t, h)
	sub := h.hub.Subscribe(s.ID)
	defer sub.Close()
	waitForState(t, h, s.ID, session.StateReady)
	if _, err := h.orch.Start(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}

	var seen []session.State
	timeout := time.After(time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != session.StateStarted {
		select {
		case ev := <-sub.C():
			if ev.Type == events.TypeStateChanged {
				seen = append(seen, ev.Payload.(events.StateChanged).To)
			}
		case <-timeout:
			t.Fatalf("saw transitions %v", seen)
		}
	}
}
