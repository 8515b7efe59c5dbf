package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
)

type stubModel struct {
	card  *collab.Scorecard
	err   error
	calls int
	last  collab.ScoringRequest
}

func (m *stubModel) Score(ctx context.Context, req collab.ScoringRequest) (*collab.Scorecard, error) {
	m.calls++
	m.last = req
	return m.card, m.err
}

func abRubric(t *testing.T) *rubric.Rubric {
	t.Helper()
	r, err := rubric.New([]rubric.Category{{Name: "A", Max: 20}, {Name: "B", Max: 10}})
	if err != nil {
		t.Fatalf("rubric.New: %v", err)
	}
	return r
}

func startedSession(scores map[string]float64) *session.Session {
	s := session.New("s_1", session.Subject{Name: "Asha"}, session.Upload{Filename: "d.pdf", Size: 1}, time.Unix(0, 0))
	s.State = session.StateStarted
	s.Slides = []session.Slide{{Number: 1, Content: "x"}}
	s.MergeScores(scores)
	return s
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCompute_TotalIsSum(t *testing.T) {
	res := Compute(abRubric(t), map[string]float64{"A": 15, "B": 10}, nil)
	if res.Total != 25 {
		t.Fatalf("Total=%v, want 25", res.Total)
	}
	if res.PerCategory["A"] != 15 || res.PerCategory["B"] != 10 {
		t.Fatalf("PerCategory=%v", res.PerCategory)
	}
}

func TestCompute_FillsMissingAndAvoidsFloatDrift(t *testing.T) {
	r := abRubric(t)
	res := Compute(r, map[string]float64{"A": 0.1}, nil)
	if res.PerCategory["B"] != 0 {
		t.Fatalf("missing category=%v, want 0", res.PerCategory["B"])
	}

	res = Compute(r, map[string]float64{"A": 0.1, "B": 0.2}, nil)
	if res.Total != 0.3 {
		t.Fatalf("Total=%v, want 0.3", res.Total)
	}
}

func TestCompute_RoundsCategoriesBeforeSumming(t *testing.T) {
	r := abRubric(t)
	res := Compute(r, map[string]float64{"A": 1.333, "B": 1.333}, nil)
	if res.PerCategory["A"] != 1.33 || res.PerCategory["B"] != 1.33 {
		t.Fatalf("PerCategory=%v, want 1.33 each", res.PerCategory)
	}
	if res.Total != 2.66 {
		t.Fatalf("Total=%v, want 2.66", res.Total)
	}
	if got := Total(res.PerCategory); got != res.Total {
		t.Fatalf("Total(PerCategory)=%v, stored total=%v", got, res.Total)
	}

	// Rounding up past the maximum still clamps.
	res = Compute(r, map[string]float64{"B": 9.999}, nil)
	if res.PerCategory["B"] != 10 || res.Total != 10 {
		t.Fatalf("result=%+v", res)
	}
}

// blockingModel waits for its context and reports whatever ended it.
type blockingModel struct{ calls int }

func (m *blockingModel) Score(ctx context.Context, req collab.ScoringRequest) (*collab.Scorecard, error) {
	m.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAggregate_CallerCancellationIsNotAFallback(t *testing.T) {
	model := &blockingModel{}
	agg := New(abRubric(t), model, WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := agg.Aggregate(ctx, startedSession(map[string]float64{"A": 4}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want context.DeadlineExceeded", err)
	}
	if res != nil {
		t.Fatalf("res=%+v, want nil", res)
	}
}

func TestAggregate_ScoringTimeoutStillFallsBack(t *testing.T) {
	agg := New(abRubric(t), &blockingModel{}, WithLogger(quietLogger()), WithTimeout(20*time.Millisecond))

	res, err := agg.Aggregate(context.Background(), startedSession(map[string]float64{"A": 4}))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !res.Degraded || res.Total != 4 {
		t.Fatalf("result=%+v, want degraded with total 4", res)
	}
}

func TestAggregate_RejectsOutOfRangePartial(t *testing.T) {
	model := &stubModel{card: &collab.Scorecard{}}
	agg := New(abRubric(t), model, WithLogger(quietLogger()))

	_, err := agg.Aggregate(context.Background(), startedSession(map[string]float64{"B": 12}))
	if !errors.Is(err, core.ErrScoreOutOfRange) {
		t.Fatalf("err=%v, want ErrScoreOutOfRange", err)
	}
	if model.calls != 0 {
		t.Fatalf("model called %d times before validation", model.calls)
	}
}

func TestAggregate_ClampsModelScoresAndDropsUnknown(t *testing.T) {
	model := &stubModel{card: &collab.Scorecard{
		Scores:   map[string]float64{"A": 25, "B": -3, "Z": 4},
		Feedback: map[string]string{"A": "strong", "B": "thin"},
	}}
	agg := New(abRubric(t), model, WithLogger(quietLogger()))

	res, err := agg.Aggregate(context.Background(), startedSession(map[string]float64{"B": 6}))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.PerCategory["A"] != 20 || res.PerCategory["B"] != 0 {
		t.Fatalf("PerCategory=%v", res.PerCategory)
	}
	if _, ok := res.PerCategory["Z"]; ok {
		t.Fatalf("unknown category leaked into result")
	}
	if res.Total != 20 {
		t.Fatalf("Total=%v, want 20", res.Total)
	}
	if res.Feedback["A"] != "strong" || res.Degraded {
		t.Fatalf("feedback=%v degraded=%v", res.Feedback, res.Degraded)
	}
	if model.last.Partial["B"] != 6 || len(model.last.Categories) != 2 {
		t.Fatalf("scoring request=%+v", model.last)
	}
}

func TestAggregate_ModelFailureFallsBackToPartials(t *testing.T) {
	model := &stubModel{err: errors.New("quota exceeded")}
	agg := New(abRubric(t), model, WithLogger(quietLogger()))

	res, err := agg.Aggregate(context.Background(), startedSession(map[string]float64{"A": 12.5}))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded result")
	}
	if res.Total != 12.5 || res.PerCategory["B"] != 0 {
		t.Fatalf("result=%+v", res)
	}
	if res.Feedback["A"] == "" {
		t.Fatalf("expected fallback feedback")
	}
}

func TestAggregate_OnlyForStartedSessions(t *testing.T) {
	agg := New(abRubric(t), &stubModel{card: &collab.Scorecard{}}, WithLogger(quietLogger()))
	s := startedSession(nil)
	s.State = session.StateCompleted
	s.FinalResult = &session.FinalResult{}

	if _, err := agg.Aggregate(context.Background(), s); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
}
