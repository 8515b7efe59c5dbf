// Package scoring aggregates partial signals into the final evaluation.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
)

const unavailableFeedback = "Automatic feedback was unavailable; score derived from live assessment."

type Aggregator struct {
	rubric  *rubric.Rubric
	model   collab.ScoringModel
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Aggregator)

func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func New(r *rubric.Rubric, model collab.ScoringModel, opts ...Option) *Aggregator {
	if r == nil {
		r = rubric.Default()
	}
	a := &Aggregator{
		rubric: r,
		model:  model,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Rubric() *rubric.Rubric { return a.rubric }

// Aggregate computes the final result for a started session. It never mutates s.
// A scoring model failure degrades to the live partial scores rather than failing.
// If ctx itself is done the caller went away: ctx.Err() is returned and nothing
// is computed, so the session can still be completed later.
func (a *Aggregator) Aggregate(ctx context.Context, s *session.Session) (*session.FinalResult, error) {
	if s == nil {
		return nil, core.ErrSessionNotFound
	}
	if s.State != session.StateStarted || s.FinalResult != nil {
		return nil, core.ErrInvalidTransition.Withf("aggregation requires a started session (state=%s)", s.State)
	}
	if err := a.rubric.ValidateScores(s.Scores); err != nil {
		return nil, err
	}

	card, err := a.score(ctx, s)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		a.logger.Warn("scoring model failed; using partial scores",
			"session_id", s.ID,
			"error", err,
		)
		res := Compute(a.rubric, s.Scores, nil)
		res.Degraded = true
		for _, name := range a.rubric.Names() {
			res.Feedback[name] = unavailableFeedback
		}
		res.CompletedAt = a.now()
		return res, nil
	}

	merged := make(map[string]float64, len(s.Scores))
	for k, v := range s.Scores {
		merged[k] = v
	}
	for k, v := range card.Scores {
		if _, ok := a.rubric.Max(k); ok {
			merged[k] = a.rubric.Clamp(k, v)
		}
	}
	res := Compute(a.rubric, merged, card.Feedback)
	res.CompletedAt = a.now()
	return res, nil
}

func (a *Aggregator) score(ctx context.Context, s *session.Session) (*collab.Scorecard, error) {
	if a.model == nil {
		return nil, fmt.Errorf("no scoring model configured")
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	card, err := a.model.Score(ctx, collab.ScoringRequest{
		SessionID:  s.ID,
		Subject:    s.Subject,
		Slides:     s.Slides,
		Transcript: s.Transcript,
		Partial:    s.Scores,
		Categories: a.rubric.Categories(),
	})
	if err != nil {
		return nil, core.NewUpstreamError(collab.NameScoringModel, err)
	}
	if card == nil {
		return nil, core.NewUpstreamError(collab.NameScoringModel, fmt.Errorf("empty scorecard"))
	}
	return card, nil
}

// Compute builds a result covering every rubric category. Missing categories
// score 0. Values are rounded to two decimals and clamped to their maximum,
// and the total is the exact sum of the stored values.
func Compute(r *rubric.Rubric, scores map[string]float64, feedback map[string]string) *session.FinalResult {
	res := &session.FinalResult{
		PerCategory: make(map[string]float64, len(r.Names())),
		Feedback:    make(map[string]string, len(r.Names())),
	}
	for _, name := range r.Names() {
		res.PerCategory[name] = r.Clamp(name, round2(scores[name]))
		if fb, ok := feedback[name]; ok {
			res.Feedback[name] = fb
		}
	}
	res.Total = Total(res.PerCategory)
	return res
}

// Total sums category scores without float drift. No rounding happens here;
// Compute has already rounded each category.
func Total(perCategory map[string]float64) float64 {
	sum := decimal.Zero
	for _, v := range perCategory {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	f, _ := sum.Float64()
	return f
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
