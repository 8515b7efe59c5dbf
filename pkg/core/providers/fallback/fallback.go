// Package fallback provides deterministic offline collaborators. They keep the
// evaluator usable when no model API key is configured.
package fallback

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/rubric"
)

const (
	DefaultQuestion = "Could you elaborate on that point?"
	NeutralSignal   = 5.0
	neutralFeedback = "Evaluated without a scoring model; review the recording for detailed feedback."
)

// Engine is an offline SpeechEngine. It cannot transcribe, so it records the
// segment size and asks a neutral follow-up question.
type Engine struct{}

var _ collab.SpeechEngine = Engine{}

func (Engine) Open(ctx context.Context, req collab.OpenRequest) (string, error) {
	if len(req.Slides) == 0 {
		return "Please begin your presentation.", nil
	}
	title := firstLine(req.Slides[0].Content)
	if title == "" {
		return "Please begin your presentation with slide 1.", nil
	}
	return fmt.Sprintf("Please begin your presentation with slide 1: %s.", title), nil
}

func (Engine) Respond(ctx context.Context, req collab.TurnRequest) (*collab.Turn, error) {
	return &collab.Turn{
		Transcript: fmt.Sprintf("[audio segment %d, %d bytes]", req.Sequence, len(req.Audio)),
		Response:   DefaultQuestion,
		Continue:   true,
		Question:   DefaultQuestion,
		Signals: map[string]float64{
			rubric.SignalContent:    NeutralSignal,
			rubric.SignalDelivery:   NeutralSignal,
			rubric.SignalEngagement: NeutralSignal,
		},
	}, nil
}

// Scorer awards half of every category's maximum, rounded down.
type Scorer struct{}

var _ collab.ScoringModel = Scorer{}

func (Scorer) Score(ctx context.Context, req collab.ScoringRequest) (*collab.Scorecard, error) {
	card := &collab.Scorecard{
		Scores:   make(map[string]float64, len(req.Categories)),
		Feedback: make(map[string]string, len(req.Categories)),
	}
	for _, c := range req.Categories {
		card.Scores[c.Name] = math.Floor(c.Max / 2)
		card.Feedback[c.Name] = neutralFeedback
	}
	return card, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
