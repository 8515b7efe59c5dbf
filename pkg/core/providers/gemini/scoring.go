package gemini

import (
	"context"

	"google.golang.org/genai"

	"github.com/vango-go/evalroom/pkg/core/collab"
)

// Score asks the model for the final per-category scores and feedback.
// Range checks are left to the aggregator.
func (p *Provider) Score(ctx context.Context, req collab.ScoringRequest) (*collab.Scorecard, error) {
	prompt := scoringPrompt(req.Subject, req.Slides, req.Transcript, req.Partial, req.Categories)
	text, err := p.generate(ctx, scoringSystemPrompt, []*genai.Part{{Text: prompt}}, p.temperature)
	if err != nil {
		return nil, err
	}
	var reply scoringReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, err
	}
	if len(reply.Scores) == 0 {
		return nil, &Error{Type: ErrMalformed, Message: "scoring reply has no scores"}
	}
	if reply.Feedback == nil {
		reply.Feedback = map[string]string{}
	}
	return &collab.Scorecard{Scores: reply.Scores, Feedback: reply.Feedback}, nil
}
