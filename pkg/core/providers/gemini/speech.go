package gemini

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/rubric"
)

const defaultAudioMIMEType = "audio/webm"

// Open asks the model for the first instruction of the session.
func (p *Provider) Open(ctx context.Context, req collab.OpenRequest) (string, error) {
	text, err := p.generate(ctx, openingSystemPrompt, []*genai.Part{
		{Text: openingPrompt(req.Subject, req.Slides)},
	}, p.temperature)
	if err != nil {
		return "", err
	}
	var reply openingReply
	if err := decodeJSON(text, &reply); err != nil {
		return "", err
	}
	instruction := strings.TrimSpace(reply.Instruction)
	if instruction == "" {
		return "", &Error{Type: ErrMalformed, Message: "opening reply has no instruction"}
	}
	return instruction, nil
}

// Respond transcribes one audio segment and produces the examiner's reply.
func (p *Provider) Respond(ctx context.Context, req collab.TurnRequest) (*collab.Turn, error) {
	mimeType := strings.TrimSpace(req.MIMEType)
	if mimeType == "" {
		mimeType = defaultAudioMIMEType
	}
	parts := []*genai.Part{
		{Text: turnPrompt(req.Slides, req.SlideIndex, req.SlideRef, req.Transcript)},
		{InlineData: &genai.Blob{MIMEType: mimeType, Data: req.Audio}},
	}

	text, err := p.generate(ctx, speechSystemPrompt, parts, p.temperature+0.4)
	if err != nil {
		return nil, err
	}
	var reply turnReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, err
	}

	turn := &collab.Turn{
		Transcript: strings.TrimSpace(reply.Transcript),
		Response:   strings.TrimSpace(reply.Response),
		Continue:   true,
		Question:   strings.TrimSpace(reply.Question),
		Signals:    map[string]float64{},
	}
	if reply.Continue != nil {
		turn.Continue = *reply.Continue
	}
	if reply.ContentScore != nil {
		turn.Signals[rubric.SignalContent] = *reply.ContentScore
	}
	if reply.DeliveryScore != nil {
		turn.Signals[rubric.SignalDelivery] = *reply.DeliveryScore
	}
	if reply.EngagementScore != nil {
		turn.Signals[rubric.SignalEngagement] = *reply.EngagementScore
	}
	if turn.Response == "" {
		turn.Response = turn.Question
	}
	return turn, nil
}
