// Package collab defines the contracts of the external services the evaluator
// depends on. Implementations live under pkg/core/providers.
package collab

import (
	"context"

	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
)

// Collaborator names used in errors, logs and metrics.
const (
	NameContentExtractor = "content_extractor"
	NameSpeechEngine     = "speech_engine"
	NameScoringModel     = "scoring_model"
)

// Document is an uploaded presentation file.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ContentExtractor turns a presentation file into an ordered slide sequence.
type ContentExtractor interface {
	Extract(ctx context.Context, doc Document) ([]session.Slide, error)
}

type OpenRequest struct {
	SessionID string
	Subject   session.Subject
	Slides    []session.Slide
}

type TurnRequest struct {
	SessionID  string
	Sequence   int64
	Audio      []byte
	MIMEType   string
	Slides     []session.Slide
	SlideIndex int
	SlideRef   string
	Transcript []session.TranscriptEntry
}

// Turn is the engine's reaction to one audio segment.
type Turn struct {
	Transcript string
	Response   string
	// Continue is false when the engine decides the presentation is over.
	Continue bool
	// Signals holds 0..10 ratings keyed by rubric signal name.
	Signals  map[string]float64
	Question string
}

// SpeechEngine transcribes audio segments and produces the agent's next instruction.
type SpeechEngine interface {
	Open(ctx context.Context, req OpenRequest) (string, error)
	Respond(ctx context.Context, req TurnRequest) (*Turn, error)
}

type ScoringRequest struct {
	SessionID  string
	Subject    session.Subject
	Slides     []session.Slide
	Transcript []session.TranscriptEntry
	Partial    map[string]float64
	Categories []rubric.Category
}

type Scorecard struct {
	Scores   map[string]float64
	Feedback map[string]string
}

// ScoringModel produces per-category scores and narrative feedback.
type ScoringModel interface {
	Score(ctx context.Context, req ScoringRequest) (*Scorecard, error)
}
