// Package session defines the presentation evaluation session record and the
// lifecycle rules that every writer of that record must follow.
package session

import (
	"strings"
	"time"

	"github.com/vango-go/evalroom/pkg/core"
)

// Subject identifies the presenter. The core treats it as opaque metadata.
type Subject struct {
	RollNo string `json:"roll_no"`
	Name   string `json:"name"`
}

// Upload describes the submitted presentation file.
type Upload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// Slide is one extracted slide or page.
type Slide struct {
	Number  int    `json:"number"`
	Content string `json:"content"`
}

type Speaker string

const (
	SpeakerAgent   Speaker = "agent"
	SpeakerStudent Speaker = "student"
)

type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// SignalTally accumulates one live signal (for example "delivery") across segments.
type SignalTally struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

func (t SignalTally) Mean() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / float64(t.Count)
}

type FailureKind string

const (
	FailureProcessing FailureKind = "processing_failed"
	FailureFault      FailureKind = "fault"
)

// Failure records why a session ended in the error state.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// FinalResult is the aggregated evaluation. It is immutable once attached.
type FinalResult struct {
	PerCategory map[string]float64 `json:"per_category"`
	Total       float64            `json:"total"`
	Feedback    map[string]string  `json:"feedback"`
	// Degraded is set when the scoring model was unavailable and the result was
	// derived from live partial scores only.
	Degraded    bool      `json:"degraded,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

func (r *FinalResult) Clone() *FinalResult {
	if r == nil {
		return nil
	}
	out := *r
	out.PerCategory = cloneFloatMap(r.PerCategory)
	out.Feedback = make(map[string]string, len(r.Feedback))
	for k, v := range r.Feedback {
		out.Feedback[k] = v
	}
	return &out
}

// Session is one student's evaluation attempt.
type Session struct {
	ID      string  `json:"id"`
	State   State   `json:"state"`
	Subject Subject `json:"subject"`
	Upload  Upload  `json:"upload"`

	Slides     []Slide `json:"slides,omitempty"`
	SlideIndex int     `json:"slide_index"`
	SlideRef   string  `json:"slide_ref,omitempty"`

	Scores        map[string]float64     `json:"scores"`
	Signals       map[string]SignalTally `json:"signals,omitempty"`
	Transcript    []TranscriptEntry      `json:"transcript"`
	AudioSequence int64                  `json:"audio_sequence"`

	FinalResult *FinalResult `json:"final_result,omitempty"`
	Failure     *Failure     `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is bumped by the store on every successful update.
	Version int64 `json:"version"`
}

// New returns a session in the created state.
func New(id string, subject Subject, upload Upload, now time.Time) *Session {
	return &Session{
		ID:         id,
		State:      StateCreated,
		Subject:    subject,
		Upload:     upload,
		Scores:     map[string]float64{},
		Signals:    map[string]SignalTally{},
		Transcript: []TranscriptEntry{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the session along a non-terminal edge. Completion and failure
// go through Complete and Fail so that their payloads are attached atomically.
func (s *Session) Transition(to State, now time.Time) error {
	if to == StateCompleted || to == StateError {
		return core.ErrInvalidTransition.Withf("use Complete or Fail to enter %s", to)
	}
	if !CanTransition(s.State, to) {
		return core.ErrInvalidTransition.Withf("cannot transition from %s to %s", s.State, to)
	}
	switch to {
	case StateUploaded:
		if strings.TrimSpace(s.Upload.Filename) == "" || s.Upload.Size <= 0 {
			return core.ErrInvalidTransition.Withf("cannot accept submission without a file")
		}
	case StateReady:
		if len(s.Slides) == 0 {
			return core.ErrInvalidTransition.Withf("cannot become ready without slides")
		}
	case StateStarted:
		if len(s.Slides) == 0 {
			return core.ErrInvalidTransition.Withf("cannot start a presentation without slides")
		}
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}

// Complete moves a started session to completed and attaches the final result.
func (s *Session) Complete(result *FinalResult, now time.Time) error {
	if result == nil {
		return core.NewInvalidRequestError("final result is required")
	}
	if !CanTransition(s.State, StateCompleted) {
		return core.ErrInvalidTransition.Withf("cannot transition from %s to %s", s.State, StateCompleted)
	}
	s.FinalResult = result.Clone()
	s.State = StateCompleted
	s.UpdatedAt = now
	return nil
}

// Fail moves a non-terminal session to error and records the reason.
func (s *Session) Fail(kind FailureKind, message string, now time.Time) error {
	if !CanTransition(s.State, StateError) {
		return core.ErrInvalidTransition.Withf("cannot transition from %s to %s", s.State, StateError)
	}
	if strings.TrimSpace(message) == "" {
		message = StatusMessage(StateError)
	}
	s.Failure = &Failure{Kind: kind, Message: message, At: now}
	s.FinalResult = nil
	s.State = StateError
	s.UpdatedAt = now
	return nil
}

// SetSlide records the presenter's current slide. Only allowed while started.
func (s *Session) SetSlide(index int, ref string, now time.Time) error {
	if s.State != StateStarted {
		return core.ErrInvalidTransition.Withf("slide changes require a started session (state=%s)", s.State)
	}
	if index < 0 || index >= len(s.Slides) {
		return core.NewInvalidRequestErrorWithParam("slide index out of range", "index")
	}
	s.SlideIndex = index
	s.SlideRef = strings.TrimSpace(ref)
	s.UpdatedAt = now
	return nil
}

func (s *Session) AppendTranscript(speaker Speaker, text string, now time.Time) {
	s.Transcript = append(s.Transcript, TranscriptEntry{Speaker: speaker, Text: text, At: now})
	s.UpdatedAt = now
}

// MergeScores writes partial category scores. Keys are never removed.
func (s *Session) MergeScores(scores map[string]float64) {
	if s.Scores == nil {
		s.Scores = map[string]float64{}
	}
	for k, v := range scores {
		s.Scores[k] = v
	}
}

// Status is what the status poller returns.
type Status struct {
	SessionID string   `json:"session_id"`
	State     State    `json:"state"`
	Message   string   `json:"message"`
	Failure   *Failure `json:"failure,omitempty"`
}

func (s *Session) Status() Status {
	st := Status{
		SessionID: s.ID,
		State:     s.State,
		Message:   StatusMessage(s.State),
	}
	if s.Failure != nil {
		f := *s.Failure
		st.Failure = &f
	}
	return st
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Slides = append([]Slide(nil), s.Slides...)
	out.Transcript = append([]TranscriptEntry{}, s.Transcript...)
	out.Scores = cloneFloatMap(s.Scores)
	out.Signals = make(map[string]SignalTally, len(s.Signals))
	for k, v := range s.Signals {
		out.Signals[k] = v
	}
	out.FinalResult = s.FinalResult.Clone()
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return &out
}

// StudentTurns counts transcript entries spoken by the student.
func (s *Session) StudentTurns() int {
	n := 0
	for _, e := range s.Transcript {
		if e.Speaker == SpeakerStudent {
			n++
		}
	}
	return n
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
