package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/events"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu          sync.Mutex
	s           *session.Session
	completions int
}

func newStarted() *fakeSessions {
	s := session.New("s1", session.Subject{RollNo: "21CS001", Name: "Asha"}, session.Upload{Filename: "deck.pdf", Size: 3}, t0)
	s.Slides = []session.Slide{{Number: 1, Content: "Intro"}, {Number: 2, Content: "Method"}}
	s.State = session.StateStarted
	return &fakeSessions{s: s}
}

func (f *fakeSessions) Snapshot(ctx context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.s.ID {
		return nil, core.ErrSessionNotFound
	}
	return f.s.Clone(), nil
}

func (f *fakeSessions) Mutate(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.s.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	f.s = next
	return next.Clone(), nil
}

func (f *fakeSessions) RequestCompletion(ctx context.Context, id string) (*session.FinalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions++
	if err := f.s.Complete(&session.FinalResult{PerCategory: map[string]float64{}, Feedback: map[string]string{}}, t0); err != nil {
		return nil, err
	}
	return f.s.FinalResult.Clone(), nil
}

type scriptedEngine struct {
	mu    sync.Mutex
	calls []int64
	turn  func(req collab.TurnRequest) (*collab.Turn, error)
}

func (e *scriptedEngine) Open(ctx context.Context, req collab.OpenRequest) (string, error) {
	return "begin", nil
}

func (e *scriptedEngine) Respond(ctx context.Context, req collab.TurnRequest) (*collab.Turn, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.Sequence)
	e.mu.Unlock()
	if e.turn != nil {
		return e.turn(req)
	}
	return &collab.Turn{
		Transcript: fmt.Sprintf("student %d", req.Sequence),
		Response:   fmt.Sprintf("agent %d", req.Sequence),
		Continue:   true,
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func segment(seq int64) Segment {
	return Segment{SessionID: "s1", Sequence: seq, Audio: []byte("pcm"), MIMEType: "audio/webm"}
}

func TestDuplicateSequencesAreDropped(t *testing.T) {
	sessions := newStarted()
	engine := &scriptedEngine{}
	p := New(Config{Sessions: sessions, Engine: engine, Now: func() time.Time { return t0 }})

	var accepted int
	for _, seq := range []int64{1, 2, 2, 3} {
		res, err := p.Submit(context.Background(), segment(seq))
		if err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
		if res.Status == StatusAccepted {
			accepted++
		}
	}
	if accepted != 3 {
		t.Fatalf("accepted=%d, want 3", accepted)
	}
	if got := sessions.s.StudentTurns(); got != 3 {
		t.Fatalf("student turns=%d, want 3", got)
	}
	if got := len(sessions.s.Transcript); got != 6 {
		t.Fatalf("transcript entries=%d, want 6", got)
	}
	if sessions.s.AudioSequence != 3 {
		t.Fatalf("AudioSequence=%d, want 3", sessions.s.AudioSequence)
	}
	if len(engine.calls) != 3 {
		t.Fatalf("engine calls=%v, want 3", engine.calls)
	}
	want := []session.Speaker{session.SpeakerStudent, session.SpeakerAgent}
	for i, e := range sessions.s.Transcript {
		if e.Speaker != want[i%2] {
			t.Fatalf("entry %d speaker=%s, want %s", i, e.Speaker, want[i%2])
		}
	}
	if sessions.s.Transcript[4].Text != "student 3" {
		t.Fatalf("entry 4=%q", sessions.s.Transcript[4].Text)
	}
}

func TestEngineFailureDoesNotAdvanceSequence(t *testing.T) {
	sessions := newStarted()
	fail := true
	engine := &scriptedEngine{turn: func(req collab.TurnRequest) (*collab.Turn, error) {
		if fail {
			return nil, errors.New("model unavailable")
		}
		return &collab.Turn{Transcript: "ok", Response: "next", Continue: true}, nil
	}}
	p := New(Config{Sessions: sessions, Engine: engine})

	_, err := p.Submit(context.Background(), segment(1))
	if !errors.Is(err, core.ErrUpstreamFailure) {
		t.Fatalf("err=%v, want UpstreamFailure", err)
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Collaborator != collab.NameSpeechEngine {
		t.Fatalf("collaborator not recorded: %v", err)
	}
	if sessions.s.State != session.StateStarted || sessions.s.AudioSequence != 0 || len(sessions.s.Transcript) != 0 {
		t.Fatalf("session changed after failure: %+v", sessions.s)
	}

	fail = false
	res, err := p.Submit(context.Background(), segment(1))
	if err != nil || res.Status != StatusAccepted {
		t.Fatalf("retry res=%+v err=%v", res, err)
	}
}

func TestSegmentsRequireStartedSession(t *testing.T) {
	sessions := newStarted()
	sessions.s.State = session.StateReady
	p := New(Config{Sessions: sessions, Engine: &scriptedEngine{}})

	_, err := p.Submit(context.Background(), segment(1))
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("err=%v, want InvalidTransition", err)
	}
}

func TestInvalidSegments(t *testing.T) {
	p := New(Config{Sessions: newStarted(), Engine: &scriptedEngine{}})
	if _, err := p.Submit(context.Background(), segment(0)); err == nil {
		t.Fatalf("sequence 0 accepted")
	}
	if _, err := p.Submit(context.Background(), Segment{SessionID: "s1", Sequence: 1}); err == nil {
		t.Fatalf("empty audio accepted")
	}
}

func TestStopSignalRequestsCompletion(t *testing.T) {
	sessions := newStarted()
	engine := &scriptedEngine{turn: func(req collab.TurnRequest) (*collab.Turn, error) {
		return &collab.Turn{Transcript: "thank you", Response: "That concludes the evaluation.", Continue: false}, nil
	}}
	p := New(Config{Sessions: sessions, Engine: engine})

	res, err := p.Submit(context.Background(), segment(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Continue || res.Final == nil {
		t.Fatalf("res=%+v, want continue=false with final result", res)
	}
	if sessions.s.State != session.StateCompleted || sessions.completions != 1 {
		t.Fatalf("state=%s completions=%d", sessions.s.State, sessions.completions)
	}

	_, err = p.Submit(context.Background(), segment(2))
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("segment after completion err=%v", err)
	}
}

func TestSignalsBecomeLiveScores(t *testing.T) {
	sessions := newStarted()
	ratings := []float64{8, 6}
	engine := &scriptedEngine{turn: func(req collab.TurnRequest) (*collab.Turn, error) {
		v := ratings[req.Sequence-1]
		return &collab.Turn{
			Transcript: "words",
			Response:   "go on",
			Continue:   true,
			Question:   "Why this dataset?",
			Signals: map[string]float64{
				rubric.SignalContent:  v,
				rubric.SignalDelivery: 14,
				"charisma":            9,
			},
		}, nil
	}}
	rec := &recorder{}
	p := New(Config{Sessions: sessions, Engine: engine, Events: rec, Rubric: rubric.Default()})

	for seq := int64(1); seq <= 2; seq++ {
		if _, err := p.Submit(context.Background(), segment(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}

	// content mean 7/10 of 20, delivery clamped to 10/10 of 20.
	if got := sessions.s.Scores["Project Content"]; got != 14 {
		t.Fatalf("Project Content=%v, want 14", got)
	}
	if got := sessions.s.Scores["Communication & Delivery"]; got != 20 {
		t.Fatalf("Communication & Delivery=%v, want 20", got)
	}
	if _, ok := sessions.s.Signals["charisma"]; ok {
		t.Fatalf("unknown signal recorded")
	}

	var scores, questions int
	var last events.LiveScores
	for _, ev := range rec.events {
		switch ev.Type {
		case events.TypeLiveScoreUpdate:
			scores++
			last = ev.Payload.(events.LiveScores)
		case events.TypeAIQuestion:
			questions++
		}
	}
	if scores != 2 || questions != 2 {
		t.Fatalf("score events=%d question events=%d, want 2 and 2", scores, questions)
	}
	if last.Scores["Project Content"] != 14 || last.Signals[rubric.SignalContent] != 7 {
		t.Fatalf("last snapshot=%+v", last)
	}
}

func TestConcurrentSubmitsStayOrdered(t *testing.T) {
	sessions := newStarted()
	engine := &scriptedEngine{}
	p := New(Config{Sessions: sessions, Engine: engine})

	var wg sync.WaitGroup
	for seq := int64(1); seq <= 20; seq++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			if _, err := p.Submit(context.Background(), segment(seq)); err != nil {
				t.Errorf("Submit(%d): %v", seq, err)
			}
		}(seq)
	}
	wg.Wait()

	var prev int64
	for _, e := range sessions.s.Transcript {
		if e.Speaker != session.SpeakerStudent {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(e.Text, "student %d", &seq); err != nil {
			t.Fatalf("unexpected transcript %q", e.Text)
		}
		if seq <= prev {
			t.Fatalf("transcript out of order: %d after %d", seq, prev)
		}
		prev = seq
	}
}
