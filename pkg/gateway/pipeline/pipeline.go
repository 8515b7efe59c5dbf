// Package pipeline sequences audio segments for started sessions.
//
// Each session has its own lane: segments for one session are transcribed one at
// a time, in arrival order, while other sessions proceed independently. The
// speech engine is called outside the session record lock so slide changes and
// status reads are never blocked by a slow transcription.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/evalroom/internal/keyedmutex"
	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/metrics"
)

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
)

// Sessions is the slice of the orchestrator the pipeline depends on. Mutate runs
// fn under the session's serialization point and persists the result.
type Sessions interface {
	Snapshot(ctx context.Context, id string) (*session.Session, error)
	Mutate(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error)
	RequestCompletion(ctx context.Context, id string) (*session.FinalResult, error)
}

type Publisher interface {
	Publish(ev events.Event)
}

type Segment struct {
	SessionID string
	Sequence  int64
	Audio     []byte
	MIMEType  string
}

type Result struct {
	Sequence   int64
	Status     Status
	Transcript string
	Response   string
	Continue   bool
	Question   string
	Signals    map[string]float64
	// Final is set when this segment ended the presentation.
	Final *session.FinalResult
}

type Config struct {
	Sessions Sessions
	Engine   collab.SpeechEngine
	Rubric   *rubric.Rubric
	Events   Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Timeout bounds one speech engine call. Zero means no limit.
	Timeout time.Duration
	Now     func() time.Time
}

type Pipeline struct {
	sessions Sessions
	engine   collab.SpeechEngine
	rubric   *rubric.Rubric
	events   Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	lanes    *keyedmutex.Mutex
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		sessions: cfg.Sessions,
		engine:   cfg.Engine,
		rubric:   cfg.Rubric,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		lanes:    keyedmutex.New(),
	}
	if p.rubric == nil {
		p.rubric = rubric.Default()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Submit processes one audio segment.
//
// A segment whose sequence is not above the highest accepted one is reported
// with StatusDuplicate and a nil error. A speech engine failure returns an
// UpstreamFailure and leaves the session untouched, so the same sequence may be
// retried.
func (p *Pipeline) Submit(ctx context.Context, seg Segment) (*Result, error) {
	if seg.Sequence <= 0 {
		return nil, core.NewInvalidRequestErrorWithParam("sequence must be a positive integer", "sequence")
	}
	if len(seg.Audio) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("audio payload is empty", "audio")
	}

	unlock := p.lanes.Lock(seg.SessionID)
	defer unlock()

	snap, err := p.sessions.Snapshot(ctx, seg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := admit(snap, seg.Sequence); err != nil {
		return p.rejected(seg, err)
	}

	turn, err := p.respond(ctx, snap, seg)
	if err != nil {
		p.metrics.RecordSegment("failed")
		p.logger.Warn("audio segment failed",
			"session_id", seg.SessionID,
			"sequence", seg.Sequence,
			"error", err,
		)
		return nil, core.NewUpstreamError(collab.NameSpeechEngine, err)
	}

	signals := normalizeSignals(turn.Signals)
	updated, err := p.sessions.Mutate(ctx, seg.SessionID, func(s *session.Session) error {
		if err := admit(s, seg.Sequence); err != nil {
			return err
		}
		now := p.now()
		s.AppendTranscript(session.SpeakerStudent, strings.TrimSpace(turn.Transcript), now)
		s.AppendTranscript(session.SpeakerAgent, strings.TrimSpace(turn.Response), now)
		s.AudioSequence = seg.Sequence
		if len(signals) > 0 {
			if s.Signals == nil {
				s.Signals = map[string]session.SignalTally{}
			}
			for name, v := range signals {
				t := s.Signals[name]
				t.Sum += v
				t.Count++
				s.Signals[name] = t
			}
			s.MergeScores(p.rubric.FromSignals(s.Signals))
		}
		return nil
	})
	if err != nil {
		return p.rejected(seg, err)
	}
	p.metrics.RecordSegment(string(StatusAccepted))

	res := &Result{
		Sequence:   seg.Sequence,
		Status:     StatusAccepted,
		Transcript: strings.TrimSpace(turn.Transcript),
		Response:   strings.TrimSpace(turn.Response),
		Continue:   turn.Continue,
		Question:   strings.TrimSpace(turn.Question),
		Signals:    signals,
	}

	// Published while the lane is held so snapshots leave in sequence order.
	now := p.now()
	if len(signals) > 0 {
		p.publish(events.Event{
			Type:      events.TypeLiveScoreUpdate,
			SessionID: seg.SessionID,
			At:        now,
			Payload: events.LiveScores{
				Scores:  copyScores(updated.Scores),
				Signals: signalMeans(updated.Signals),
			},
		})
	}
	if res.Question != "" {
		p.publish(events.Event{
			Type:      events.TypeAIQuestion,
			SessionID: seg.SessionID,
			At:        now,
			Payload:   events.Question{Text: res.Question},
		})
	}

	if !turn.Continue {
		final, err := p.sessions.RequestCompletion(ctx, seg.SessionID)
		if err != nil && !errors.Is(err, core.ErrInvalidTransition) {
			p.logger.Error("completion after final segment failed",
				"session_id", seg.SessionID,
				"sequence", seg.Sequence,
				"error", err,
			)
			return res, err
		}
		res.Final = final
	}
	return res, nil
}

func (p *Pipeline) rejected(seg Segment, err error) (*Result, error) {
	if errors.Is(err, core.ErrDuplicateSegment) {
		p.metrics.RecordSegment(string(StatusDuplicate))
		p.logger.Debug("duplicate audio segment dropped",
			"session_id", seg.SessionID,
			"sequence", seg.Sequence,
		)
		return &Result{Sequence: seg.Sequence, Status: StatusDuplicate, Continue: true}, nil
	}
	p.metrics.RecordSegment("rejected")
	return nil, err
}

func (p *Pipeline) respond(ctx context.Context, snap *session.Session, seg Segment) (*collab.Turn, error) {
	if p.engine == nil {
		return nil, fmt.Errorf("no speech engine configured")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	turn, err := p.engine.Respond(ctx, collab.TurnRequest{
		SessionID:  snap.ID,
		Sequence:   seg.Sequence,
		Audio:      seg.Audio,
		MIMEType:   seg.MIMEType,
		Slides:     snap.Slides,
		SlideIndex: snap.SlideIndex,
		SlideRef:   snap.SlideRef,
		Transcript: snap.Transcript,
	})
	if err == nil && turn == nil {
		err = fmt.Errorf("empty turn")
	}
	p.metrics.RecordCollaborator(collab.NameSpeechEngine, time.Since(start), err)
	return turn, err
}

func (p *Pipeline) publish(ev events.Event) {
	if p.events != nil {
		p.events.Publish(ev)
	}
}

// admit reports whether seq may be applied to s.
func admit(s *session.Session, seq int64) error {
	if s.State != session.StateStarted {
		return core.ErrInvalidTransition.Withf("audio segments require a started session (state=%s)", s.State)
	}
	if seq <= s.AudioSequence {
		return core.ErrDuplicateSegment.Withf("sequence %d is not above %d", seq, s.AudioSequence)
	}
	return nil
}

func normalizeSignals(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for name, v := range in {
		if !rubric.IsSignal(name) {
			continue
		}
		if v < 0 {
			v = 0
		}
		if v > rubric.SignalScale {
			v = rubric.SignalScale
		}
		out[name] = v
	}
	return out
}

func signalMeans(tallies map[string]session.SignalTally) map[string]float64 {
	out := make(map[string]float64, len(tallies))
	for name, t := range tallies {
		out[name] = t.Mean()
	}
	return out
}

func copyScores(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
