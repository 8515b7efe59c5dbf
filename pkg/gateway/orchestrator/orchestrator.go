// Package orchestrator is the single writer of session lifecycle state.
//
// Every mutation of a session record runs under that session's lock, so the
// HTTP handlers, realtime connections, the audio pipeline and background
// processing workers all observe one serialization point per session. Work for
// different sessions never contends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/evalroom/internal/keyedmutex"
	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/extract"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/scoring"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/metrics"
	"github.com/vango-go/evalroom/pkg/gateway/pipeline"
	"github.com/vango-go/evalroom/pkg/gateway/store"
)

const (
	defaultProcessingTimeout = 2 * time.Minute
	defaultSegmentTimeout    = 60 * time.Second
	defaultOpenTimeout       = 30 * time.Second

	// maxUpdateAttempts bounds retries when another process updated the record first.
	maxUpdateAttempts = 3

	emptyExtractionMessage = "no slides could be extracted from the presentation"
	interruptedMessage     = "processing was interrupted by a server shutdown"
)

var errScoringDegraded = errors.New("scoring model unavailable")

type Dependencies struct {
	Store      store.Store
	Extractor  collab.ContentExtractor
	Engine     collab.SpeechEngine
	Aggregator *scoring.Aggregator
	Events     pipeline.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

type Config struct {
	// ProcessingTimeout bounds background content extraction.
	ProcessingTimeout time.Duration
	// SegmentTimeout bounds one speech engine call.
	SegmentTimeout time.Duration
	// OpenTimeout bounds the first-instruction call made on start.
	OpenTimeout time.Duration
}

type Orchestrator struct {
	store      store.Store
	extractor  collab.ContentExtractor
	engine     collab.SpeechEngine
	aggregator *scoring.Aggregator
	rubric     *rubric.Rubric
	events     pipeline.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	cfg        Config

	locks    *keyedmutex.Mutex
	pipeline *pipeline.Pipeline

	baseCtx context.Context
	cancel  context.CancelFunc
	workers errgroup.Group
}

var _ pipeline.Sessions = (*Orchestrator)(nil)

func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("orchestrator: content extractor is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("orchestrator: speech engine is required")
	}
	if deps.Aggregator == nil {
		return nil, errors.New("orchestrator: score aggregator is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}
	if cfg.SegmentTimeout <= 0 {
		cfg.SegmentTimeout = defaultSegmentTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      deps.Store,
		extractor:  deps.Extractor,
		engine:     deps.Engine,
		aggregator: deps.Aggregator,
		rubric:     deps.Aggregator.Rubric(),
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		newID:      deps.NewID,
		cfg:        cfg,
		locks:      keyedmutex.New(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	o.pipeline = pipeline.New(pipeline.Config{
		Sessions: o,
		Engine:   deps.Engine,
		Rubric:   o.rubric,
		Events:   deps.Events,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger,
		Timeout:  cfg.SegmentTimeout,
		Now:      deps.Now,
	})
	return o, nil
}

func (o *Orchestrator) Rubric() *rubric.Rubric { return o.rubric }

// SubmitRequest is an accepted upload.
type SubmitRequest struct {
	Subject     session.Subject
	Filename    string
	ContentType string
	Data        []byte
}

// Submit creates a session, moves it to uploaded and starts background
// processing. The returned session is in the uploaded state.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*session.Session, error) {
	req.Subject.RollNo = strings.TrimSpace(req.Subject.RollNo)
	req.Subject.Name = strings.TrimSpace(req.Subject.Name)
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Subject.RollNo == "" {
		return nil, core.NewInvalidRequestErrorWithParam("roll_no is required", "roll_no")
	}
	if req.Subject.Name == "" {
		return nil, core.NewInvalidRequestErrorWithParam("name is required", "name")
	}
	if req.Filename == "" || len(req.Data) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("a presentation file is required", "file")
	}
	if !extract.Supported(req.Filename) {
		return nil, core.ErrUnsupportedFile.Withf("unsupported file %q: upload a .pptx or .pdf", req.Filename).WithParam("file")
	}

	s := session.New(o.newID(), req.Subject, session.Upload{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        int64(len(req.Data)),
	}, o.now())
	if err := o.store.Create(ctx, s); err != nil {
		return nil, err
	}
	o.metrics.RecordSessionCreated()
	o.logger.Info("session created",
		"session_id", s.ID,
		"roll_no", s.Subject.RollNo,
		"filename", req.Filename,
		"size", len(req.Data),
	)

	uploaded, err := o.update(ctx, s.ID, func(s *session.Session) error {
		return s.Transition(session.StateUploaded, o.now())
	})
	if err != nil {
		return nil, err
	}

	doc := collab.Document{Filename: req.Filename, ContentType: req.ContentType, Data: req.Data}
	id := s.ID
	o.workers.Go(func() error {
		o.process(id, doc)
		return nil
	})
	return uploaded, nil
}

// process runs content extraction for an uploaded session.
func (o *Orchestrator) process(id string, doc collab.Document) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.ProcessingTimeout)
	defer cancel()

	if _, err := o.update(ctx, id, func(s *session.Session) error {
		return s.Transition(session.StateProcessing, o.now())
	}); err != nil {
		o.logger.Error("processing could not start", "session_id", id, "error", err)
		return
	}

	start := time.Now()
	slides, err := o.extractor.Extract(ctx, doc)
	o.metrics.RecordCollaborator(collab.NameContentExtractor, time.Since(start), err)

	switch {
	case err != nil && o.baseCtx.Err() != nil:
		o.failProcessing(id, session.FailureFault, interruptedMessage, err)
		return
	case err != nil:
		o.failProcessing(id, session.FailureProcessing, processingMessage(err), err)
		return
	case len(slides) == 0:
		o.failProcessing(id, session.FailureProcessing, emptyExtractionMessage, nil)
		return
	}

	if _, err := o.update(ctx, id, func(s *session.Session) error {
		s.Slides = append([]session.Slide(nil), slides...)
		s.SlideIndex = 0
		return s.Transition(session.StateReady, o.now())
	}); err != nil {
		o.failProcessing(id, session.FailureFault, "could not record extracted slides", err)
		return
	}
	o.logger.Info("presentation processed", "session_id", id, "slides", len(slides))
}

func (o *Orchestrator) failProcessing(id string, kind session.FailureKind, message string, cause error) {
	o.logger.Error("processing failed",
		"session_id", id,
		"kind", kind,
		"message", message,
		"error", cause,
	)
	// The processing context may already be done; recording the failure must not be.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.update(ctx, id, func(s *session.Session) error {
		return s.Fail(kind, message, o.now())
	}); err != nil {
		o.logger.Error("could not record processing failure", "session_id", id, "error", err)
	}
}

func processingMessage(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Type == core.ErrInvalidRequest {
		return ce.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "presentation analysis timed out"
	}
	return "presentation analysis failed"
}

// Status is the poll target. It reads the store directly and never blocks on
// in-flight mutations.
func (o *Orchestrator) Status(ctx context.Context, id string) (session.Status, error) {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return session.Status{}, err
	}
	return s.Status(), nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*session.Session, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, opts store.ListOptions) ([]*session.Session, error) {
	if opts.State != "" && !opts.State.Valid() {
		return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown state %q", opts.State), "state")
	}
	return o.store.List(ctx, opts)
}

type StartResult struct {
	Session          *session.Session
	FirstInstruction string
}

// Start moves a ready session to started and returns the agent's first instruction.
// The instruction is requested once; a version conflict replays only the write.
func (o *Orchestrator) Start(ctx context.Context, id string) (*StartResult, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Clone().Transition(session.StateStarted, o.now()); err != nil {
		return nil, err
	}

	instruction := o.firstInstruction(ctx, s)
	started, err := o.updateLocked(ctx, id, s, func(s *session.Session) error {
		if err := s.Transition(session.StateStarted, o.now()); err != nil {
			return err
		}
		s.AppendTranscript(session.SpeakerAgent, instruction, o.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &StartResult{Session: started, FirstInstruction: instruction}, nil
}

func (o *Orchestrator) firstInstruction(ctx context.Context, s *session.Session) string {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OpenTimeout)
	defer cancel()
	start := time.Now()
	text, err := o.engine.Open(ctx, collab.OpenRequest{
		SessionID: s.ID,
		Subject:   s.Subject,
		Slides:    s.Slides,
	})
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = errors.New("empty instruction")
	}
	o.metrics.RecordCollaborator(collab.NameSpeechEngine, time.Since(start), err)
	if err != nil {
		o.logger.Warn("speech engine could not open the session; using default instruction",
			"session_id", s.ID,
			"error", err,
		)
		return defaultInstruction(s)
	}
	return text
}

func defaultInstruction(s *session.Session) string {
	if len(s.Slides) == 0 {
		return "Please begin your presentation."
	}
	return fmt.Sprintf("Please begin your presentation with slide %d.", s.Slides[0].Number)
}

// ChangeSlide records the presenter's slide position.
func (o *Orchestrator) ChangeSlide(ctx context.Context, id string, index int, ref string) (*session.Session, error) {
	return o.update(ctx, id, func(s *session.Session) error {
		return s.SetSlide(index, ref, o.now())
	})
}

// SubmitSegment hands one audio segment to the pipeline.
func (o *Orchestrator) SubmitSegment(ctx context.Context, seg pipeline.Segment) (*pipeline.Result, error) {
	return o.pipeline.Submit(ctx, seg)
}

// Complete finalizes a started session. Completing an already completed session
// returns the stored result without recomputing it. If ctx ends before the
// result is stored the session stays started.
func (o *Orchestrator) Complete(ctx context.Context, id string) (*session.FinalResult, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State == session.StateCompleted {
		return s.FinalResult.Clone(), nil
	}
	if s.State != session.StateStarted {
		return nil, core.ErrInvalidTransition.Withf("cannot complete a session in state %s", s.State)
	}

	start := time.Now()
	res, err := o.aggregator.Aggregate(ctx, s)
	if errors.Is(err, core.ErrScoreOutOfRange) {
		// The stored partial scores no longer fit the rubric, so no retry can succeed.
		o.faultLocked(id, "stored scores do not match the configured rubric", err)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	var scoreErr error
	if res.Degraded {
		scoreErr = errScoringDegraded
		o.metrics.RecordScoringFallback()
	}
	o.metrics.RecordCollaborator(collab.NameScoringModel, time.Since(start), scoreErr)

	done, err := o.updateLocked(ctx, id, s, func(s *session.Session) error {
		return s.Complete(res, o.now())
	})
	if errors.Is(err, core.ErrInvalidTransition) {
		// Another process completed it between our read and the retry.
		if cur, gerr := o.store.Get(ctx, id); gerr == nil && cur.State == session.StateCompleted {
			return cur.FinalResult.Clone(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("evaluation completed",
		"session_id", id,
		"total", done.FinalResult.Total,
		"degraded", done.FinalResult.Degraded,
	)
	o.publish(events.Event{
		Type:      events.TypeSessionCompleted,
		SessionID: id,
		At:        o.now(),
		Payload:   events.Completed{Result: done.FinalResult.Clone()},
	})
	return done.FinalResult.Clone(), nil
}

// Fail moves a non-terminal session to error after an unrecoverable fault.
func (o *Orchestrator) Fail(ctx context.Context, id, message string) (*session.Session, error) {
	unlock := o.locks.Lock(id)
	defer unlock()
	return o.failLocked(ctx, id, message)
}

func (o *Orchestrator) failLocked(ctx context.Context, id, message string) (*session.Session, error) {
	return o.updateLocked(ctx, id, nil, func(s *session.Session) error {
		return s.Fail(session.FailureFault, message, o.now())
	})
}

// faultLocked records an unrecoverable fault while the session lock is held.
// The caller's context may already be done, so the write gets its own.
func (o *Orchestrator) faultLocked(id, message string, cause error) {
	o.logger.Error("session fault",
		"session_id", id,
		"message", message,
		"error", cause,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.failLocked(ctx, id, message); err != nil {
		o.logger.Error("could not record session fault", "session_id", id, "error", err)
	}
}

// Snapshot returns the current record without taking the session lock.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*session.Session, error) {
	return o.store.Get(ctx, id)
}

// Mutate applies fn under the session lock and persists the result.
func (o *Orchestrator) Mutate(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	return o.update(ctx, id, fn)
}

// RequestCompletion is how the pipeline asks for started → completed.
func (o *Orchestrator) RequestCompletion(ctx context.Context, id string) (*session.FinalResult, error) {
	return o.Complete(ctx, id)
}

// update reads, mutates and writes one record under the session lock.
func (o *Orchestrator) update(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	unlock := o.locks.Lock(id)
	defer unlock()
	return o.updateLocked(ctx, id, nil, fn)
}

// updateLocked applies fn and writes the record; the caller holds the session
// lock. first, when non-nil, is a record the caller already read and is used for
// the first attempt. A version conflict means another process wrote first; the
// mutation is replayed on a fresh read.
func (o *Orchestrator) updateLocked(ctx context.Context, id string, first *session.Session, fn func(*session.Session) error) (*session.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		s := first
		first = nil
		if s == nil {
			var err error
			if s, err = o.store.Get(ctx, id); err != nil {
				return nil, err
			}
		}
		from := s.State
		if err := fn(s); err != nil {
			return nil, err
		}
		err := o.store.Update(ctx, s)
		if err == nil {
			o.transitioned(s, from)
			return s.Clone(), nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (o *Orchestrator) transitioned(s *session.Session, from session.State) {
	if s.State == from {
		return
	}
	o.metrics.RecordTransition(string(from), string(s.State))
	o.logger.Info("session transition",
		"session_id", s.ID,
		"from", from,
		"to", s.State,
	)
	o.publish(events.Event{
		Type:      events.TypeStateChanged,
		SessionID: s.ID,
		At:        s.UpdatedAt,
		Payload:   events.StateChanged{From: from, To: s.State},
	})
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// Wait blocks until background processing workers have finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = o.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight processing and waits for the workers to record their outcome.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	return o.Wait(ctx)
}
