package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/evalroom/pkg/core"
	evalsession "github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/live/protocol"
	"github.com/vango-go/evalroom/pkg/gateway/pipeline"
)

const (
	outboundPriorityQueueSize = 8
	defaultAudioQueueSize     = 16
)

var errBackpressure = errors.New("live outbound backpressure")

// Service is the part of the orchestrator a realtime connection drives.
type Service interface {
	ChangeSlide(ctx context.Context, id string, index int, ref string) (*evalsession.Session, error)
	SubmitSegment(ctx context.Context, seg pipeline.Segment) (*pipeline.Result, error)
	Complete(ctx context.Context, id string) (*evalsession.FinalResult, error)
}

type Config struct {
	MaxAudioBytes              int
	MaxJSONMessageBytes        int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	PingInterval               time.Duration
	WriteTimeout               time.Duration
	ReadTimeout                time.Duration
	OutboundQueueSize          int
	AudioQueueSize             int
}

type Dependencies struct {
	Conn    *websocket.Conn
	Logger  *slog.Logger
	Service Service
	// Events must already be subscribed to SessionID. The session closes it.
	Events    *events.Subscription
	Hello     protocol.ClientHello
	SessionID string
	RequestID string
	Config    Config
	Now       func() time.Time
}

// LiveSession is one realtime connection bound to an evaluation session. It
// forwards session events to the client and feeds client frames to the service.
// Dropping the connection never changes the evaluation session itself.
type LiveSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	service   Service
	events    *events.Subscription
	hello     protocol.ClientHello
	sessionID string
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	audioJobs        chan audioJob
	ended            chan *evalsession.FinalResult
}

type outboundFrame struct {
	textPayload []byte
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// audioJob is either one audio segment or the end-of-presentation request.
// Both travel through the same queue so session_end is handled after every
// segment the client sent before it.
type audioJob struct {
	segment pipeline.Segment
	end     bool
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event subscription is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.AudioQueueSize <= 0 {
		deps.Config.AudioQueueSize = defaultAudioQueueSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		service:          deps.Service,
		events:           deps.Events,
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		audioJobs:        make(chan audioJob, deps.Config.AudioQueueSize),
		ended:            make(chan *evalsession.FinalResult, 1),
	}, nil
}

func (s *LiveSession) Run() error {
	defer s.cancel()
	defer s.events.Close()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	s.logger.Info("live session started",
		"session_id", s.sessionID,
		"request_id", s.requestID,
		"hello", s.hello.RedactedForLog(),
	)

	budget := newSegmentBudget(s.now, s.cfg.LiveMaxAudioFPS, s.cfg.LiveMaxAudioBytesPerSecond, s.cfg.LiveInboundBurstSeconds)

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	workerDone := make(chan struct{})
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()
	go func() {
		defer close(workerDone)
		s.audioWorker()
	}()
	defer func() {
		s.cancel()
		<-workerDone
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	onSendErr := func(err error) error {
		if errors.Is(err, errBackpressure) {
			s.logger.Warn("live client too slow, closing", "session_id", s.sessionID, "request_id", s.requestID)
			_ = s.sendSessionError("backpressure", "client is not reading fast enough", true, nil)
			return flushAndClose()
		}
		return err
	}

	var (
		completedSent bool
		sub           = s.events.C()
	)
	forward := func(ev events.Event) error {
		frame, ok := frameForEvent(ev)
		if !ok {
			return nil
		}
		if ev.Type == events.TypeSessionCompleted {
			completedSent = true
		}
		return s.sendJSON(frame)
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case ev, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			if err := forward(ev); err != nil {
				return onSendErr(err)
			}
		case result := <-s.ended:
			// Completion publishes before it returns, so anything it emitted is
			// already buffered on the subscription.
			for drained := false; !drained && sub != nil; {
				select {
				case ev, ok := <-sub:
					if !ok {
						sub = nil
						continue
					}
					if err := forward(ev); err != nil {
						return onSendErr(err)
					}
				default:
					drained = true
				}
			}
			if !completedSent && result != nil {
				if err := s.sendJSON(protocol.ServerSessionCompleted{Type: protocol.TypeSessionCompleted, FinalResult: result}); err != nil {
					return onSendErr(err)
				}
			}
			if err := s.sendJSON(protocol.ServerDisconnectAck{Type: protocol.TypeDisconnectAck}); err != nil {
				return onSendErr(err)
			}
			s.logger.Info("live session ended by client", "session_id", s.sessionID, "request_id", s.requestID)
			return flushAndClose()
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				if err := s.sendSessionError("bad_request", "binary frames are not supported", true, nil); err != nil {
					return onSendErr(err)
				}
				return flushAndClose()
			}
			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				code := "bad_request"
				var de *protocol.DecodeError
				if errors.As(decErr, &de) {
					code = de.Code
				}
				if err := s.sendSessionError(code, decErr.Error(), true, nil); err != nil {
					return onSendErr(err)
				}
				return flushAndClose()
			}
			switch m := msg.(type) {
			case protocol.ClientHello:
				if err := s.sendWarning("duplicate_hello", "hello was already received on this connection"); err != nil {
					return onSendErr(err)
				}
			case protocol.ClientSlideChanged:
				if _, err := s.service.ChangeSlide(s.ctx, s.sessionID, *m.Index, m.ImageRef); err != nil {
					if s.ctx.Err() != nil {
						return nil
					}
					if err := s.sendJSON(errorFrame("slide", err, nil)); err != nil {
						return onSendErr(err)
					}
				}
			case protocol.ClientAudioChunk:
				audio, mime, err := m.Audio()
				if err != nil {
					if err := s.sendSessionError("bad_request", err.Error(), true, nil); err != nil {
						return onSendErr(err)
					}
					return flushAndClose()
				}
				if s.cfg.MaxAudioBytes > 0 && len(audio) > s.cfg.MaxAudioBytes {
					if err := s.sendSessionError("bad_request", "audio chunk exceeds max size", true, nil); err != nil {
						return onSendErr(err)
					}
					return flushAndClose()
				}
				if !budget.admit(len(audio)) {
					details := map[string]any{
						"limit_fps":             s.cfg.LiveMaxAudioFPS,
						"limit_bps":             s.cfg.LiveMaxAudioBytesPerSecond,
						"inbound_burst_seconds": s.cfg.LiveInboundBurstSeconds,
					}
					if err := s.sendSessionError("rate_limited", "inbound audio rate limit exceeded", true, details); err != nil {
						return onSendErr(err)
					}
					return flushAndClose()
				}
				job := audioJob{segment: pipeline.Segment{
					SessionID: s.sessionID,
					Sequence:  m.Sequence,
					Audio:     audio,
					MIMEType:  mime,
				}}
				select {
				case s.audioJobs <- job:
				default:
					// The client keeps the segment and resends it; the sequence guard makes that safe.
					frame := protocol.ServerError{
						Type:      protocol.TypeError,
						Scope:     "audio",
						Code:      "audio_queue_full",
						Message:   "too many audio segments in flight",
						Retryable: true,
						Details:   map[string]any{"sequence": m.Sequence},
					}
					if err := s.sendJSON(frame); err != nil {
						return onSendErr(err)
					}
				}
			case protocol.ClientSessionEnd:
				select {
				case s.audioJobs <- audioJob{end: true}:
				case <-s.ctx.Done():
					return nil
				}
			}
		}
	}
}

// audioWorker runs segments and the end request in arrival order, off the read
// loop, so a slow speech engine never stalls slide changes or pings.
func (s *LiveSession) audioWorker() {
	for {
		var job audioJob
		select {
		case <-s.ctx.Done():
			return
		case job = <-s.audioJobs:
		}

		if job.end {
			if s.endSession() {
				return
			}
			continue
		}

		res, err := s.service.SubmitSegment(s.ctx, job.segment)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Debug("live audio segment rejected",
				"session_id", s.sessionID,
				"sequence", job.segment.Sequence,
				"error", err,
			)
			if err := s.sendJSON(errorFrame("audio", err, map[string]any{"sequence": job.segment.Sequence})); err != nil {
				s.cancel()
				return
			}
			continue
		}
		ack := protocol.ServerAudioAck{
			Type:       protocol.TypeAudioAck,
			Sequence:   res.Sequence,
			Status:     string(res.Status),
			Transcript: res.Transcript,
			Response:   res.Response,
			Continue:   res.Continue,
		}
		if err := s.sendJSON(ack); err != nil {
			s.cancel()
			return
		}
	}
}

// endSession completes the evaluation and hands the result to the main loop.
// It reports whether the connection is finished.
func (s *LiveSession) endSession() bool {
	result, err := s.service.Complete(s.ctx, s.sessionID)
	if err != nil {
		if s.ctx.Err() != nil {
			return true
		}
		if err := s.sendJSON(errorFrame("session", err, nil)); err != nil {
			s.cancel()
			return true
		}
		return false
	}
	select {
	case s.ended <- result:
	case <-s.ctx.Done():
	}
	return true
}

// frameForEvent translates a hub event into its wire frame.
func frameForEvent(ev events.Event) (any, bool) {
	switch p := ev.Payload.(type) {
	case events.StateChanged:
		return protocol.ServerStateChanged{
			Type:    protocol.TypeStateChanged,
			From:    p.From,
			To:      p.To,
			Message: evalsession.StatusMessage(p.To),
		}, true
	case events.LiveScores:
		return protocol.ServerLiveScoreUpdate{
			Type:        protocol.TypeLiveScoreUpdate,
			Scores:      p.Scores,
			Signals:     p.Signals,
			TimestampMS: ev.At.UnixMilli(),
		}, true
	case events.Question:
		return protocol.ServerAIQuestion{
			Type:        protocol.TypeAIQuestion,
			Question:    p.Text,
			TimestampMS: ev.At.UnixMilli(),
		}, true
	case events.Completed:
		return protocol.ServerSessionCompleted{
			Type:        protocol.TypeSessionCompleted,
			FinalResult: p.Result,
		}, true
	default:
		return nil, false
	}
}

// errorFrame reports a failed client request without closing the connection.
func errorFrame(scope string, err error, details map[string]any) protocol.ServerError {
	frame := protocol.ServerError{
		Type:    protocol.TypeError,
		Scope:   scope,
		Code:    "internal_error",
		Message: "internal error",
		Details: details,
	}
	var coreErr *core.Error
	switch {
	case errors.As(err, &coreErr):
		frame.Code = coreErr.Code
		if frame.Code == "" {
			frame.Code = string(coreErr.Type)
		}
		frame.Message = coreErr.Message
		frame.Retryable = coreErr.IsRetryable()
	case errors.Is(err, context.DeadlineExceeded):
		frame.Code = "timeout"
		frame.Message = "request timed out"
		frame.Retryable = true
	}
	return frame
}

func (s *LiveSession) sendWarning(code, message string) error {
	return s.sendJSON(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}

func (s *LiveSession) sendSessionError(code, message string, close bool, details map[string]any) error {
	msg := protocol.ServerError{Type: protocol.TypeError, Scope: "session", Code: code, Message: message, Close: close, Details: details}
	if close {
		return s.sendJSONPriority(msg)
	}
	return s.sendJSON(msg)
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Supersede tells the client a newer connection took over the session and closes this one.
func (s *LiveSession) Supersede() {
	if s == nil {
		return
	}
	_ = s.sendSessionError("superseded", "another connection opened for this session", true, nil)
	s.Cancel()
}

func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}
