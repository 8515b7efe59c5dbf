package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-go/evalroom/pkg/core"
	evalsession "github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/apierror"
	"github.com/vango-go/evalroom/pkg/gateway/config"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/lifecycle"
	"github.com/vango-go/evalroom/pkg/gateway/live/protocol"
	"github.com/vango-go/evalroom/pkg/gateway/live/session"
	"github.com/vango-go/evalroom/pkg/gateway/live/sessions"
	"github.com/vango-go/evalroom/pkg/gateway/metrics"
)

// LiveService is what a realtime connection needs from the orchestrator.
type LiveService interface {
	session.Service
	Get(ctx context.Context, id string) (*evalsession.Session, error)
}

// LiveHandler upgrades /v1/sessions/{id}/live to the realtime channel.
type LiveHandler struct {
	Config       config.Config
	Sessions     LiveService
	Events       *events.Hub
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, core.NewOverloadedError("server is draining"), apierror.StatusOverloaded)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", Code: "origin_not_allowed"}, http.StatusForbidden)
		return
	}

	sessionID := chi.URLParam(r, URLParamSessionID)
	if _, err := h.Sessions.Get(r.Context(), sessionID); err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxMessageBytes)
	}

	hello, ok := h.readHello(conn, sessionID)
	if !ok {
		return
	}

	// Subscribe before taking the snapshot so no event between the two is lost.
	sub := h.Events.Subscribe(sessionID)
	snap, err := h.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		sub.Close()
		h.writeWSError(conn, "not_found", "session not found", nil)
		return
	}
	if err := conn.WriteJSON(h.helloAck(sessionID, snap)); err != nil {
		sub.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Service:   h.Sessions,
		Events:    sub,
		Hello:     hello,
		SessionID: sessionID,
		RequestID: reqID,
		Config: session.Config{
			MaxAudioBytes:              int(h.Config.MaxAudioBytes),
			MaxJSONMessageBytes:        h.Config.LiveMaxMessageBytes,
			LiveMaxAudioFPS:            h.Config.LiveMaxAudioFPS,
			LiveMaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
			LiveInboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
			PingInterval:               h.Config.LiveWSPingInterval,
			WriteTimeout:               h.Config.LiveWSWriteTimeout,
			ReadTimeout:                h.Config.LiveWSReadTimeout,
		},
	})
	if err != nil {
		sub.Close()
		h.writeWSError(conn, "internal", "failed to initialize live session", nil)
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessionID, sessions.Handle{
			Cancel:    s.Cancel,
			Warn:      s.SendWarning,
			Supersede: s.Supersede,
		})
	}
	defer unregister()

	h.Metrics.RecordLiveConnectionStart()
	reason := "closed"
	if err := s.Run(); err != nil {
		reason = "error"
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
		}
	}
	h.Metrics.RecordLiveConnectionEnd(reason)
}

// readHello enforces the handshake: the first frame must be a text hello for
// this session, sent within the handshake timeout. Failures are reported on
// the socket before returning false.
func (h LiveHandler) readHello(conn *websocket.Conn, sessionID string) (protocol.ClientHello, bool) {
	timeout := h.Config.LiveHandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	kind, data, err := conn.ReadMessage()
	switch {
	case err != nil:
		h.writeWSError(conn, "bad_request", "failed to read hello", nil)
		return protocol.ClientHello{}, false
	case kind != websocket.TextMessage:
		h.writeWSError(conn, "bad_request", "first frame must be hello", nil)
		return protocol.ClientHello{}, false
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Code == "unsupported" {
			h.writeWSError(conn, "unsupported_version", "unsupported protocol_version", nil)
		} else {
			h.writeWSError(conn, "bad_request", "invalid hello frame", nil)
		}
		return protocol.ClientHello{}, false
	}
	hello, isHello := msg.(protocol.ClientHello)
	if !isHello {
		h.writeWSError(conn, "bad_request", "first frame must be hello", nil)
		return protocol.ClientHello{}, false
	}
	if claimed := strings.TrimSpace(hello.SessionID); claimed != "" && claimed != sessionID {
		h.writeWSError(conn, "bad_request", "hello.session_id does not match the connection path", map[string]any{"param": "session_id"})
		return protocol.ClientHello{}, false
	}
	return hello, true
}

func (h LiveHandler) helloAck(sessionID string, snap *evalsession.Session) protocol.ServerHelloAck {
	limits := &protocol.HelloAckLimits{
		MaxMessageBytes: int(h.Config.LiveMaxMessageBytes),
		MaxAudioFPS:     max(h.Config.LiveMaxAudioFPS, 0),
		MaxAudioBPS:     max(h.Config.LiveMaxAudioBytesPerSecond, 0),
	}
	if limits.MaxAudioFPS > 0 || limits.MaxAudioBPS > 0 {
		limits.InboundBurstSeconds = max(h.Config.LiveInboundBurstSeconds, 0)
	}
	scores := snap.Scores
	if scores == nil {
		scores = map[string]float64{}
	}
	return protocol.ServerHelloAck{
		Type:              protocol.TypeHelloAck,
		ProtocolVersion:   protocol.ProtocolVersion1,
		SessionID:         sessionID,
		State:             snap.State,
		SlideIndex:        snap.SlideIndex,
		SlideCount:        len(snap.Slides),
		LastAudioSequence: snap.AudioSequence,
		Scores:            scores,
		Limits:            limits,
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	allowed := h.Config.AllowedOrigins()
	if len(allowed) == 0 {
		return false
	}
	_, ok := allowed[origin]
	return ok
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string, details map[string]any) {
	_ = conn.WriteJSON(protocol.ServerError{Type: protocol.TypeError, Scope: "session", Code: code, Message: message, Close: true, Details: details})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}
