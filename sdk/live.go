package evalroom

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	liveproto "github.com/vango-go/evalroom/pkg/gateway/live/protocol"
)

const (
	defaultLiveConnectTimeout = 15 * time.Second
	liveEventBuffer           = 64
)

// LiveEvent is a server frame received on a LiveSession.
type LiveEvent interface {
	liveEventType() string
}

type LiveScoreUpdateEvent struct{ Update liveproto.ServerLiveScoreUpdate }

func (LiveScoreUpdateEvent) liveEventType() string { return liveproto.TypeLiveScoreUpdate }

type LiveQuestionEvent struct{ Question liveproto.ServerAIQuestion }

func (LiveQuestionEvent) liveEventType() string { return liveproto.TypeAIQuestion }

type LiveAudioAckEvent struct{ Ack liveproto.ServerAudioAck }

func (LiveAudioAckEvent) liveEventType() string { return liveproto.TypeAudioAck }

type LiveStateChangedEvent struct{ Change liveproto.ServerStateChanged }

func (LiveStateChangedEvent) liveEventType() string { return liveproto.TypeStateChanged }

type LiveCompletedEvent struct{ Completed liveproto.ServerSessionCompleted }

func (LiveCompletedEvent) liveEventType() string { return liveproto.TypeSessionCompleted }

type LiveDisconnectAckEvent struct{}

func (LiveDisconnectAckEvent) liveEventType() string { return liveproto.TypeDisconnectAck }

type LiveWarningEvent struct{ Warning liveproto.ServerWarning }

func (LiveWarningEvent) liveEventType() string { return liveproto.TypeWarning }

type LiveErrorEvent struct{ Error liveproto.ServerError }

func (LiveErrorEvent) liveEventType() string { return liveproto.TypeError }

// LiveHandshakeError is returned by Live when the server rejects the hello.
type LiveHandshakeError struct {
	Frame liveproto.ServerError
}

func (e *LiveHandshakeError) Error() string {
	return fmt.Sprintf("live handshake rejected: %s: %s", e.Frame.Code, e.Frame.Message)
}

// LiveSession is one realtime channel connection. Events are delivered in
// arrival order on Events until the connection ends; Err then reports why.
type LiveSession struct {
	conn   *websocket.Conn
	ack    liveproto.ServerHelloAck
	events chan LiveEvent

	writeMu sync.Mutex

	closeOnce   sync.Once
	done        chan struct{}
	closingOnce sync.Once
	closing     chan struct{}
	errMu     sync.Mutex
	err       error
}

// Live opens the realtime channel for a session and completes the hello
// handshake. The returned snapshot (Ack) is the state to resynchronize from
// after a reconnect.
func (c *Client) Live(ctx context.Context, id string) (*LiveSession, error) {
	wsURL, err := liveURL(c.baseURL, id)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultLiveConnectTimeout)
		defer cancel()
	}

	header := http.Header{}
	header.Set("User-Agent", c.userAgent)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, &TransportError{Op: "DIAL", URL: wsURL, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	hello := liveproto.ClientHello{
		Type:            liveproto.TypeHello,
		ProtocolVersion: liveproto.ProtocolVersion1,
		SessionID:       id,
		Client:          liveproto.HelloClient{Name: c.userAgent},
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "HELLO", URL: wsURL, Err: err}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "HELLO", URL: wsURL, Err: err}
	}
	var first struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &first); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "HELLO", URL: wsURL, Err: fmt.Errorf("decode first frame: %w", err)}
	}
	switch first.Type {
	case liveproto.TypeHelloAck:
	case liveproto.TypeError:
		var frame liveproto.ServerError
		_ = json.Unmarshal(data, &frame)
		_ = conn.Close()
		return nil, &LiveHandshakeError{Frame: frame}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("live handshake: unexpected first frame %q", first.Type)
	}

	s := &LiveSession{
		conn:   conn,
		events:  make(chan LiveEvent, liveEventBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	if err := json.Unmarshal(data, &s.ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	go s.readLoop()
	return s, nil
}

func liveURL(baseURL, id string) (string, error) {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return "", fmt.Errorf("base URL %q must be http or https", baseURL)
	}
	return baseURL + sessionPath(id, "live"), nil
}

// Ack is the hello_ack snapshot received when the connection opened.
func (s *LiveSession) Ack() liveproto.ServerHelloAck { return s.ack }

// Events is closed when the connection ends.
func (s *LiveSession) Events() <-chan LiveEvent { return s.events }

// Done is closed when the connection ends.
func (s *LiveSession) Done() <-chan struct{} { return s.done }

// Err reports why the connection ended. A normal close after disconnect_ack is nil.
func (s *LiveSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *LiveSession) ChangeSlide(index int, imageRef string) error {
	return s.send(liveproto.ClientSlideChanged{Type: liveproto.TypeSlideChanged, Index: &index, ImageRef: imageRef})
}

// SendAudio sends one segment. mimeType may be empty.
func (s *LiveSession) SendAudio(sequence int64, audio []byte, mimeType string) error {
	return s.send(liveproto.ClientAudioChunk{
		Type:     liveproto.TypeAudioChunk,
		Sequence: sequence,
		AudioB64: base64.StdEncoding.EncodeToString(audio),
		MIMEType: mimeType,
	})
}

// End asks the server to finish the evaluation. The server replies with
// session_completed and disconnect_ack, then closes the connection.
func (s *LiveSession) End() error {
	return s.send(liveproto.ClientSessionEnd{Type: liveproto.TypeSessionEnd})
}

func (s *LiveSession) Close() error {
	s.closingOnce.Do(func() { close(s.closing) })
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *LiveSession) send(v any) error {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("live session closed")
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *LiveSession) readLoop() {
	defer s.finish(nil)
	disconnected := false
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if disconnected || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.finish(err)
			return
		}
		ev, err := decodeLiveEvent(data)
		if err != nil {
			s.finish(err)
			return
		}
		if ev == nil {
			continue
		}
		if _, ok := ev.(LiveDisconnectAckEvent); ok {
			disconnected = true
		}
		select {
		case s.events <- ev:
		case <-s.closing:
			return
		}
	}
}

func (s *LiveSession) finish(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.events)
		close(s.done)
	})
}

// decodeLiveEvent returns nil for frame types this client does not know.
func decodeLiveEvent(data []byte) (LiveEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode live frame: %w", err)
	}
	var (
		ev  LiveEvent
		err error
	)
	switch envelope.Type {
	case liveproto.TypeLiveScoreUpdate:
		var e LiveScoreUpdateEvent
		err = json.Unmarshal(data, &e.Update)
		ev = e
	case liveproto.TypeAIQuestion:
		var e LiveQuestionEvent
		err = json.Unmarshal(data, &e.Question)
		ev = e
	case liveproto.TypeAudioAck:
		var e LiveAudioAckEvent
		err = json.Unmarshal(data, &e.Ack)
		ev = e
	case liveproto.TypeStateChanged:
		var e LiveStateChangedEvent
		err = json.Unmarshal(data, &e.Change)
		ev = e
	case liveproto.TypeSessionCompleted:
		var e LiveCompletedEvent
		err = json.Unmarshal(data, &e.Completed)
		ev = e
	case liveproto.TypeDisconnectAck:
		ev = LiveDisconnectAckEvent{}
	case liveproto.TypeWarning:
		var e LiveWarningEvent
		err = json.Unmarshal(data, &e.Warning)
		ev = e
	case liveproto.TypeError:
		var e LiveErrorEvent
		err = json.Unmarshal(data, &e.Error)
		ev = e
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", envelope.Type, err)
	}
	return ev, nil
}
