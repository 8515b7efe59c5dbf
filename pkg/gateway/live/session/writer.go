package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second

	shutdownFlushWindow = 100 * time.Millisecond
	shutdownFlushFrames = 64
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the socket. Frames on
// the priority queue (closing errors) always go out before queued normal frames;
// normal frames keep their enqueue order.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ping := w.cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}
		if err := w.drainPriority(); err != nil {
			return err
		}
		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout())); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// A priority frame queued while this one waited still goes first.
			if err := w.drainPriority(); err != nil {
				return err
			}
			if err := w.write(frame); err != nil {
				return err
			}
		}
	}
}

// drainPriority writes every priority frame queued right now without blocking.
func (w *outboundWriter) drainPriority() error {
	for w.priority != nil {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return nil
			}
			if err := w.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// shutdown makes a bounded attempt to deliver what is already queued, so a
// closing error or a final disconnect_ack still reaches the client, then
// closes the socket.
func (w *outboundWriter) shutdown() {
	window := min(shutdownFlushWindow, w.writeTimeout())
	deadline := time.Now().Add(window)
	remaining := shutdownFlushFrames

	for _, ch := range []<-chan outboundFrame{w.priority, w.normal} {
	queue:
		for ch != nil && remaining > 0 && time.Now().Before(deadline) {
			select {
			case frame, ok := <-ch:
				if !ok {
					break queue
				}
				remaining--
				_ = w.write(frame)
			default:
				break queue
			}
		}
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(w.writeTimeout()))
	_ = w.ws.Close()
}

func (w *outboundWriter) writeTimeout() time.Duration {
	if w.cfg.WriteTimeout > 0 {
		return w.cfg.WriteTimeout
	}
	return defaultWriteTimeout
}

// write sends one text frame; empty frames are dropped.
func (w *outboundWriter) write(frame outboundFrame) error {
	if len(frame.textPayload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout())); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
}
