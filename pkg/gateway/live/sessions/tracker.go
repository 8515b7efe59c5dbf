// Package sessions tracks the open realtime connection of each evaluation
// session. At most one connection is current per session: registering a new one
// supersedes the previous connection.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches one live connection.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
	// Supersede closes the connection because a newer one took its place.
	// Cancel is used when it is nil.
	Supersede func()
}

type connection struct {
	handle Handle
	closed bool
}

// Tracker counts every open connection, current or superseded, so a drain can
// wait for all of them.
type Tracker struct {
	mu      sync.Mutex
	current map[string]*connection
	open    int
	idle    chan struct{} // closed while open == 0
}

func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{current: make(map[string]*connection), idle: idle}
}

// Register makes h the current connection for sessionID and supersedes the
// one it replaces. The returned func must be called when the connection ends;
// extra calls are ignored.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	c := &connection{handle: h}

	t.mu.Lock()
	prev := t.current[sessionID]
	t.current[sessionID] = c
	if t.open == 0 {
		t.idle = make(chan struct{})
	}
	t.open++
	t.mu.Unlock()

	if prev != nil {
		if prev.handle.Supersede != nil {
			prev.handle.Supersede()
		} else if prev.handle.Cancel != nil {
			prev.handle.Cancel()
		}
	}
	return func() { t.release(sessionID, c) }
}

func (t *Tracker) release(sessionID string, c *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if t.current[sessionID] == c {
		delete(t.current, sessionID)
	}
	t.open--
	if t.open == 0 {
		close(t.idle)
	}
}

// Current reports whether sessionID has a registered connection.
func (t *Tracker) Current(sessionID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current[sessionID] != nil
}

// Count is the number of sessions with a current connection.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.current)
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.current))
	for _, c := range t.current {
		out = append(out, c.handle)
	}
	return out
}

// WarnAll sends a warning frame to every current connection. Send failures
// are ignored; the count is of connections that had a Warn hook.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until no connection is open and reports false if ctx ended first.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	if ctx == nil {
		<-idle
		return true
	}
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}
