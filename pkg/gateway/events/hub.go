// Package events fans session events out to realtime subscribers.
//
// Publishing never blocks. A subscriber that falls behind loses its oldest
// buffered event, so the most recent cumulative snapshot always gets through.
package events

import (
	"sync"
	"time"

	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/metrics"
)

type Type string

const (
	TypeStateChanged     Type = "state_changed"
	TypeLiveScoreUpdate  Type = "live_score_update"
	TypeAIQuestion       Type = "ai_question"
	TypeSessionCompleted Type = "session_completed"
)

// Event is one server-side occurrence for a session. Payload is one of the
// payload types below.
type Event struct {
	Type      Type
	SessionID string
	At        time.Time
	Payload   any
}

type StateChanged struct {
	From session.State
	To   session.State
}

type LiveScores struct {
	Scores  map[string]float64
	Signals map[string]float64
}

type Question struct {
	Text string
}

type Completed struct {
	Result *session.FinalResult
}

const DefaultBuffer = 32

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Metrics
}

func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscription receives events for one session until Close is called.
type Subscription struct {
	hub       *Hub
	sessionID string
	ch        chan Event
	once      sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) SessionID() string { return s.sessionID }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.sessionID)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan Event, h.buffer),
	}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber of ev.SessionID.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	// The read lock also keeps Close from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.SessionID] {
		h.deliver(sub, ev)
	}
}

func (h *Hub) deliver(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-sub.ch:
			h.metrics.RecordEventDropped(string(dropped.Type))
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
