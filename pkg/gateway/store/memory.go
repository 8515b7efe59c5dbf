package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/session"
)

// Memory is a process-local Store. Records are copied on the way in and out.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*session.Session)}
}

func (m *Memory) Create(ctx context.Context, s *session.Session) error {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return core.NewInvalidRequestError("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return core.ErrVersionConflict.Withf("session %q already exists", s.ID)
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound.Withf("session %q not found", id)
	}
	return s.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, s *session.Session) error {
	if s == nil {
		return core.NewInvalidRequestError("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return core.ErrSessionNotFound.Withf("session %q not found", s.ID)
	}
	if cur.Version != s.Version {
		return core.ErrVersionConflict.Withf("session %q: version %d, stored %d", s.ID, s.Version, cur.Version)
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) List(ctx context.Context, opts ListOptions) ([]*session.Session, error) {
	opts = opts.normalized()
	m.mu.RLock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if opts.matches(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
