// Package store persists evaluation sessions. It is the source of truth for
// lifecycle state; realtime connections never hold state of their own.
package store

import (
	"context"
	"strings"

	"github.com/vango-go/evalroom/pkg/core/session"
)

// Store holds session records keyed by id.
//
// Update uses optimistic concurrency: the caller's Version must match the stored
// one, and on success the stored and caller versions are both incremented.
type Store interface {
	Create(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	Update(ctx context.Context, s *session.Session) error
	List(ctx context.Context, opts ListOptions) ([]*session.Session, error)
	Ping(ctx context.Context) error
	Close() error
}

type ListOptions struct {
	State  session.State
	RollNo string
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func (o ListOptions) normalized() ListOptions {
	o.RollNo = strings.TrimSpace(o.RollNo)
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	return o
}

func (o ListOptions) matches(s *session.Session) bool {
	if o.State != "" && s.State != o.State {
		return false
	}
	if o.RollNo != "" && s.Subject.RollNo != o.RollNo {
		return false
	}
	return true
}
