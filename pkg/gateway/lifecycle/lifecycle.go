// Package lifecycle tracks whether the process is accepting new work.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is shared by the readiness probe, the realtime upgrade handler and
// the serve command. Once draining, /readyz fails and new realtime connections
// are refused while in-flight evaluations finish.
type Lifecycle struct {
	draining     atomic.Bool
	drainingFrom atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining && !l.draining.Load() {
		l.drainingFrom.Store(time.Now().UnixNano())
	}
	if !draining {
		l.drainingFrom.Store(0)
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince reports when draining began; zero when not draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingFrom.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
