package evalroom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/evalroom/pkg/core/session"
)

const (
	DefaultPollInterval      = 3 * time.Second
	DefaultPollErrorInterval = 5 * time.Second
)

// Poller watches a session through the status endpoint. It polls every
// Interval while the session is not terminal and waits ErrorInterval after a
// transport failure or a retryable API error. Other API errors end polling.
type Poller struct {
	Client        *Client
	Interval      time.Duration
	ErrorInterval time.Duration

	// OnUpdate, when set, sees every status whose state or message changed.
	OnUpdate func(session.Status)

	after func(time.Duration) <-chan time.Time
}

func (c *Client) NewPoller() *Poller {
	return &Poller{Client: c, Interval: DefaultPollInterval, ErrorInterval: DefaultPollErrorInterval}
}

// Poll returns once the session is completed or error, once stop reports true,
// or when ctx ends. stop may be nil.
func (p *Poller) Poll(ctx context.Context, id string, stop func(session.Status) bool) (session.Status, error) {
	interval, errInterval := p.Interval, p.ErrorInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if errInterval <= 0 {
		errInterval = DefaultPollErrorInterval
	}
	after := p.after
	if after == nil {
		after = time.After
	}

	var last session.Status
	seen := false
	for {
		wait := interval
		st, err := p.Client.Status(ctx, id)
		switch {
		case err == nil:
			if !seen || st.State != last.State || st.Message != last.Message {
				seen = true
				last = *st
				if p.OnUpdate != nil {
					p.OnUpdate(last)
				}
			}
			if last.State.Terminal() || (stop != nil && stop(last)) {
				return last, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		default:
			var apiErr *Error
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return last, err
			}
			wait = errInterval
			if apiErr != nil && apiErr.RetryAfter != nil {
				if ra := time.Duration(*apiErr.RetryAfter) * time.Second; ra > wait {
					wait = ra
				}
			}
			p.Client.logger.Debug("status poll failed; backing off", "session_id", id, "wait", wait, "error", err)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-after(wait):
		}
	}
}

// WaitReady polls until processing has finished. A session that failed
// processing returns its status together with an error naming the failure.
func (p *Poller) WaitReady(ctx context.Context, id string) (session.Status, error) {
	st, err := p.Poll(ctx, id, func(s session.Status) bool {
		return s.State == session.StateReady || s.State == session.StateStarted
	})
	if err != nil {
		return st, err
	}
	if st.State == session.StateError {
		msg := st.Message
		if st.Failure != nil && st.Failure.Message != "" {
			msg = st.Failure.Message
		}
		return st, fmt.Errorf("session %s failed: %s", id, msg)
	}
	return st, nil
}
