package session

import (
	"time"

	"golang.org/x/time/rate"
)

// segmentBudget bounds how fast one connection may push audio: a count of
// audio_chunk frames per second and a byte rate, each with burstSeconds of slack.
// Either limit may be disabled with a zero rate.
type segmentBudget struct {
	now      func() time.Time
	segments *rate.Limiter
	bytes    *rate.Limiter
}

func newSegmentBudget(now func() time.Time, perSecond int, bytesPerSecond int64, burstSeconds int) *segmentBudget {
	if perSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	b := &segmentBudget{now: now}
	if perSecond > 0 {
		b.segments = rate.NewLimiter(rate.Limit(perSecond), perSecond*burstSeconds)
	}
	if bytesPerSecond > 0 {
		b.bytes = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)*burstSeconds)
	}
	return b
}

// admit reports whether a segment of size bytes fits the budget and spends it
// if so. A rejected segment costs nothing.
func (b *segmentBudget) admit(size int) bool {
	if b == nil {
		return true
	}
	t := b.now()
	if size < 0 {
		size = 0
	}
	if b.segments != nil && b.segments.TokensAt(t) < 1 {
		return false
	}
	if b.bytes != nil && b.bytes.TokensAt(t) < float64(size) {
		return false
	}
	if b.segments != nil {
		b.segments.AllowN(t, 1)
	}
	if b.bytes != nil {
		b.bytes.AllowN(t, size)
	}
	return true
}
