// Package ratelimit holds the per-client request and realtime connection
// limits. State is in memory and local to one process.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	// MaxConcurrentLive caps open realtime connections per client.
	MaxConcurrentLive int

	MaxEntries int
	EntryTTL   time.Duration
}

// Decision is the outcome of an acquire. A denied decision carries the number
// of seconds the client should wait.
type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// Permit holds a concurrency slot until released. Release is idempotent.
type Permit struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (p *Permit) Release() {
	if p == nil || p.sem == nil {
		return
	}
	p.once.Do(func() { p.sem.Release(1) })
}

type client struct {
	tokens   *rate.Limiter
	requests *semaphore.Weighted
	live     *semaphore.Weighted
	seen     time.Time
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*client
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, clients: make(map[string]*client)}
}

// AcquireRequest spends one request token and, when a concurrency cap is
// set, a request slot.
func (l *Limiter) AcquireRequest(key string, now time.Time) Decision {
	c := l.lookup(key, now)
	if c.tokens != nil {
		if avail := c.tokens.TokensAt(now); avail < 1 {
			return Decision{RetryAfter: waitSeconds(1-avail, l.cfg.RPS)}
		}
		c.tokens.AllowN(now, 1)
	}
	return acquire(c.requests)
}

// AcquireLive takes a realtime connection slot. Request tokens are not spent.
func (l *Limiter) AcquireLive(key string, now time.Time) Decision {
	return acquire(l.lookup(key, now).live)
}

func acquire(sem *semaphore.Weighted) Decision {
	if sem == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if !sem.TryAcquire(1) {
		return Decision{RetryAfter: 1}
	}
	return Decision{Allowed: true, Permit: &Permit{sem: sem}}
}

func waitSeconds(missing, rps float64) int {
	if rps <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(missing/rps)))
}

func (l *Limiter) lookup(key string, now time.Time) *client {
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[key]; ok {
		c.seen = now
		return c
	}
	if len(l.clients) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}

	c := &client{seen: now}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		c.tokens = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	if l.cfg.MaxConcurrentRequests > 0 {
		c.requests = semaphore.NewWeighted(int64(l.cfg.MaxConcurrentRequests))
	}
	if l.cfg.MaxConcurrentLive > 0 {
		c.live = semaphore.NewWeighted(int64(l.cfg.MaxConcurrentLive))
	}
	l.clients[key] = c
	return c
}

// evictLocked drops idle clients, or the least recently seen one when none
// has expired.
func (l *Limiter) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, c := range l.clients {
		if now.Sub(c.seen) > l.cfg.EntryTTL {
			delete(l.clients, k)
			continue
		}
		if oldestKey == "" || c.seen.Before(oldest) {
			oldestKey, oldest = k, c.seen
		}
	}
	if len(l.clients) >= l.cfg.MaxEntries && oldestKey != "" {
		delete(l.clients, oldestKey)
	}
}

// Len is the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
