package ratelimit

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func TestAcquireRequest_TokensRefill(t *testing.T) {
	l := New(Config{RPS: 2, Burst: 2})

	for i := 0; i < 2; i++ {
		if dec := l.AcquireRequest("c1", t0); !dec.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	dec := l.AcquireRequest("c1", t0)
	if dec.Allowed || dec.RetryAfter != 1 {
		t.Fatalf("third request allowed=%v retry_after=%d, want denied/1", dec.Allowed, dec.RetryAfter)
	}
	if !l.AcquireRequest("c2", t0).Allowed {
		t.Fatalf("c2 shares c1's tokens")
	}
	if !l.AcquireRequest("c1", t0.Add(600*time.Millisecond)).Allowed {
		t.Fatalf("expected a token after refill")
	}
}

func TestAcquireRequest_RetryAfterScalesWithRate(t *testing.T) {
	l := New(Config{RPS: 0.25, Burst: 1})
	l.AcquireRequest("c1", t0)
	if dec := l.AcquireRequest("c1", t0); dec.RetryAfter != 4 {
		t.Fatalf("RetryAfter=%d, want 4", dec.RetryAfter)
	}
}

func TestAcquireRequest_ConcurrencyCap(t *testing.T) {
	l := New(Config{MaxConcurrentRequests: 1})
	first := l.AcquireRequest("c1", t0)
	if !first.Allowed {
		t.Fatalf("first denied")
	}
	if l.AcquireRequest("c1", t0).Allowed {
		t.Fatalf("second allowed while first holds the slot")
	}
	first.Permit.Release()
	first.Permit.Release()
	if !l.AcquireRequest("c1", t0).Allowed {
		t.Fatalf("expected allow after release")
	}
}

func TestAcquireLive_SeparateFromRequests(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, MaxConcurrentLive: 1})

	live := l.AcquireLive("c1", t0)
	if !live.Allowed {
		t.Fatalf("live denied")
	}
	if l.AcquireLive("c1", t0).Allowed {
		t.Fatalf("second live connection allowed")
	}
	if !l.AcquireRequest("c1", t0).Allowed {
		t.Fatalf("live connection spent a request token")
	}
	live.Permit.Release()
	if !l.AcquireLive("c1", t0).Allowed {
		t.Fatalf("live slot not returned")
	}
}

func TestNoLimitsConfigured(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		dec := l.AcquireRequest("", t0)
		if !dec.Allowed || dec.Permit == nil {
			t.Fatalf("request %d: %+v", i, dec)
		}
		dec.Permit.Release()
	}
}

func TestEviction(t *testing.T) {
	l := New(Config{MaxEntries: 2, EntryTTL: time.Minute})
	l.AcquireRequest("old", t0)
	l.AcquireRequest("mid", t0.Add(10*time.Second))
	l.AcquireRequest("new", t0.Add(20*time.Second))
	if l.Len() != 2 {
		t.Fatalf("len=%d, want 2", l.Len())
	}
	l.mu.Lock()
	_, hasOld := l.clients["old"]
	l.mu.Unlock()
	if hasOld {
		t.Fatalf("least recently seen client was kept")
	}

	l.AcquireRequest("late", t0.Add(5*time.Minute))
	if l.Len() != 1 {
		t.Fatalf("len=%d, want expired clients dropped", l.Len())
	}
}
