//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
	evalroom "github.com/vango-go/evalroom/sdk"
)

func TestGemini_FullEvaluation(t *testing.T) {
	c := newGeminiGateway(t)
	deck := buildDeck(t,
		"Crop yield prediction using satellite imagery",
		"Random forest regression over NDVI features",
		"Results: 12% lower error than the linear baseline",
	)

	sub := withRetry(t, "submit", func(ctx context.Context) (*evalroom.SubmitResponse, error) {
		return c.Submit(ctx, evalroom.SubmitRequest{RollNo: "IT-001", Name: "Integration Student", Filename: "deck.pptx", File: bytes.NewReader(deck)})
	})
	if _, err := c.NewPoller().WaitReady(testContext(t, 3*time.Minute), sub.SessionID); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	start := withRetry(t, "start", func(ctx context.Context) (*evalroom.StartResponse, error) {
		return c.Start(ctx, sub.SessionID)
	})
	if strings.TrimSpace(start.FirstInstruction) == "" {
		t.Fatalf("empty first instruction")
	}

	var seq int64 = 1
	ack := withRetry(t, "audio", func(ctx context.Context) (*evalroom.AudioAck, error) {
		return c.SubmitAudio(ctx, sub.SessionID, seq, silentWAV(time.Second))
	})
	if ack.Status != "accepted" {
		t.Fatalf("audio status=%q", ack.Status)
	}

	final := withRetry(t, "complete", func(ctx context.Context) (*session.FinalResult, error) {
		return c.Complete(ctx, sub.SessionID)
	})
	r := rubric.Default()
	var sum float64
	for _, cat := range r.Categories() {
		v, ok := final.PerCategory[cat.Name]
		if !ok {
			t.Fatalf("missing category %q in %v", cat.Name, final.PerCategory)
		}
		if v < 0 || v > cat.Max {
			t.Fatalf("%s=%v outside [0, %v]", cat.Name, v, cat.Max)
		}
		sum += v
	}
	if sum != final.Total {
		t.Fatalf("total=%v, sum=%v", final.Total, sum)
	}
}

func TestGemini_LiveChannel(t *testing.T) {
	c := newGeminiGateway(t)
	deck := buildDeck(t, "Edge caching for campus video lectures", "Hit ratio results")

	sub := withRetry(t, "submit", func(ctx context.Context) (*evalroom.SubmitResponse, error) {
		return c.Submit(ctx, evalroom.SubmitRequest{RollNo: "IT-002", Name: "Live Student", Filename: "deck.pptx", File: bytes.NewReader(deck)})
	})
	if _, err := c.NewPoller().WaitReady(testContext(t, 3*time.Minute), sub.SessionID); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	withRetry(t, "start", func(ctx context.Context) (*evalroom.StartResponse, error) {
		return c.Start(ctx, sub.SessionID)
	})

	live, err := c.Live(testContext(t, 30*time.Second), sub.SessionID)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	defer live.Close()

	if err := live.SendAudio(1, silentWAV(time.Second), "audio/wav"); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	timeout := time.After(2 * time.Minute)
	for {
		select {
		case ev, ok := <-live.Events():
			if !ok {
				t.Fatalf("connection ended: %v", live.Err())
			}
			switch e := ev.(type) {
			case evalroom.LiveAudioAckEvent:
				if e.Ack.Sequence == 1 {
					return
				}
			case evalroom.LiveErrorEvent:
				if e.Error.Code != "upstream_failure" {
					t.Fatalf("error frame: %+v", e.Error)
				}
				t.Skipf("gemini failed the segment: %s", e.Error.Message)
			}
		case <-timeout:
			t.Fatalf("no audio_ack within timeout")
		}
	}
}
