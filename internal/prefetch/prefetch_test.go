package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

func countingRunner(calls *int32) Runner {
	return func(ctx context.Context, clientID string, opts model.AskOptions, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
		atomic.AddInt32(calls, 1)
		textSink(ctx, 0, "narration text")
		audioSink(ctx, model.AudioSegment{Seq: 0, Bytes: []byte{1}})
		return "req-1", nil
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestOnTourStartSchedulesWithinWindow(t *testing.T) {
	var calls int32
	p := New(2, countingRunner(&calls), &logging.NoOpLogger{})

	p.OnTourStart(context.Background(), "c1", 1, 0, []string{"a", "b", "c", "d"}, "sess", "style")
	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })

	// stop 'd' (index 3) is outside the window of 2 from index 0, never filled.
	if _, ok := p.Consume("c1", 1, 3); ok {
		t.Fatalf("expected stop outside the lookahead window to not be prefetched")
	}
}

func TestConsumeReturnsReadySlotOnce(t *testing.T) {
	var calls int32
	p := New(2, countingRunner(&calls), &logging.NoOpLogger{})

	p.OnTourStart(context.Background(), "c1", 1, 0, []string{"a", "b", "c"}, "sess", "style")
	waitForCondition(t, time.Second, func() bool {
		_, ok := p.Consume("c1", 1, 1)
		return ok
	})

	// Consume already marked it consumed above; a second Consume must fail.
	if _, ok := p.Consume("c1", 1, 1); ok {
		t.Fatalf("expected slot to be consumable exactly once")
	}
}

func TestEpochChangeEvictsInFlightWork(t *testing.T) {
	var calls int32
	blockCh := make(chan struct{})
	run := func(ctx context.Context, clientID string, opts model.AskOptions, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-blockCh
		return "req-1", nil
	}
	p := New(2, run, &logging.NoOpLogger{})

	p.OnTourStart(context.Background(), "c1", 1, 0, []string{"a", "b"}, "sess", "style")
	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })

	p.OnEpochChange("c1", 2)
	close(blockCh)

	time.Sleep(20 * time.Millisecond)
	if _, ok := p.Consume("c1", 2, 1); ok {
		t.Fatalf("expected work completed under the stale epoch to be discarded")
	}
}

func TestOnAdvanceEvictsPreviousSlotAndFillsNewOne(t *testing.T) {
	var calls int32
	p := New(1, countingRunner(&calls), &logging.NoOpLogger{})

	p.OnTourStart(context.Background(), "c1", 1, 0, []string{"a", "b", "c"}, "sess", "style")
	waitForCondition(t, time.Second, func() bool {
		_, ok := p.Consume("c1", 1, 1)
		return ok
	})

	p.OnAdvance(context.Background(), "c1", 1, 1, []string{"a", "b", "c"}, "sess", "style")
	waitForCondition(t, time.Second, func() bool {
		_, ok := p.Consume("c1", 1, 2)
		return ok
	})
}

func TestFillRespectsBoundedConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	var mu sync.Mutex
	run := func(ctx context.Context, clientID string, opts model.AskOptions, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "req-1", nil
	}
	p := New(1, run, &logging.NoOpLogger{})

	p.OnTourStart(context.Background(), "c1", 1, 0, []string{"a", "b", "c", "d"}, "sess", "style")
	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := p.Consume("c1", 1, 1)
		return ok
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > 1 {
		t.Fatalf("expected at most 1 in-flight prefetch (window=1), observed %d", maxInFlight)
	}
}
