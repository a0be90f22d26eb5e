package limitd_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-limitd/limitd"
)

func TestNewLeakyBucket(t *testing.T) {
	if _, err := limitd.NewLeakyBucket(0, 1, time.Second, nil); err == nil {
		t.Error("zero queue capacity should error")
	}
	if _, err := limitd.NewLeakyBucket(10, 0, time.Second, nil); err == nil {
		t.Error("zero leak rate should error")
	}
	lb, err := limitd.NewLeakyBucket(10, 1, time.Second, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lb.Close()
}

func TestLeakyBucket_TryConsumeApproximation(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	// 4 slots, 2 tokens/s, waits over 1s rejected.
	lb, _ := limitd.NewLeakyBucket(4, 2, time.Second, clock)
	defer lb.Close()

	// Queue empty: estimated wait 0.
	if !lb.TryConsume(ctx, 1) {
		t.Fatal("first consume should be admitted")
	}
	// One queued: wait 500ms <= 1s.
	if !lb.TryConsume(ctx, 1) {
		t.Fatal("second consume should be admitted")
	}
	// Two queued: wait 1000ms <= 1s.
	if !lb.TryConsume(ctx, 1) {
		t.Fatal("third consume should be admitted")
	}
	// Three queued: estimated wait 1500ms exceeds the cap.
	if lb.TryConsume(ctx, 1) {
		t.Error("fourth consume should be rejected on estimated wait")
	}
	if got := lb.QueueSize(); got != 3 {
		t.Errorf("queue size = %d, want 3", got)
	}
}

func TestLeakyBucket_FullQueueRejects(t *testing.T) {
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	lb, _ := limitd.NewLeakyBucket(2, 1, time.Hour, clock)
	defer lb.Close()

	lb.Enqueue(1)
	lb.Enqueue(1)
	select {
	case ok := <-lb.Enqueue(1):
		if ok {
			t.Error("enqueue into a full queue must complete false")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("full-queue enqueue must complete immediately")
	}
}

func TestLeakyBucket_DrainCompletesFutures(t *testing.T) {
	// 20 tokens/s: a 10-deep queue drains in about half a second.
	lb, _ := limitd.NewLeakyBucket(50, 20, 5*time.Second, nil)
	defer lb.Close()

	futures := make([]<-chan bool, 0, 10)
	for i := 0; i < 10; i++ {
		futures = append(futures, lb.Enqueue(1))
	}

	start := time.Now()
	for i, f := range futures {
		select {
		case ok := <-f:
			if !ok {
				t.Fatalf("future %d completed false", i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("future %d not completed within 3s", i)
		}
	}
	// 10 tokens at 20/s should not all complete instantaneously.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("drain finished in %v; expected pacing near 500ms", elapsed)
	}
	if got := lb.QueueSize(); got != 0 {
		t.Errorf("queue should be empty after drain, got %d", got)
	}
}

func TestLeakyBucket_TimeoutSweepFailsStaleHead(t *testing.T) {
	// Head worth 5 tokens at 1 token/s would drain at 5s, but the
	// 300ms wait cap expires it at the first 1Hz sweep.
	lb, _ := limitd.NewLeakyBucket(10, 1, 300*time.Millisecond, nil)
	defer lb.Close()

	f := lb.Enqueue(5)
	select {
	case ok := <-f:
		if ok {
			t.Error("timed-out request must complete false")
		}
	case <-time.After(3 * time.Second):
		t.Error("timeout sweep did not fire")
	}
}

func TestLeakyBucket_CloseFailsPending(t *testing.T) {
	lb, _ := limitd.NewLeakyBucket(10, 1, time.Hour, nil)

	f1 := lb.Enqueue(5)
	f2 := lb.Enqueue(5)
	lb.Close()

	for i, f := range []<-chan bool{f1, f2} {
		select {
		case ok := <-f:
			if ok {
				t.Errorf("future %d must complete false on close", i)
			}
		case <-time.After(time.Second):
			t.Errorf("future %d not completed on close", i)
		}
	}

	// After close every new request is denied.
	if lb.TryConsume(context.Background(), 1) {
		t.Error("TryConsume after close must return false")
	}
	select {
	case ok := <-lb.Enqueue(1):
		if ok {
			t.Error("enqueue after close must complete false")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("enqueue after close must complete immediately")
	}
}

func TestLeakyBucket_InvalidTokenCounts(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	lb, _ := limitd.NewLeakyBucket(5, 1, time.Second, clock)
	defer lb.Close()

	if lb.TryConsume(ctx, 0) || lb.TryConsume(ctx, -1) || lb.TryConsume(ctx, 6) {
		t.Error("invalid token counts must be rejected")
	}
	if got := lb.QueueSize(); got != 0 {
		t.Errorf("queue must stay empty, got %d", got)
	}
}
