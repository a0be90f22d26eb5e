package limitd_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-limitd/limitd"
)

func TestNewSlidingWindow(t *testing.T) {
	if _, err := limitd.NewSlidingWindow(0, nil); err == nil {
		t.Error("zero capacity should error")
	}
	if _, err := limitd.NewSlidingWindow(3, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSlidingWindow_RollingEviction(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	sw, err := limitd.NewSlidingWindow(3, clock)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if !sw.TryConsume(ctx, 1) {
			t.Fatalf("request %d should be allowed", i+1)
		}
		clock.Advance(100 * time.Millisecond)
	}
	// t=300, records at 0, 100, 200.
	if sw.TryConsume(ctx, 1) {
		t.Error("4th request inside the window should be rejected")
	}

	// At t=1000 the record at 0 is still inside the closed boundary.
	clock.Set(time.UnixMilli(1000))
	if sw.TryConsume(ctx, 1) {
		t.Error("record at t=0 still counts at t=1000")
	}

	// At t=1001 it ages out and one slot frees.
	clock.Set(time.UnixMilli(1001))
	if !sw.TryConsume(ctx, 1) {
		t.Error("a slot should free once the oldest record leaves the window")
	}
	if sw.TryConsume(ctx, 1) {
		t.Error("only one slot should have freed")
	}
}

func TestSlidingWindow_WeightedRecords(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	sw, _ := limitd.NewSlidingWindow(10, clock)

	if !sw.TryConsume(ctx, 7) {
		t.Fatal("TryConsume(7) should succeed")
	}
	if sw.TryConsume(ctx, 4) {
		t.Error("TryConsume(4) should fail, sum would exceed capacity")
	}
	if !sw.TryConsume(ctx, 3) {
		t.Error("TryConsume(3) should succeed exactly at capacity")
	}
	if got := sw.Available(ctx); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}

	clock.Advance(1001 * time.Millisecond)
	if got := sw.Available(ctx); got != 10 {
		t.Errorf("available after window passes = %d, want 10", got)
	}
}

func TestSlidingWindow_InvalidTokenCounts(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	sw, _ := limitd.NewSlidingWindow(5, clock)

	if sw.TryConsume(ctx, 0) || sw.TryConsume(ctx, -2) || sw.TryConsume(ctx, 6) {
		t.Error("invalid token counts must be rejected")
	}
	if got := sw.Available(ctx); got != 5 {
		t.Errorf("state must be unchanged, available=%d", got)
	}
}
