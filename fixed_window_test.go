package limitd_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-limitd/limitd"
)

func TestNewFixedWindow(t *testing.T) {
	if _, err := limitd.NewFixedWindow(0, time.Second, nil); err == nil {
		t.Error("zero capacity should error")
	}
	if _, err := limitd.NewFixedWindow(5, 0, nil); err == nil {
		t.Error("zero window should error")
	}
	if _, err := limitd.NewFixedWindow(5, time.Second, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFixedWindow_ResetScenario(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	fw, err := limitd.NewFixedWindow(5, time.Second, clock)
	if err != nil {
		t.Fatal(err)
	}

	if !fw.TryConsume(ctx, 5) {
		t.Fatal("TryConsume(5) at t=0 should succeed")
	}
	clock.Set(time.UnixMilli(999))
	if fw.TryConsume(ctx, 1) {
		t.Error("TryConsume(1) at t=999 should fail, window is full")
	}
	clock.Set(time.UnixMilli(1000))
	if !fw.TryConsume(ctx, 5) {
		t.Error("TryConsume(5) at t=1000 should succeed in the new window")
	}
}

func TestFixedWindow_AlignedWindowStart(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(2500))
	fw, _ := limitd.NewFixedWindow(5, time.Second, clock)

	fw.TryConsume(ctx, 1)
	if got := fw.LastUpdate(); got%1000 != 0 {
		t.Errorf("windowStart %d must be a multiple of the window duration", got)
	}
	if got := fw.LastUpdate(); got != 2000 {
		t.Errorf("windowStart = %d, want 2000", got)
	}

	// Mid-window creation still counts against the aligned window, so
	// the reset happens at the absolute boundary, not one full window
	// after the first request.
	clock.Set(time.UnixMilli(3000))
	if !fw.TryConsume(ctx, 5) {
		t.Error("full capacity should be available at the 3000ms boundary")
	}
}

func TestFixedWindow_PartialThenOverflow(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	fw, _ := limitd.NewFixedWindow(5, time.Second, clock)

	if !fw.TryConsume(ctx, 3) {
		t.Fatal("TryConsume(3) should succeed")
	}
	if fw.TryConsume(ctx, 3) {
		t.Error("TryConsume(3) should fail with only 2 remaining")
	}
	if got := fw.Available(ctx); got != 2 {
		t.Errorf("available = %d, want 2 (failed consume must not charge)", got)
	}
	if !fw.TryConsume(ctx, 2) {
		t.Error("TryConsume(2) should succeed")
	}
}

func TestFixedWindow_InvalidTokenCounts(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	fw, _ := limitd.NewFixedWindow(5, time.Second, clock)

	if fw.TryConsume(ctx, 0) || fw.TryConsume(ctx, -1) || fw.TryConsume(ctx, 6) {
		t.Error("invalid token counts must be rejected")
	}
	if got := fw.Available(ctx); got != 5 {
		t.Errorf("state must be unchanged, available=%d", got)
	}
}
