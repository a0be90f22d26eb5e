package limitd_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-limitd/limitd"
)

func TestNewTokenBucket(t *testing.T) {
	tests := []struct {
		name           string
		capacity       int64
		refillRate     int64
		expectError    bool
		errorSubstring string
	}{
		{
			name:       "valid parameters",
			capacity:   10,
			refillRate: 2,
		},
		{
			name:           "zero capacity",
			capacity:       0,
			refillRate:     2,
			expectError:    true,
			errorSubstring: "must be positive",
		},
		{
			name:           "negative capacity",
			capacity:       -1,
			refillRate:     2,
			expectError:    true,
			errorSubstring: "must be positive",
		},
		{
			name:           "zero refill rate",
			capacity:       10,
			refillRate:     0,
			expectError:    true,
			errorSubstring: "must be positive",
		},
		{
			name:           "negative refill rate",
			capacity:       10,
			refillRate:     -1,
			expectError:    true,
			errorSubstring: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb, err := limitd.NewTokenBucket(tt.capacity, tt.refillRate, nil)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error but got none")
				}
				if tt.errorSubstring != "" && !strings.Contains(err.Error(), tt.errorSubstring) {
					t.Errorf("expected error to contain %q, got %q", tt.errorSubstring, err.Error())
				}
				if tb != nil {
					t.Errorf("expected nil limiter on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tb == nil {
				t.Fatal("expected non-nil limiter")
			}
		})
	}
}

func TestTokenBucket_RefillScenario(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	tb, err := limitd.NewTokenBucket(10, 2, clock)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if !tb.TryConsume(ctx, 1) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if tb.TryConsume(ctx, 1) {
		t.Error("11th request should be rejected")
	}

	clock.Advance(time.Second)
	if !tb.TryConsume(ctx, 2) {
		t.Error("TryConsume(2) after 1s refill should be allowed")
	}
	if tb.TryConsume(ctx, 1) {
		t.Error("next request should be rejected (refill exhausted)")
	}
}

func TestTokenBucket_PartialElapsedAccumulates(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	tb, _ := limitd.NewTokenBucket(10, 2, clock)

	for i := 0; i < 10; i++ {
		tb.TryConsume(ctx, 1)
	}

	// 400ms at 2/s is less than a whole token; the anchor must not
	// advance or the fraction would be lost.
	clock.Advance(400 * time.Millisecond)
	if tb.TryConsume(ctx, 1) {
		t.Fatal("no whole token should be available at 400ms")
	}
	clock.Advance(100 * time.Millisecond)
	if !tb.TryConsume(ctx, 1) {
		t.Fatal("one token should be available at 500ms")
	}
}

func TestTokenBucket_InvalidTokenCounts(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	tb, _ := limitd.NewTokenBucket(5, 1, clock)

	if tb.TryConsume(ctx, 0) {
		t.Error("TryConsume(0) must return false")
	}
	if tb.TryConsume(ctx, -3) {
		t.Error("TryConsume(-3) must return false")
	}
	if tb.TryConsume(ctx, 6) {
		t.Error("TryConsume above capacity must return false")
	}
	if got := tb.Available(ctx); got != 5 {
		t.Errorf("invalid consumes must not mutate state: available=%d, want 5", got)
	}
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	tb, _ := limitd.NewTokenBucket(5, 100, clock)

	for i := 0; i < 5; i++ {
		tb.TryConsume(ctx, 1)
	}
	clock.Advance(10 * time.Second)

	allowed := 0
	for i := 0; i < 10; i++ {
		if tb.TryConsume(ctx, 1) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected exactly 5 allowed after long idle (capacity), got %d", allowed)
	}
}

func TestTokenBucket_ConcurrentExactAdmission(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	tb, _ := limitd.NewTokenBucket(100, 1, clock)

	var wg sync.WaitGroup
	results := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tb.TryConsume(ctx, 1)
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for ok := range results {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Errorf("expected exactly 100 allowed under contention, got %d", count)
	}
}

func TestTokenBucket_AvailableWithinBounds(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	tb, _ := limitd.NewTokenBucket(10, 3, clock)

	for i := 0; i < 50; i++ {
		tb.TryConsume(ctx, 2)
		clock.Advance(137 * time.Millisecond)
		avail := tb.Available(ctx)
		if avail < 0 || avail > tb.Capacity() {
			t.Fatalf("available %d out of [0, %d]", avail, tb.Capacity())
		}
	}
}
