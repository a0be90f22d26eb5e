package limitd

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FixedWindow is the in-process fixed window counter. Windows are
// aligned to absolute time: windowStart is always
// floor(now/windowDuration)*windowDuration, so every instance of the
// service agrees on window boundaries for the same key.
type FixedWindow struct {
	mu            sync.Mutex
	capacity      int64
	windowMs      int64
	windowStartMs int64
	count         int64
	clock         Clock
}

// NewFixedWindow creates a fixed window limiter admitting up to capacity
// tokens per window.
func NewFixedWindow(capacity int64, window time.Duration, clock Clock) (*FixedWindow, error) {
	if capacity <= 0 || window <= 0 {
		return nil, fmt.Errorf("limitd: capacity and window must be positive")
	}
	if clock == nil {
		clock = NewClock()
	}
	f := &FixedWindow{
		capacity: capacity,
		windowMs: window.Milliseconds(),
		clock:    clock,
	}
	f.windowStartMs = alignWindow(nowMs(clock), f.windowMs)
	return f, nil
}

func alignWindow(now, windowMs int64) int64 {
	return now - now%windowMs
}

func (f *FixedWindow) TryConsume(_ context.Context, tokens int64) bool {
	if tokens <= 0 || tokens > f.capacity {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roll(nowMs(f.clock))
	if f.count+tokens > f.capacity {
		return false
	}
	f.count += tokens
	return true
}

// roll resets the counter when now has left the current window.
func (f *FixedWindow) roll(now int64) {
	if now-f.windowStartMs >= f.windowMs {
		f.windowStartMs = alignWindow(now, f.windowMs)
		f.count = 0
	}
}

func (f *FixedWindow) Available(_ context.Context) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roll(nowMs(f.clock))
	return max64(0, f.capacity-f.count)
}

func (f *FixedWindow) Capacity() int64   { return f.capacity }
func (f *FixedWindow) RefillRate() int64 { return f.capacity }

func (f *FixedWindow) LastUpdate() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windowStartMs
}

func (f *FixedWindow) retryAfter(tokens int64) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := nowMs(f.clock)
	f.roll(now)
	if tokens <= 0 || f.count+tokens <= f.capacity {
		return 0
	}
	return time.Duration(f.windowStartMs+f.windowMs-now) * time.Millisecond
}
