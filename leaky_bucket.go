package limitd

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LeakyBucket is the in-process leaky bucket limiter. Requests queue in
// FIFO order and drain at a constant leakRate tokens per second.
//
// The primary API is Enqueue, which returns a future completed by the
// background drainer when the request's tokens have leaked, or with
// false when the request waits longer than maxQueueTime or the bucket
// shuts down. TryConsume is the synchronous approximation used behind
// the shared Limiter contract: it admits iff the queue has room and the
// estimated wait fits within maxQueueTime.
type LeakyBucket struct {
	mu            sync.Mutex
	queueCapacity int64
	leakRate      int64
	maxQueueTime  time.Duration
	queue         []*leakyRequest
	lastLeakMs    int64
	clock         Clock
	stopCh        chan struct{}
	closed        bool
	wg            sync.WaitGroup
}

type leakyRequest struct {
	enqueuedMs int64
	tokens     int64
	// done is nil for synchronous admissions; those occupy queue space
	// and drain like any other record but have no waiter.
	done chan bool
}

// NewLeakyBucket creates a leaky bucket and starts its drainer and
// timeout sweeper. Callers must Close it to stop the goroutines and
// fail any still-pending futures.
func NewLeakyBucket(queueCapacity, leakRate int64, maxQueueTime time.Duration, clock Clock) (*LeakyBucket, error) {
	if queueCapacity <= 0 || leakRate <= 0 {
		return nil, fmt.Errorf("limitd: queueCapacity and leakRate must be positive")
	}
	if maxQueueTime <= 0 {
		maxQueueTime = 5 * time.Second
	}
	if clock == nil {
		clock = NewClock()
	}
	lb := &LeakyBucket{
		queueCapacity: queueCapacity,
		leakRate:      leakRate,
		maxQueueTime:  maxQueueTime,
		lastLeakMs:    nowMs(clock),
		clock:         clock,
		stopCh:        make(chan struct{}),
	}
	lb.wg.Add(2)
	go lb.drainLoop()
	go lb.sweepLoop()
	return lb, nil
}

// drainInterval is max(10ms, 100/leakRate ms) so fast buckets drain
// smoothly and slow buckets don't spin.
func (l *LeakyBucket) drainInterval() time.Duration {
	ms := 100 / l.leakRate
	if ms < 10 {
		ms = 10
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *LeakyBucket) drainLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.drainInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.drain()
		case <-l.stopCh:
			return
		}
	}
}

func (l *LeakyBucket) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweepTimeouts()
		case <-l.stopCh:
			return
		}
	}
}

// drain pops head records whose tokens fit inside the leak allowance
// accumulated since lastLeakMs and completes their futures with true.
// lastLeakMs only advances when work was done, so fractional allowances
// carry over between ticks.
func (l *LeakyBucket) drain() {
	var completed []*leakyRequest
	l.mu.Lock()
	now := nowMs(l.clock)
	allowance := (now - l.lastLeakMs) * l.leakRate / 1000
	for allowance > 0 && len(l.queue) > 0 {
		head := l.queue[0]
		if head.tokens > allowance {
			break
		}
		allowance -= head.tokens
		l.queue = l.queue[1:]
		completed = append(completed, head)
	}
	if len(completed) > 0 {
		l.lastLeakMs = now
	}
	l.mu.Unlock()

	for _, r := range completed {
		r.complete(true)
	}
}

// sweepTimeouts fails head records that have waited longer than
// maxQueueTime.
func (l *LeakyBucket) sweepTimeouts() {
	var expired []*leakyRequest
	l.mu.Lock()
	now := nowMs(l.clock)
	deadline := l.maxQueueTime.Milliseconds()
	for len(l.queue) > 0 && now-l.queue[0].enqueuedMs > deadline {
		expired = append(expired, l.queue[0])
		l.queue = l.queue[1:]
	}
	l.mu.Unlock()

	for _, r := range expired {
		r.complete(false)
	}
}

func (r *leakyRequest) complete(ok bool) {
	if r.done != nil {
		r.done <- ok
	}
}

// Enqueue appends a request to the queue and returns a future that the
// drainer completes with true, the timeout sweeper completes with
// false, or Close completes with false. A full queue or invalid token
// count completes immediately with false.
func (l *LeakyBucket) Enqueue(tokens int64) <-chan bool {
	done := make(chan bool, 1)
	if tokens <= 0 || tokens > l.queueCapacity {
		done <- false
		return done
	}
	l.mu.Lock()
	if l.closed || int64(len(l.queue)) >= l.queueCapacity {
		l.mu.Unlock()
		done <- false
		return done
	}
	l.queue = append(l.queue, &leakyRequest{
		enqueuedMs: nowMs(l.clock),
		tokens:     tokens,
		done:       done,
	})
	l.mu.Unlock()
	return done
}

func (l *LeakyBucket) TryConsume(_ context.Context, tokens int64) bool {
	if tokens <= 0 || tokens > l.queueCapacity {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	size := int64(len(l.queue))
	if size >= l.queueCapacity {
		return false
	}
	estimatedWaitMs := size * 1000 / l.leakRate
	if estimatedWaitMs > l.maxQueueTime.Milliseconds() {
		return false
	}
	l.queue = append(l.queue, &leakyRequest{
		enqueuedMs: nowMs(l.clock),
		tokens:     tokens,
	})
	return true
}

func (l *LeakyBucket) Available(_ context.Context) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max64(0, l.queueCapacity-int64(len(l.queue)))
}

func (l *LeakyBucket) Capacity() int64   { return l.queueCapacity }
func (l *LeakyBucket) RefillRate() int64 { return l.leakRate }

func (l *LeakyBucket) LastUpdate() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLeakMs
}

// QueueSize returns the number of queued records.
func (l *LeakyBucket) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *LeakyBucket) retryAfter(tokens int64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	waitMs := int64(len(l.queue)) * 1000 / l.leakRate
	return time.Duration(waitMs) * time.Millisecond
}

// Close stops the drainer and sweeper and completes every pending
// future with false. Safe to call more than once.
func (l *LeakyBucket) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.queue
	l.queue = nil
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	for _, r := range pending {
		r.complete(false)
	}
}
