package limitd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/go-limitd/limitd/store"
)

// scriptedLimiter is the distributed counterpart of the local
// algorithms. It holds no state beyond the shared store handle and the
// prefixed key: every decision is one atomic script execution. A handle
// is created per call by the remote backend, so the cached reply from
// TryConsume can safely serve the follow-up Available read without a
// second round-trip.
//
// On any transport or script error the limiter fails closed: TryConsume
// returns false and records the error for the service to log. Fallback
// to the local backend is the router's job, decided before the call.
type scriptedLimiter struct {
	store  store.Store
	key    string
	cfg    LimitConfig
	clock  Clock
	logger *zap.Logger

	lastReply *scriptReply
	lastErr   error
}

// scriptReply is the parsed script return tuple.
type scriptReply struct {
	Allowed   bool
	Remaining int64
	Capacity  int64
	Rate      int64
	AnchorMs  int64
	WaitMs    int64
	hasWait   bool
}

func newScriptedLimiter(st store.Store, key string, cfg LimitConfig, clock Clock, logger *zap.Logger) *scriptedLimiter {
	return &scriptedLimiter{
		store:  st,
		key:    key,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

func (l *scriptedLimiter) TryConsume(ctx context.Context, tokens int64) bool {
	if tokens < 0 || tokens > l.cfg.Capacity {
		return false
	}
	reply, err := l.run(ctx, tokens)
	if err != nil {
		l.lastErr = err
		l.logger.Warn("scripted limiter call failed",
			zap.String("key", l.key),
			zap.String("algorithm", l.cfg.Algorithm.String()),
			zap.Error(err))
		return false
	}
	l.lastReply = reply
	if tokens == 0 {
		// tokens=0 is the reserved state query; it never admits.
		return false
	}
	return reply.Allowed
}

func (l *scriptedLimiter) run(ctx context.Context, tokens int64) (*scriptReply, error) {
	now := nowMs(l.clock)

	var (
		raw interface{}
		err error
	)
	switch l.cfg.Algorithm {
	case AlgoTokenBucket, AlgoSlidingWindow:
		// The sliding window degrades to the token bucket encoding with
		// the same parameters.
		raw, err = l.store.Eval(ctx, tokenBucketScript, []string{l.key},
			l.cfg.Capacity, l.cfg.RefillRate, tokens, now)
	case AlgoFixedWindow:
		raw, err = l.store.Eval(ctx, fixedWindowScript, []string{l.key},
			l.cfg.Capacity, l.cfg.WindowDuration.Milliseconds(), tokens, now)
	case AlgoLeakyBucket:
		raw, err = l.store.Eval(ctx, leakyBucketScript,
			[]string{l.key + ":queue", l.key + ":meta"},
			l.cfg.Capacity, l.cfg.RefillRate, tokens, now,
			l.cfg.MaxQueueTime.Milliseconds())
	default:
		return nil, fmt.Errorf("limitd: algorithm %s has no distributed form", l.cfg.Algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("limitd: script error: %w", err)
	}
	return parseScriptReply(raw)
}

// parseScriptReply decodes the script tuple defensively: a malformed
// reply is an error, which the caller turns into a denial.
func parseScriptReply(raw interface{}) (*scriptReply, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) < 5 {
		return nil, fmt.Errorf("limitd: malformed script reply %v", raw)
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("limitd: non-integer script reply element %v", v)
		}
		nums[i] = n
	}
	r := &scriptReply{
		Allowed:   nums[0] == 1,
		Remaining: nums[1],
		Capacity:  nums[2],
		Rate:      nums[3],
		AnchorMs:  nums[4],
	}
	if len(nums) > 5 {
		r.WaitMs = nums[5]
		r.hasWait = true
	}
	return r, nil
}

func (l *scriptedLimiter) Available(ctx context.Context) int64 {
	if l.lastReply != nil {
		return max64(0, l.lastReply.Remaining)
	}
	reply, err := l.run(ctx, 0)
	if err != nil {
		l.lastErr = err
		return 0
	}
	l.lastReply = reply
	return max64(0, reply.Remaining)
}

func (l *scriptedLimiter) Capacity() int64   { return l.cfg.Capacity }
func (l *scriptedLimiter) RefillRate() int64 { return l.cfg.RefillRate }

func (l *scriptedLimiter) LastUpdate() int64 {
	if l.lastReply != nil {
		return l.lastReply.AnchorMs
	}
	return 0
}

func (l *scriptedLimiter) retryAfter(tokens int64) time.Duration {
	r := l.lastReply
	if r == nil {
		return 0
	}
	if r.hasWait {
		return time.Duration(r.WaitMs) * time.Millisecond
	}
	if r.Rate <= 0 {
		return 0
	}
	deficit := tokens - r.Remaining
	if deficit <= 0 {
		return 0
	}
	waitMs := (deficit*1000 + r.Rate - 1) / r.Rate
	return time.Duration(waitMs) * time.Millisecond
}

// lastError reports the transport error from the most recent call, if
// any. The service logs it and labels the denial as a backend error.
func (l *scriptedLimiter) lastError() error {
	return l.lastErr
}
