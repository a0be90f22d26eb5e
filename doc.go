// Package limitd is a distributed rate-limit decision service with four
// algorithms, Redis-backed distributed state, transparent local
// fallback, and drop-in middleware for net/http, Gin, Echo, Fiber, and
// gRPC.
//
// # Algorithms
//
//   - Token Bucket — steady refill, burst-friendly
//   - Sliding Window — precise 1-second rolling log
//   - Fixed Window — aligned intervals, O(1) state
//   - Leaky Bucket — FIFO queue with constant drain
//   - Composite — several of the above combined under one logic
//
// # Quick Start
//
//	svc := limitd.NewBuilder().TokenBucket(100, 10).Build()
//	defer svc.Close()
//
//	res := svc.Decide(ctx, "user:123", 1)
//	if res.Allowed {
//	    // serve request
//	}
//
// # Distributed mode
//
// With a Redis client the service shares state across instances through
// atomic Lua scripts, one round-trip per decision. When Redis becomes
// unreachable the service falls back to process-local limiting and
// resumes distributed mode once it recovers — liveness is traded for
// global consistency during the outage.
//
//	svc := limitd.NewBuilder().TokenBucket(100, 10).Redis(client).Build()
//
// # Per-key configuration
//
// Keys resolve to limits with exact-match → pattern-match → default
// precedence; '*' is the only pattern metacharacter.
//
//	svc.SetPatternConfig("user:*", limitd.LimitConfig{Capacity: 20})
//	svc.SetKeyConfig("user:vip", limitd.LimitConfig{Capacity: 50})
//
// Decisions never return errors: backend failures, invalid arguments,
// and shutdown all collapse into a denial with a reason code.
package limitd
