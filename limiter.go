package limitd

import (
	"context"
	"errors"
	"time"
)

// Limiter is the common contract for all rate limiting algorithms.
// Each instance guards the state of a single key; instances are created
// and owned by the Registry (local) or handed out per call by the remote
// backend (one atomic script execution per decision).
//
// TryConsume returns false without mutating state when tokens <= 0 or
// tokens > Capacity().
type Limiter interface {
	// TryConsume attempts to take tokens from the limiter.
	TryConsume(ctx context.Context, tokens int64) bool

	// Available returns the remaining capacity, clamped at zero.
	Available(ctx context.Context) int64

	// Capacity returns the maximum tokens this limiter admits per unit
	// of its algorithm's semantics.
	Capacity() int64

	// RefillRate returns tokens per second (token/leaky bucket) or
	// requests per window (fixed/sliding window).
	RefillRate() int64

	// LastUpdate returns the time of the last state change in
	// milliseconds since epoch.
	LastUpdate() int64
}

// retryHinter is implemented by limiters that can estimate how long a
// denied caller should wait before retrying.
type retryHinter interface {
	retryAfter(tokens int64) time.Duration
}

// closer is implemented by limiters that own background goroutines or
// pending futures (leaky bucket). The registry closes holders on
// eviction and shutdown.
type closer interface {
	Close()
}

// Decision reason codes surfaced in Result.Reason on denial.
const (
	ReasonLimitExceeded   = "limit_exceeded"
	ReasonInvalidArgument = "invalid_argument"
	ReasonBackendError    = "backend_error"
	ReasonShutdown        = "shutdown"
)

// Result holds the outcome of a single rate limit decision.
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	RetryAfter time.Duration
	Algorithm  Algorithm
	Backend    string
	Reason     string
}

// Decider is the single-operation surface consumed by middleware, the
// decision cache, and the metrics wrapper. *Service implements it.
// Decide never returns an error: failures collapse into a denial with a
// reason code.
type Decider interface {
	Decide(ctx context.Context, key string, tokens int64) *Result
}

// ErrStoreUnavailable is a sentinel a store's Ping may return when the
// backend is unreachable. The router treats any Ping error as
// unavailability; the stores in this module report their own errors.
var ErrStoreUnavailable = errors.New("limitd: store unavailable")
