package limitd

import (
	"time"

	"go.uber.org/zap"

	goredis "github.com/redis/go-redis/v9"

	"github.com/go-limitd/limitd/store"
	redisstore "github.com/go-limitd/limitd/store/redis"
)

// Builder provides a fluent API for constructing a Service.
//
//	svc := limitd.NewBuilder().
//	    TokenBucket(100, 10).
//	    Redis(client).
//	    KeyPrefix("rate_limit:").
//	    Build()
type Builder struct {
	opts []ServiceOption
	def  LimitConfig
}

// NewBuilder returns a new Builder with the built-in default limit.
func NewBuilder() *Builder {
	return &Builder{def: DefaultLimitConfig()}
}

// ─── Default algorithm selectors ─────────────────────────────────────────────

// TokenBucket makes the default limit a token bucket.
// capacity is the burst size, refillRate the tokens added per second.
func (b *Builder) TokenBucket(capacity, refillRate int64) *Builder {
	b.def.Algorithm = AlgoTokenBucket
	b.def.Capacity = capacity
	b.def.RefillRate = refillRate
	return b
}

// SlidingWindow makes the default limit a 1-second rolling window of
// capacity tokens.
func (b *Builder) SlidingWindow(capacity int64) *Builder {
	b.def.Algorithm = AlgoSlidingWindow
	b.def.Capacity = capacity
	b.def.RefillRate = capacity
	return b
}

// FixedWindow makes the default limit a fixed window of capacity tokens
// per window.
func (b *Builder) FixedWindow(capacity int64, window time.Duration) *Builder {
	b.def.Algorithm = AlgoFixedWindow
	b.def.Capacity = capacity
	b.def.RefillRate = capacity
	b.def.WindowDuration = window
	return b
}

// LeakyBucket makes the default limit a leaky bucket with the given
// queue capacity, leak rate per second, and maximum queue wait.
func (b *Builder) LeakyBucket(queueCapacity, leakRate int64, maxQueueTime time.Duration) *Builder {
	b.def.Algorithm = AlgoLeakyBucket
	b.def.Capacity = queueCapacity
	b.def.RefillRate = leakRate
	b.def.MaxQueueTime = maxQueueTime
	return b
}

// ─── Option setters ──────────────────────────────────────────────────────────

// Redis enables distributed mode through any redis.UniversalClient.
func (b *Builder) Redis(client goredis.UniversalClient) *Builder {
	b.opts = append(b.opts, WithStore(redisstore.New(client)))
	return b
}

// Store enables distributed mode through a custom store.Store.
func (b *Builder) Store(s store.Store) *Builder {
	b.opts = append(b.opts, WithStore(s))
	return b
}

// KeyPrefix sets the prefix for remote keys.
func (b *Builder) KeyPrefix(prefix string) *Builder {
	b.opts = append(b.opts, WithKeyPrefix(prefix))
	return b
}

// Logger sets the structured logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.opts = append(b.opts, WithLogger(l))
	return b
}

// Clock overrides the time source.
func (b *Builder) Clock(c Clock) *Builder {
	b.opts = append(b.opts, WithClock(c))
	return b
}

// CleanupInterval sets the registry evictor period.
func (b *Builder) CleanupInterval(d time.Duration) *Builder {
	b.opts = append(b.opts, WithCleanupInterval(d))
	return b
}

// ConfigSource supplies the limit tables.
func (b *Builder) ConfigSource(src ConfigSource) *Builder {
	b.opts = append(b.opts, WithConfigSource(src))
	return b
}

// Build returns the configured Service.
func (b *Builder) Build() *Service {
	opts := append([]ServiceOption{WithDefaultConfig(b.def)}, b.opts...)
	return New(opts...)
}
