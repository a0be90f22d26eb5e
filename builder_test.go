package limitd_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/go-limitd/limitd"
)

func TestBuilder_TokenBucketDefault(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	svc := limitd.NewBuilder().TokenBucket(3, 1).Clock(clock).Build()
	defer svc.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, svc.Decide(ctx, "k", 1).Allowed)
	}
	res := svc.Decide(ctx, "k", 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, limitd.AlgoTokenBucket, res.Algorithm)
}

func TestBuilder_FixedWindowDefault(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	svc := limitd.NewBuilder().FixedWindow(2, time.Second).Clock(clock).Build()
	defer svc.Close()

	assert.True(t, svc.Decide(ctx, "k", 2).Allowed)
	assert.False(t, svc.Decide(ctx, "k", 1).Allowed)
	clock.Advance(time.Second)
	assert.True(t, svc.Decide(ctx, "k", 2).Allowed)
	assert.Equal(t, limitd.AlgoFixedWindow, svc.ResolveConfig("k").Algorithm)
}

func TestBuilder_SlidingWindowDefault(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	svc := limitd.NewBuilder().SlidingWindow(2).Clock(clock).Build()
	defer svc.Close()

	assert.True(t, svc.Decide(ctx, "k", 1).Allowed)
	assert.True(t, svc.Decide(ctx, "k", 1).Allowed)
	assert.False(t, svc.Decide(ctx, "k", 1).Allowed)
}

func TestBuilder_LeakyBucketDefault(t *testing.T) {
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	svc := limitd.NewBuilder().LeakyBucket(5, 2, time.Second).Clock(clock).Build()
	defer svc.Close()

	cfg := svc.ResolveConfig("k")
	assert.Equal(t, limitd.AlgoLeakyBucket, cfg.Algorithm)
	assert.Equal(t, int64(5), cfg.Capacity)
	assert.Equal(t, int64(2), cfg.RefillRate)
	assert.Equal(t, time.Second, cfg.MaxQueueTime)
}

func TestBuilder_CustomConfigSource(t *testing.T) {
	ctx := context.Background()
	clock := limitd.NewMockClockAt(time.UnixMilli(0))
	src := limitd.NewMemoryConfigSource()
	src.SetKey("vip", limitd.LimitConfig{Capacity: 100, RefillRate: 10})

	svc := limitd.NewBuilder().
		TokenBucket(5, 1).
		ConfigSource(src).
		Clock(clock).
		Build()
	defer svc.Close()

	assert.True(t, svc.Decide(ctx, "vip", 100).Allowed)
	assert.False(t, svc.Decide(ctx, "other", 100).Allowed)
}
