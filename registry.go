package limitd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BucketHolder is a registry entry: one limiter instance, the config it
// was built from, and last-access bookkeeping for the evictor.
type BucketHolder struct {
	Key     string
	Limiter Limiter
	Config  LimitConfig

	lastAccessMs atomic.Int64
}

// LastAccess returns the last-access time in milliseconds since epoch.
func (h *BucketHolder) LastAccess() int64 {
	return h.lastAccessMs.Load()
}

func (h *BucketHolder) touch(ms int64) {
	h.lastAccessMs.Store(ms)
}

func (h *BucketHolder) close() {
	if c, ok := h.Limiter.(closer); ok {
		c.Close()
	}
}

// RegistryStats exposes evictor observability counters.
type RegistryStats struct {
	Holders     int
	Sweeps      int64
	Evicted     int64
	LastSweepMs int64
}

// Registry owns the per-key local limiter instances. Lookups are
// lock-free (sync.Map); exactly one holder per key is stored and handed
// out even under contention. Concurrent first references may each build
// a limiter; only the stored one is used and the others are closed. A
// background evictor removes holders idle longer than their config's
// cleanup interval.
type Registry struct {
	clock   Clock
	logger  *zap.Logger
	holders sync.Map // string -> *BucketHolder

	cleanupInterval time.Duration
	sweeps          atomic.Int64
	evicted         atomic.Int64
	lastSweepMs     atomic.Int64

	stopCh chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewRegistry creates a registry and starts its evictor, which sweeps
// every cleanupInterval.
func NewRegistry(clock Clock, logger *zap.Logger, cleanupInterval time.Duration) *Registry {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	r := &Registry{
		clock:           clock,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.evictLoop()
	return r
}

// GetOrCreate returns the holder for key, creating it from cfg on first
// reference. The winner of a creation race keeps its instance; losers
// close theirs. Every call refreshes the holder's last-access time.
func (r *Registry) GetOrCreate(key string, cfg LimitConfig) (*BucketHolder, error) {
	now := nowMs(r.clock)
	if v, ok := r.holders.Load(key); ok {
		h := v.(*BucketHolder)
		h.touch(now)
		return h, nil
	}

	lim, err := newLocalLimiter(cfg, r.clock)
	if err != nil {
		return nil, err
	}
	h := &BucketHolder{Key: key, Limiter: lim, Config: cfg}
	h.touch(now)

	if v, raced := r.holders.LoadOrStore(key, h); raced {
		h.close()
		existing := v.(*BucketHolder)
		existing.touch(now)
		return existing, nil
	}
	return h, nil
}

// Holder returns the holder for key without creating or touching it.
func (r *Registry) Holder(key string) (*BucketHolder, bool) {
	v, ok := r.holders.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*BucketHolder), true
}

// Keys returns the keys of all live holders.
func (r *Registry) Keys() []string {
	var keys []string
	r.holders.Range(func(k, _ interface{}) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

// Holders returns all live holders.
func (r *Registry) Holders() []*BucketHolder {
	var out []*BucketHolder
	r.holders.Range(func(_, v interface{}) bool {
		out = append(out, v.(*BucketHolder))
		return true
	})
	return out
}

// Len returns the number of live holders.
func (r *Registry) Len() int {
	n := 0
	r.holders.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Remove deletes one holder, closing its limiter.
func (r *Registry) Remove(key string) {
	if v, ok := r.holders.LoadAndDelete(key); ok {
		v.(*BucketHolder).close()
	}
}

// Clear removes every holder. Called on reload so stale configs never
// outlive a config change.
func (r *Registry) Clear() {
	r.holders.Range(func(k, v interface{}) bool {
		r.holders.Delete(k)
		v.(*BucketHolder).close()
		return true
	})
}

// ForceCleanup runs one eviction sweep immediately and returns the
// number of holders removed.
func (r *Registry) ForceCleanup() int {
	return r.sweep()
}

// Stats returns sweep counters for observability.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Holders:     r.Len(),
		Sweeps:      r.sweeps.Load(),
		Evicted:     r.evicted.Load(),
		LastSweepMs: r.lastSweepMs.Load(),
	}
}

func (r *Registry) evictLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() int {
	now := nowMs(r.clock)
	removed := 0
	r.holders.Range(func(k, v interface{}) bool {
		h := v.(*BucketHolder)
		idle := now - h.LastAccess()
		if idle > h.Config.CleanupInterval.Milliseconds() {
			if _, ok := r.holders.LoadAndDelete(k); ok {
				h.close()
				removed++
			}
		}
		return true
	})
	r.sweeps.Add(1)
	r.evicted.Add(int64(removed))
	r.lastSweepMs.Store(now)
	if removed > 0 {
		r.logger.Debug("registry sweep", zap.Int("evicted", removed))
	}
	return removed
}

// Close stops the evictor and closes every holder, completing pending
// leaky bucket futures with a denial.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	r.Clear()
}

// newLocalLimiter builds the in-process limiter for cfg. Composite
// configs fan out into local components, one per definition.
func newLocalLimiter(cfg LimitConfig, clock Clock) (Limiter, error) {
	switch cfg.Algorithm {
	case AlgoTokenBucket:
		return NewTokenBucket(cfg.Capacity, cfg.RefillRate, clock)
	case AlgoSlidingWindow:
		return NewSlidingWindow(cfg.Capacity, clock)
	case AlgoFixedWindow:
		return NewFixedWindow(cfg.Capacity, cfg.WindowDuration, clock)
	case AlgoLeakyBucket:
		return NewLeakyBucket(cfg.Capacity, cfg.RefillRate, cfg.MaxQueueTime, clock)
	case AlgoComposite:
		if cfg.Composite == nil {
			return nil, fmt.Errorf("limitd: composite config missing definitions")
		}
		return newLocalComposite(cfg, clock)
	default:
		return nil, fmt.Errorf("limitd: unknown algorithm %d", cfg.Algorithm)
	}
}

func newLocalComposite(cfg LimitConfig, clock Clock) (*Composite, error) {
	defs := cfg.Composite.Limits
	components := make([]LimitComponent, 0, len(defs))
	for _, def := range defs {
		inner, err := newLocalLimiter(LimitConfig{
			Algorithm:      def.Algorithm,
			Capacity:       def.Capacity,
			RefillRate:     def.RefillRate,
			WindowDuration: cfg.WindowDuration,
			MaxQueueTime:   cfg.MaxQueueTime,
		}.normalize(DefaultLimitConfig()), clock)
		if err != nil {
			return nil, err
		}
		components = append(components, LimitComponent{
			Name:     def.Name,
			Limiter:  inner,
			Weight:   componentWeight(cfg.Composite, def),
			Priority: def.Priority,
			Scope:    def.Scope,
		})
	}
	return NewComposite(components, cfg.Composite.Logic)
}

// componentWeight applies the composite-level weight override, falling
// back to the definition weight, then 1.
func componentWeight(cc *CompositeConfig, def LimitDefinition) float64 {
	if w, ok := cc.Weights[def.Name]; ok && w > 0 {
		return w
	}
	if def.Weight > 0 {
		return def.Weight
	}
	return 1
}
