package limitd

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-limitd/limitd/store"
)

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	store           store.Store
	keyPrefix       string
	clock           Clock
	logger          *zap.Logger
	source          ConfigSource
	defaultConfig   *LimitConfig
	cleanupInterval time.Duration
}

// WithStore enables distributed mode through the given key-value store.
// Without a store the service runs purely local.
func WithStore(s store.Store) ServiceOption {
	return func(c *serviceConfig) { c.store = s }
}

// WithKeyPrefix sets the prefix for remote keys. Default: "rate_limit:".
func WithKeyPrefix(prefix string) ServiceOption {
	return func(c *serviceConfig) { c.keyPrefix = prefix }
}

// WithClock overrides the time source (tests).
func WithClock(clock Clock) ServiceOption {
	return func(c *serviceConfig) { c.clock = clock }
}

// WithLogger sets the structured logger. Default: no-op.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(c *serviceConfig) { c.logger = l }
}

// WithConfigSource supplies the limit tables. Default: a fresh
// MemoryConfigSource.
func WithConfigSource(src ConfigSource) ServiceOption {
	return func(c *serviceConfig) { c.source = src }
}

// WithDefaultConfig sets the default limit applied when no exact or
// pattern entry matches.
func WithDefaultConfig(cfg LimitConfig) ServiceOption {
	return func(c *serviceConfig) { c.defaultConfig = &cfg }
}

// WithCleanupInterval sets the registry evictor period. Default: 60s.
func WithCleanupInterval(d time.Duration) ServiceOption {
	return func(c *serviceConfig) { c.cleanupInterval = d }
}

// Service is the rate-limit decision service: it resolves each key's
// config, routes the request to the remote or local backend, and runs
// the configured algorithm. Decisions never error — failures collapse
// into a denial with a reason code and a log event.
type Service struct {
	clock    Clock
	logger   *zap.Logger
	source   ConfigSource
	resolver *Resolver
	registry *Registry
	local    *LocalBackend
	remote   *RemoteBackend // nil without a store
	router   *router
	closed   atomic.Bool
}

// New creates a Service. With WithStore it runs distributed-first with
// transparent local fallback; otherwise it is purely local.
func New(opts ...ServiceOption) *Service {
	cfg := &serviceConfig{
		clock:           NewClock(),
		logger:          zap.NewNop(),
		cleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.source == nil {
		cfg.source = NewMemoryConfigSource()
	}
	if cfg.defaultConfig != nil {
		cfg.source.SetDefault(*cfg.defaultConfig)
	}

	registry := NewRegistry(cfg.clock, cfg.logger, cfg.cleanupInterval)
	local := NewLocalBackend(registry)

	var remote *RemoteBackend
	var remoteBackend Backend
	if cfg.store != nil {
		remote = NewRemoteBackend(cfg.store, cfg.keyPrefix, cfg.clock, cfg.logger)
		remoteBackend = remote
	}

	return &Service{
		clock:    cfg.clock,
		logger:   cfg.logger,
		source:   cfg.source,
		resolver: NewResolver(cfg.source),
		registry: registry,
		local:    local,
		remote:   remote,
		router:   newRouter(remoteBackend, local, cfg.logger),
	}
}

// Decide checks whether tokens may be consumed for key. The backend is
// chosen per request; the first backend chosen owns the decision.
func (s *Service) Decide(ctx context.Context, key string, tokens int64) *Result {
	if s.closed.Load() {
		return &Result{Reason: ReasonShutdown}
	}
	if key == "" || tokens <= 0 {
		return &Result{Reason: ReasonInvalidArgument}
	}

	cfg := s.resolver.Resolve(key)
	backend := s.router.pick(ctx)

	lim, err := backend.GetLimiter(ctx, key, cfg)
	if err != nil {
		s.logger.Error("limiter construction failed",
			zap.String("key", key), zap.Error(err))
		return &Result{
			Algorithm: cfg.Algorithm,
			Backend:   backend.Name(),
			Reason:    ReasonBackendError,
		}
	}

	allowed := lim.TryConsume(ctx, tokens)
	res := &Result{
		Allowed:   allowed,
		Remaining: lim.Available(ctx),
		Limit:     lim.Capacity(),
		Algorithm: cfg.Algorithm,
		Backend:   backend.Name(),
	}
	if !allowed {
		res.Reason = s.denialReason(lim, key, tokens, cfg)
		if h, ok := lim.(retryHinter); ok {
			res.RetryAfter = h.retryAfter(tokens)
		}
	}
	return res
}

func (s *Service) denialReason(lim Limiter, key string, tokens int64, cfg LimitConfig) string {
	if el, ok := lim.(interface{ lastError() error }); ok {
		if err := el.lastError(); err != nil {
			s.logger.Warn("decision denied on backend error",
				zap.String("key", key), zap.Error(err))
			return ReasonBackendError
		}
	}
	if tokens > cfg.Capacity {
		return ReasonInvalidArgument
	}
	return ReasonLimitExceeded
}

// DecideComposite checks tokens for key against an explicit composite
// definition, reporting the per-component fan-out.
func (s *Service) DecideComposite(ctx context.Context, key string, tokens int64, cc *CompositeConfig) *CompositeResult {
	if s.closed.Load() {
		return &CompositeResult{Logic: compositeLogic(cc)}
	}
	if key == "" || tokens <= 0 || cc == nil || len(cc.Limits) == 0 {
		return &CompositeResult{Logic: compositeLogic(cc)}
	}

	cfg := LimitConfig{Algorithm: AlgoComposite, Composite: cc}.normalize(s.source.Default().normalize(DefaultLimitConfig()))
	backend := s.router.pick(ctx)

	lim, err := backend.GetLimiter(ctx, key, cfg)
	if err != nil {
		s.logger.Error("composite construction failed",
			zap.String("key", key), zap.Error(err))
		return &CompositeResult{Logic: cc.Logic}
	}
	comp, ok := lim.(*Composite)
	if !ok {
		return &CompositeResult{Logic: cc.Logic}
	}
	return comp.Consume(ctx, tokens)
}

func compositeLogic(cc *CompositeConfig) CombinationLogic {
	if cc == nil {
		return AllMustPass
	}
	return cc.Logic
}

// ResolveConfig returns the effective config for key without side
// effects beyond memoization.
func (s *Service) ResolveConfig(key string) LimitConfig {
	return s.resolver.Resolve(key)
}

// ─── Config mutation ─────────────────────────────────────────────────────────

// SetKeyConfig installs an exact-match config for key and reloads.
func (s *Service) SetKeyConfig(key string, cfg LimitConfig) {
	s.source.SetKey(key, cfg)
	s.Reload()
}

// SetPatternConfig installs a wildcard pattern config and reloads.
func (s *Service) SetPatternConfig(pattern string, cfg LimitConfig) {
	s.source.SetPattern(pattern, cfg)
	s.Reload()
}

// SetDefaultConfig replaces the default config and reloads.
func (s *Service) SetDefaultConfig(cfg LimitConfig) {
	s.source.SetDefault(cfg)
	s.Reload()
}

// RemoveKeyConfig removes an exact-match config and reloads.
func (s *Service) RemoveKeyConfig(key string) {
	s.source.RemoveKey(key)
	s.Reload()
}

// RemovePatternConfig removes a pattern config and reloads.
func (s *Service) RemovePatternConfig(pattern string) {
	s.source.RemovePattern(pattern)
	s.Reload()
}

// Reload clears the resolver cache and the local registry, in that
// order, so no holder outlives the config that shaped it.
func (s *Service) Reload() {
	s.resolver.Invalidate()
	s.registry.Clear()
	s.logger.Info("configuration reloaded")
}

// ClearAll clears both backends and the resolver cache. Remote errors
// are swallowed; this is a best-effort admin operation.
func (s *Service) ClearAll(ctx context.Context) {
	s.resolver.Invalidate()
	s.registry.Clear()
	if s.remote != nil {
		s.remote.Clear(ctx)
	}
}

// ─── Admin views ─────────────────────────────────────────────────────────────

// ActiveKeys returns the keys with live local limiter state.
func (s *Service) ActiveKeys() []string {
	return s.registry.Keys()
}

// BucketHolders returns all live local registry entries.
func (s *Service) BucketHolders() []*BucketHolder {
	return s.registry.Holders()
}

// BucketHolder returns the registry entry for key, if any.
func (s *Service) BucketHolder(key string) (*BucketHolder, bool) {
	return s.registry.Holder(key)
}

// ActiveCount returns the number of keys with live state on the backend
// currently serving requests.
func (s *Service) ActiveCount(ctx context.Context) int {
	return s.router.pick(ctx).ActiveCount(ctx)
}

// UsingFallback reports whether the last routed request used the local
// fallback.
func (s *Service) UsingFallback() bool {
	return s.router.UsingFallback()
}

// ForceCleanup runs one registry eviction sweep immediately.
func (s *Service) ForceCleanup() int {
	return s.registry.ForceCleanup()
}

// RegistryStats exposes the evictor's sweep counters.
func (s *Service) RegistryStats() RegistryStats {
	return s.registry.Stats()
}

// Close shuts the service down: new decisions deny, the evictor stops,
// and pending leaky bucket futures complete with false.
func (s *Service) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.registry.Close()
	s.logger.Info("service closed")
}
