package limitd

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// router picks the backend for each request: remote when its liveness
// probe passes, local otherwise. The usingFallback flag records the
// last observed state so transitions can be logged, but it is advisory
// only — the authoritative choice is made per request, and no request
// is retried across backends.
type router struct {
	remote        Backend // nil when the service runs without a store
	local         Backend
	usingFallback atomic.Bool
	logger        *zap.Logger
}

func newRouter(remote, local Backend, logger *zap.Logger) *router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &router{remote: remote, local: local, logger: logger}
}

// pick returns the backend that owns this request's decision.
func (rt *router) pick(ctx context.Context) Backend {
	if rt.remote == nil {
		return rt.local
	}
	if rt.remote.IsAvailable(ctx) {
		if rt.usingFallback.CompareAndSwap(true, false) {
			rt.logger.Info("remote backend recovered, resuming distributed mode")
		}
		return rt.remote
	}
	if rt.usingFallback.CompareAndSwap(false, true) {
		rt.logger.Warn("remote backend unavailable, falling back to local limiting")
	}
	return rt.local
}

// UsingFallback reports the last observed routing state.
func (rt *router) UsingFallback() bool {
	return rt.usingFallback.Load()
}
