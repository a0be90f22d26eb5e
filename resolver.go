package limitd

import (
	"regexp"
	"strings"
	"sync"
)

// Resolver maps a key to its effective LimitConfig with exact-match →
// pattern-match → default precedence. Pattern tables are consulted in
// insertion order; the first match wins. Resolutions are memoized in a
// concurrent map until Invalidate.
//
// Pattern syntax: '*' matches any substring including the empty one;
// every other character matches literally.
type Resolver struct {
	source ConfigSource
	cache  sync.Map // key -> LimitConfig

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewResolver creates a resolver over source.
func NewResolver(source ConfigSource) *Resolver {
	return &Resolver{
		source:   source,
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Resolve returns the effective config for key. Partial configs inherit
// unset fields from the default, field by field; the returned config is
// always fully populated.
func (r *Resolver) Resolve(key string) LimitConfig {
	if v, ok := r.cache.Load(key); ok {
		return v.(LimitConfig)
	}
	cfg := r.lookup(key)
	r.cache.Store(key, cfg)
	return cfg
}

func (r *Resolver) lookup(key string) LimitConfig {
	defaults := r.source.Default().normalize(DefaultLimitConfig())

	if cfg, ok := r.source.KeyConfig(key); ok {
		return cfg.normalize(defaults)
	}
	for _, pc := range r.source.Patterns() {
		if r.match(pc.Pattern, key) {
			return pc.Config.normalize(defaults)
		}
	}
	return defaults
}

func (r *Resolver) match(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	re := r.compile(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(key)
}

// compile translates a wildcard pattern to an anchored regexp, quoting
// everything except '*'. Compiled patterns are cached per pattern
// string.
func (r *Resolver) compile(pattern string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.compiled[pattern]; ok {
		return re
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		re = nil
	}
	r.compiled[pattern] = re
	return re
}

// Invalidate clears the memoized resolutions. Callers that mutate the
// config tables must invalidate and also clear the registry so existing
// holders do not keep stale configs.
func (r *Resolver) Invalidate() {
	r.cache.Range(func(k, _ interface{}) bool {
		r.cache.Delete(k)
		return true
	})
	r.mu.Lock()
	r.compiled = make(map[string]*regexp.Regexp)
	r.mu.Unlock()
}
