// Package echomw provides Echo middleware for the decision service.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in github.com/labstack/echo.
//
//	svc := limitd.NewBuilder().TokenBucket(100, 10).Redis(client).Build()
//	e := echo.New()
//	e.Use(echomw.RateLimit(svc, echomw.KeyByRealIP))
package echomw

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/go-limitd/limitd"
)

// KeyFunc extracts the rate limiting key from an Echo context.
type KeyFunc func(c echo.Context) string

// DeniedHandler produces the response when a request is rate limited.
type DeniedHandler func(c echo.Context, result *limitd.Result) error

// Config holds the rate limit middleware configuration.
type Config struct {
	// Decider is the decision service (required).
	Decider limitd.Decider

	// KeyFunc extracts the rate limit key (required).
	KeyFunc KeyFunc

	// Tokens is the cost charged per request. Default: 1.
	Tokens int64

	// DeniedHandler is called on denial. Default: 429 JSON.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass rate limiting.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set.
	// Default: true.
	Headers *bool
}

// RateLimit creates Echo middleware with default settings.
func RateLimit(d limitd.Decider, keyFunc KeyFunc) echo.MiddlewareFunc {
	return RateLimitWithConfig(Config{
		Decider: d,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Echo middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Decider == nil {
		panic("echomw: Decider is required")
	}
	if cfg.KeyFunc == nil {
		panic("echomw: KeyFunc is required")
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
			}

			key := cfg.KeyFunc(c)
			result := cfg.Decider.Decide(c.Request().Context(), key, cfg.Tokens)

			if sendHeaders {
				setHeaders(c, result)
			}

			if !result.Allowed {
				if result.RetryAfter > 0 {
					c.Response().Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
				}
				return cfg.DeniedHandler(c, result)
			}

			return next(c)
		}
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByRealIP uses Echo's RealIP() with proxy support.
func KeyByRealIP(c echo.Context) string {
	return c.RealIP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a path parameter.
func KeyByParam(param string) KeyFunc {
	return func(c echo.Context) string {
		return c.Param(param)
	}
}

// KeyByPathAndIP combines the request path and real IP.
func KeyByPathAndIP(c echo.Context) string {
	return c.Request().URL.Path + ":" + c.RealIP()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c echo.Context, result *limitd.Result) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
}

func defaultDeniedHandler(c echo.Context, _ *limitd.Result) error {
	return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}
