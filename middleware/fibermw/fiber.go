// Package fibermw provides Fiber middleware for the decision service.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in github.com/gofiber/fiber. Fiber uses
// fasthttp (not net/http), so a dedicated adapter is required.
//
//	svc := limitd.NewBuilder().TokenBucket(100, 10).Redis(client).Build()
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(svc, fibermw.KeyByIP))
package fibermw

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/go-limitd/limitd"
)

// KeyFunc extracts the rate limiting key from a Fiber context.
type KeyFunc func(c *fiber.Ctx) string

// DeniedHandler produces the response when a request is rate limited.
type DeniedHandler func(c *fiber.Ctx, result *limitd.Result) error

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

// RateLimit creates Fiber middleware with default settings.
func RateLimit(d limitd.Decider, keyFunc KeyFunc) fiber.Handler {
	return RateLimitWithConfig(Config{
		Decider: d,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Fiber middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) fiber.Handler {
	if cfg.Decider == nil {
		panic("fibermw: Decider is required")
	}
	if cfg.KeyFunc == nil {
		panic("fibermw: KeyFunc is required")
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		key := cfg.KeyFunc(c)
		result := cfg.Decider.Decide(c.UserContext(), key, cfg.Tokens)

		if sendHeaders {
			setHeaders(c, result)
		}

		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
			}
			return cfg.DeniedHandler(c, result)
		}

		return c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByIP uses Fiber's IP() with proxy support.
func KeyByIP(c *fiber.Ctx) string {
	return c.IP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a route parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Params(param)
	}
}

// KeyByPathAndIP combines the request path and IP.
func KeyByPathAndIP(c *fiber.Ctx) string {
	return c.Path() + ":" + c.IP()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c *fiber.Ctx, result *limitd.Result) {
	c.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
}

func defaultDeniedHandler(c *fiber.Ctx, _ *limitd.Result) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
}
