// Package ginmw provides Gin middleware for the decision service.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in github.com/gin-gonic/gin.
//
//	svc := limitd.NewBuilder().TokenBucket(100, 10).Redis(client).Build()
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(svc, ginmw.KeyByClientIP))
package ginmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/go-limitd/limitd"
)

// KeyFunc extracts the rate limiting key from a Gin context.
type KeyFunc func(c *gin.Context) string

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c *gin.Context, result *limitd.Result)

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

// RateLimit creates Gin middleware with default settings.
func RateLimit(d limitd.Decider, keyFunc KeyFunc) gin.HandlerFunc {
	return RateLimitWithConfig(Config{
		Decider: d,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Gin middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Decider == nil {
		panic("ginmw: Decider is required")
	}
	if cfg.KeyFunc == nil {
		panic("ginmw: KeyFunc is required")
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		key := cfg.KeyFunc(c)
		result := cfg.Decider.Decide(c.Request.Context(), key, cfg.Tokens)

		if sendHeaders {
			setHeaders(c, result)
		}

		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
			}
			cfg.DeniedHandler(c, result)
			return
		}

		c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByClientIP uses Gin's ClientIP() which respects trusted proxies.
func KeyByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *gin.Context) string {
		return c.GetHeader(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a URL parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *gin.Context) string {
		return c.Param(param)
	}
}

// KeyByPathAndIP combines the request path and client IP.
func KeyByPathAndIP(c *gin.Context) string {
	return c.FullPath() + ":" + c.ClientIP()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c *gin.Context, result *limitd.Result) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
}

func defaultDeniedHandler(c *gin.Context, _ *limitd.Result) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}
