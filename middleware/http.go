// Package middleware provides rate limiting middleware for net/http.
// Framework adapters live in sub-packages (ginmw, echomw, fibermw,
// grpcmw) so importing this package does not pull their dependencies.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-limitd/limitd"
)

// KeyFunc extracts the rate limiting key from an HTTP request.
// The returned string identifies the caller (e.g. IP, API key, user ID).
type KeyFunc func(r *http.Request) string

// DeniedHandler is called when a request is rate limited.
// Default behavior: 429 Too Many Requests with Retry-After header.
type DeniedHandler func(w http.ResponseWriter, r *http.Request, result *limitd.Result)

// Config holds the rate limit middleware configuration.
type Config struct {
	// Decider is the decision service (required).
	Decider limitd.Decider

	// KeyFunc extracts the rate limit key from the request (required).
	KeyFunc KeyFunc

	// Tokens is the cost charged per request. Default: 1.
	Tokens int64

	// DeniedHandler is called when a request is denied.
	// Default: responds with 429 and Retry-After header.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass rate limiting.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set on responses.
	// Default: true.
	Headers *bool

	// Message is the response body for denied requests.
	// Default: "Too Many Requests".
	Message string

	// StatusCode is the HTTP status code for denied requests.
	// Default: 429.
	StatusCode int
}

// RateLimit creates HTTP middleware with default settings.
//
//	mux := http.NewServeMux()
//	mux.Handle("/api/", middleware.RateLimit(svc, middleware.KeyByIP)(handler))
func RateLimit(d limitd.Decider, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return RateLimitWithConfig(Config{
		Decider: d,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates HTTP middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) func(http.Handler) http.Handler {
	if cfg.Decider == nil {
		panic("limitd/middleware: Decider is required")
	}
	if cfg.KeyFunc == nil {
		panic("limitd/middleware: KeyFunc is required")
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler(cfg.Message, cfg.StatusCode)
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyFunc(r)
			result := cfg.Decider.Decide(r.Context(), key, cfg.Tokens)

			if sendHeaders {
				setRateLimitHeaders(w, result)
			}

			if !result.Allowed {
				if result.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
				}
				cfg.DeniedHandler(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByIP extracts the client IP, honoring X-Forwarded-For and
// X-Real-IP before falling back to RemoteAddr.
func KeyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// KeyByPathAndIP combines the request path and client IP for
// per-endpoint limits.
func KeyByPathAndIP(r *http.Request) string {
	return r.URL.Path + ":" + KeyByIP(r)
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setRateLimitHeaders(w http.ResponseWriter, result *limitd.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
}

func defaultDeniedHandler(message string, statusCode int) DeniedHandler {
	if message == "" {
		message = "Too Many Requests"
	}
	if statusCode == 0 {
		statusCode = http.StatusTooManyRequests
	}
	return func(w http.ResponseWriter, _ *http.Request, _ *limitd.Result) {
		http.Error(w, message, statusCode)
	}
}
