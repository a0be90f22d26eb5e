// Package grpcmw provides gRPC server interceptors for the decision
// service.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in google.golang.org/grpc.
//
//	svc := limitd.NewBuilder().TokenBucket(100, 10).Redis(client).Build()
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(svc, grpcmw.KeyByPeer)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(svc, grpcmw.StreamKeyByPeer)),
//	)
package grpcmw

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/go-limitd/limitd"
)

// KeyFunc extracts the rate limiting key from a unary RPC context.
type KeyFunc func(ctx context.Context, info *grpc.UnaryServerInfo) string

// StreamKeyFunc extracts the rate limiting key from a streaming RPC
// context.
type StreamKeyFunc func(ctx context.Context, info *grpc.StreamServerInfo) string

// DeniedHandler produces the gRPC error returned when a request is rate
// limited. Default: codes.ResourceExhausted with retry info.
type DeniedHandler func(ctx context.Context, result *limitd.Result) error

// Config holds full configuration for gRPC rate limit interceptors.
type Config struct {
	// Decider is the decision service (required).
	Decider limitd.Decider

	// KeyFunc extracts the rate limit key for unary RPCs (required for
	// unary).
	KeyFunc KeyFunc

	// StreamKeyFunc extracts the rate limit key for streaming RPCs
	// (required for stream).
	StreamKeyFunc StreamKeyFunc

	// Tokens is the cost charged per RPC. Default: 1.
	Tokens int64

	// DeniedHandler produces the error returned on denial.
	// Default: codes.ResourceExhausted.
	DeniedHandler DeniedHandler

	// ExcludeMethods are full method names (e.g. "/pkg.Service/Method")
	// that bypass rate limiting.
	ExcludeMethods map[string]bool

	// Headers controls whether rate limit metadata is sent in response
	// headers. Default: true.
	Headers *bool
}

// ─── Unary Interceptors ──────────────────────────────────────────────────────

// UnaryServerInterceptor creates a unary server interceptor with
// default settings.
func UnaryServerInterceptor(d limitd.Decider, keyFunc KeyFunc) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{
		Decider: d,
		KeyFunc: keyFunc,
	})
}

// UnaryServerInterceptorWithConfig creates a unary server interceptor
// with full configuration control.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	if cfg.Decider == nil {
		panic("grpcmw: Decider is required")
	}
	if cfg.KeyFunc == nil {
		panic("grpcmw: KeyFunc is required")
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		key := cfg.KeyFunc(ctx, info)
		result := cfg.Decider.Decide(ctx, key, cfg.Tokens)

		if sendHeaders {
			setRateLimitMetadata(ctx, result)
		}

		if !result.Allowed {
			return nil, cfg.DeniedHandler(ctx, result)
		}

		return handler(ctx, req)
	}
}

// ─── Stream Interceptors ─────────────────────────────────────────────────────

// StreamServerInterceptor creates a stream server interceptor with
// default settings.
func StreamServerInterceptor(d limitd.Decider, keyFunc StreamKeyFunc) grpc.StreamServerInterceptor {
	return StreamServerInterceptorWithConfig(Config{
		Decider:       d,
		StreamKeyFunc: keyFunc,
	})
}

// StreamServerInterceptorWithConfig creates a stream server interceptor
// with full configuration control.
func StreamServerInterceptorWithConfig(cfg Config) grpc.StreamServerInterceptor {
	if cfg.Decider == nil {
		panic("grpcmw: Decider is required")
	}
	if cfg.StreamKeyFunc == nil {
		panic("grpcmw: StreamKeyFunc is required")
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		key := cfg.StreamKeyFunc(ctx, info)
		result := cfg.Decider.Decide(ctx, key, cfg.Tokens)

		if sendHeaders {
			setRateLimitMetadata(ctx, result)
		}

		if !result.Allowed {
			return cfg.DeniedHandler(ctx, result)
		}

		return handler(srv, ss)
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByPeer keys unary RPCs by the peer address.
func KeyByPeer(ctx context.Context, _ *grpc.UnaryServerInfo) string {
	return peerAddr(ctx)
}

// StreamKeyByPeer keys streaming RPCs by the peer address.
func StreamKeyByPeer(ctx context.Context, _ *grpc.StreamServerInfo) string {
	return peerAddr(ctx)
}

// KeyByMetadata returns a KeyFunc that extracts from incoming metadata.
func KeyByMetadata(header string) KeyFunc {
	return func(ctx context.Context, _ *grpc.UnaryServerInfo) string {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(header); len(vals) > 0 {
				return vals[0]
			}
		}
		return "unknown"
	}
}

// KeyByMethod keys unary RPCs by their full method name.
func KeyByMethod(_ context.Context, info *grpc.UnaryServerInfo) string {
	return info.FullMethod
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setRateLimitMetadata(ctx context.Context, result *limitd.Result) {
	md := metadata.Pairs(
		"x-ratelimit-limit", strconv.FormatInt(result.Limit, 10),
		"x-ratelimit-remaining", strconv.FormatInt(result.Remaining, 10),
	)
	_ = grpc.SetHeader(ctx, md)
}

func defaultDeniedHandler(_ context.Context, result *limitd.Result) error {
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %v", result.RetryAfter)
}
