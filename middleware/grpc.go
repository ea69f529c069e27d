package middleware

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gatelink/throttle/limiter"
)

// GRPCIdentityFunc extracts the rate-limited identity for a gRPC call. An
// empty result skips limiting for that call.
type GRPCIdentityFunc func(ctx context.Context, fullMethod string) string

// UnaryServerInterceptor applies admission control to unary RPCs for the
// given category. Denied calls fail with codes.ResourceExhausted.
func UnaryServerInterceptor(l *limiter.Limiter, category string, identity GRPCIdentityFunc) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := identity(ctx, info.FullMethod)
		if id == "" {
			return handler(ctx, req)
		}

		dec, err := l.TryAcquire(ctx, id, category)
		if err != nil && !errors.Is(err, limiter.ErrStoreUnavailable) {
			log.Error().Err(err).Str("identity", id).Str("method", info.FullMethod).Msg("rate limit check failed")
			return handler(ctx, req)
		}
		if err != nil {
			log.Warn().Err(err).Str("identity", id).Str("method", info.FullMethod).Msg("rate limit decided in degraded mode")
		}

		if !dec.Allowed {
			return nil, status.Errorf(codes.ResourceExhausted,
				"rate limit exceeded for %s, retry after %s", info.FullMethod, dec.RetryAfter)
		}
		return handler(ctx, req)
	}
}
