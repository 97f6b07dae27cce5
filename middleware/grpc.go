package middleware

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/toolink/admission/limiter"
)

// UnaryServerInterceptor checks every unary call against a. Denied calls
// fail with ResourceExhausted and a retry-after trailer.
func UnaryServerInterceptor(a Admitter, opts ...Option) grpc.UnaryServerInterceptor {
	o := newOptions(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := IdentityFromIncoming(ctx)
		endpoint := o.classifyMethod(info.FullMethod)

		res, err := a.Check(ctx, id, endpoint)
		if err != nil {
			l := log.With().Err(err).Str("method", info.FullMethod).Str("identity", id.String()).Str("mode", o.failure.String()).Logger()
			if o.failure == FailOpen {
				l.Warn().Msg("admission check failed, letting call through")
				return handler(ctx, req)
			}
			l.Error().Msg("admission check failed, rejecting call")
			if errors.Is(err, limiter.ErrStoreUnavailable) {
				return nil, status.Error(codes.Unavailable, "admission unavailable")
			}
			return nil, status.Error(codes.Internal, "admission check failed")
		}

		md := metadata.Pairs(
			"x-ratelimit-limit", strconv.Itoa(res.Limit),
			"x-ratelimit-remaining", strconv.Itoa(res.TokensRemaining),
		)
		if !res.Allowed {
			md.Set("retry-after", strconv.Itoa(res.RetryAfterSeconds))
			// fails only when ctx carries no server stream, e.g. direct calls in tests
			_ = grpc.SetTrailer(ctx, md)
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %d seconds", res.RetryAfterSeconds)
		}
		if err := grpc.SetHeader(ctx, md); err != nil {
			// no server stream in ctx, e.g. direct calls in tests
			log.Debug().Err(err).Msg("failed to set rate limit headers")
		}
		return handler(WithResult(ctx, res), req)
	}
}
