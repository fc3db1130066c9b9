package transport

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

// ObservabilityInterceptor creates a gRPC unary interceptor that counts and logs
// every inbound call and turns handler panics into Internal errors.
func ObservabilityInterceptor(logger *pkg.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		method := path.Base(info.FullMethod)
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("method", method).
					Interface("panic", r).
					Msg("RPC handler panicked")
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}

			code := status.Code(err)
			m.RPCServed(method, code.String())

			ev := logger.Trace()
			switch code {
			case codes.OK, codes.ResourceExhausted, codes.Unavailable:
			default:
				ev = logger.Warn()
			}
			ev.Str("method", method).
				Str("code", code.String()).
				Dur("duration", time.Since(start)).
				Err(err).
				Msg("RPC handled")
		}()

		return handler(ctx, req)
	}
}
