package api

import (
	"context"
	"runtime/debug"
	"strings"

	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// methodName extracts the method from a full path, e.g.
// "/mailroom.v1.Mailbox/Notify" -> "Notify"
func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// isReadOnlyMethod reports whether a method leaves the directory unchanged
func isReadOnlyMethod(fullMethod string) bool {
	name := methodName(fullMethod)
	return strings.HasPrefix(name, "Get") || strings.HasPrefix(name, "List")
}

// MetricsInterceptor counts requests by method and status code and
// observes their duration
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// LoggingInterceptor logs failed calls and, at debug level, every call.
// Read-only calls are not logged when they succeed.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		switch {
		case code == codes.Internal || code == codes.Unknown:
			logger.Error().Err(err).Str("method", info.FullMethod).Dur("duration", timer.Duration()).Msg("Request failed")
		case err != nil:
			logger.Debug().Err(err).Str("method", info.FullMethod).Str("code", code.String()).Msg("Request rejected")
		case !isReadOnlyMethod(info.FullMethod):
			logger.Debug().Str("method", info.FullMethod).Dur("duration", timer.Duration()).Msg("Request served")
		}
		return resp, err
	}
}

// RecoveryInterceptor turns a panicking handler into an Internal error
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Interface("panic", r).
					Str("method", info.FullMethod).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				err = status.Errorf(codes.Internal, "internal error in %s", methodName(info.FullMethod))
			}
		}()
		return handler(ctx, req)
	}
}
