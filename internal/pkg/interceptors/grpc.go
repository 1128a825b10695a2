package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor propagates the ids in the caller's context as
// outgoing metadata.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(ContextWithPropagatedIDs(ctx), method, req, reply, cc, opts...)
	}
}

// UnaryServerInterceptor moves the ids of the incoming metadata into context
// values, so handlers and their outgoing calls see them, and logs each call.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			for _, p := range propagated {
				if ids := md.Get(p.header); len(ids) > 0 {
					ctx = context.WithValue(ctx, p.key, ids[0])
				}
			}
		}

		start := time.Now()
		resp, err := handler(ctx, req)

		attrs := []any{
			"method", info.FullMethod,
			"request_id", RequestID(ctx),
			"correlation_id", CorrelationID(ctx),
			"idempotency_key", IdempotencyKey(ctx),
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		}
		if err != nil {
			logger.WarnContext(ctx, "grpc call failed", append(attrs, "error", err)...)
		} else {
			logger.InfoContext(ctx, "grpc call", attrs...)
		}
		return resp, err
	}
}
