// Package interceptors carries request, correlation, idempotency and user ids
// across process boundaries: in the context inside a process, as gRPC
// metadata between processes.
package interceptors

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors/constants"
)

// propagated lists the ids copied between context values and gRPC metadata.
var propagated = []struct {
	header string
	key    any
}{
	{constants.HeaderXRequestId, constants.ContextKeyRequestID},
	{constants.HeaderXCorrelationId, constants.ContextKeyCorrelationID},
	{constants.HeaderXIdempotencyKey, constants.ContextKeyIdempotencyKey},
	{constants.HeaderXUserId, constants.ContextKeyUserID},
}

// WithRequestID stores the request id of the inbound call.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

// WithCorrelationID stores the id shared by every call made for one business
// operation.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyCorrelationID, id)
}

// WithIdempotencyKey stores the key providers use to deduplicate retries.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
}

// WithUserID stores the id of the user the call is made for.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyUserID, id)
}

// RequestID returns the request id from ctx or its gRPC metadata.
func RequestID(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.HeaderXRequestId)
}

// CorrelationID returns the correlation id from ctx or its gRPC metadata.
func CorrelationID(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.HeaderXCorrelationId)
}

// IdempotencyKey returns the idempotency key from ctx or its gRPC metadata.
func IdempotencyKey(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
}

// UserID returns the user id from ctx or its gRPC metadata.
func UserID(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.HeaderXUserId)
}

// GetMetadataValue looks header up in the context values first, then in
// incoming and outgoing gRPC metadata. It returns "" when absent.
func GetMetadataValue(ctx context.Context, header string) string {
	for _, p := range propagated {
		if p.header != header {
			continue
		}
		if v, ok := ctx.Value(p.key).(string); ok && v != "" {
			return v
		}
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(header); len(ids) > 0 {
			return ids[0]
		}
	}

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(header); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// ContextWithPropagatedIDs copies every known id found in ctx into the
// outgoing gRPC metadata.
func ContextWithPropagatedIDs(ctx context.Context) context.Context {
	out, _ := metadata.FromOutgoingContext(ctx)
	kv := make([]string, 0, 2*len(propagated))
	for _, p := range propagated {
		if len(out.Get(p.header)) > 0 {
			continue
		}
		if v := GetMetadataValue(ctx, p.header); v != "" {
			kv = append(kv, p.header, v)
		}
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
