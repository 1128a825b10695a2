package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors/constants"
)

func TestContextWithPropagatedIDs(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithIdempotencyKey(ctx, "tx-1")

	out := ContextWithPropagatedIDs(ctx)
	md, ok := metadata.FromOutgoingContext(out)
	require.True(t, ok)
	assert.Equal(t, []string{"req-1"}, md.Get(constants.HeaderXRequestId))
	assert.Equal(t, []string{"corr-1"}, md.Get(constants.HeaderXCorrelationId))
	assert.Equal(t, []string{"tx-1"}, md.Get(constants.HeaderXIdempotencyKey))
	assert.Empty(t, md.Get(constants.HeaderXUserId))

	again := ContextWithPropagatedIDs(out)
	md, _ = metadata.FromOutgoingContext(again)
	assert.Len(t, md.Get(constants.HeaderXRequestId), 1)
}

func TestContextWithPropagatedIDs_NothingToPropagate(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithPropagatedIDs(ctx))
}

func TestGetters_PreferContextValues(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(constants.HeaderXUserId, "user-md"))
	ctx = WithRequestID(ctx, "req-4")
	ctx = WithCorrelationID(ctx, "corr-4")
	ctx = WithIdempotencyKey(ctx, "key-4")

	assert.Equal(t, "req-4", RequestID(ctx))
	assert.Equal(t, "corr-4", CorrelationID(ctx))
	assert.Equal(t, "key-4", IdempotencyKey(ctx))
	assert.Equal(t, "user-md", UserID(ctx))
	assert.Equal(t, "user-4", UserID(WithUserID(ctx, "user-4")))
}

func TestGetMetadataValue_FromIncoming(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(constants.HeaderXCorrelationId, "corr-9"))
	assert.Equal(t, "corr-9", CorrelationID(ctx))
	assert.Equal(t, "", RequestID(ctx))
}

func TestUnaryServerInterceptor_MovesMetadataIntoContext(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		constants.HeaderXRequestId, "req-2",
		constants.HeaderXIdempotencyKey, "tx-2",
	))

	var seen context.Context
	_, err := UnaryServerInterceptor(nil)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"},
		func(ctx context.Context, _ interface{}) (interface{}, error) {
			seen = ctx
			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "req-2", seen.Value(constants.ContextKeyRequestID))
	assert.Equal(t, "tx-2", IdempotencyKey(seen))
}

func TestUnaryClientInterceptor(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-3")

	var sent metadata.MD
	err := UnaryClientInterceptor()(ctx, "/svc/Method", nil, nil, nil,
		func(ctx context.Context, _ string, _, _ interface{}, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			sent, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"corr-3"}, sent.Get(constants.HeaderXCorrelationId))
}
