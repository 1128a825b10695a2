// Package constants holds the header names shared by the HTTP gateway and
// the gRPC interceptors.
package constants

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

// Header names. gRPC metadata keys are the lower-case form.
const (
	HeaderXRequestId      = "x-request-id"
	HeaderXCorrelationId  = "x-correlation-id"
	HeaderXIdempotencyKey = "x-idempotency-key"
	HeaderXUserId         = "x-user-id"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = HeaderXRequestId
	// ContextKeyCorrelationID is the context key for the correlation ID.
	ContextKeyCorrelationID contextKey = HeaderXCorrelationId
	// ContextKeyIdempotencyKey is the context key for the idempotency key.
	ContextKeyIdempotencyKey contextKey = HeaderXIdempotencyKey
	// ContextKeyUserID is the context key for the calling user.
	ContextKeyUserID contextKey = HeaderXUserId
)
