package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors/constants"
)

// AttachRequestIDs stores the request, correlation, idempotency and user ids
// in the request context. The correlation id comes from X-Correlation-Id and
// falls back to the request id; it is echoed on the response.
// It must run after middleware.RequestID.
func AttachRequestIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		correlationID := r.Header.Get(constants.HeaderXCorrelationId)
		if correlationID == "" {
			correlationID = requestID
		}

		ctx := interceptors.WithRequestID(r.Context(), requestID)
		ctx = interceptors.WithCorrelationID(ctx, correlationID)
		if key := r.Header.Get(constants.HeaderXIdempotencyKey); key != "" {
			ctx = interceptors.WithIdempotencyKey(ctx, key)
		}
		if userID := r.Header.Get(constants.HeaderXUserId); userID != "" {
			ctx = interceptors.WithUserID(ctx, userID)
		}

		w.Header().Set(constants.HeaderXCorrelationId, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
