package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/payment-orchestrator/internal/httpx/middlewares"
)

// NewRouter mounts the API. metrics, when not nil, is served on /metrics.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestIDs)
	r.Use(middlewares.Trace)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/payment-sessions", func(r chi.Router) {
		r.Post("/", handler.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetSession)
			r.Delete("/", handler.DeleteSession)
			r.Get("/status", handler.GetStatus)
			r.Get("/payment-data", handler.GetPaymentData)
			r.Post("/authorize", handler.AuthorizeSession)
			r.Post("/capture", handler.CaptureSession)
			r.Post("/refund", handler.RefundSession)
			r.Post("/cancel", handler.CancelSession)
			r.Post("/reconcile", handler.ReconcileSession)
		})
	})

	r.Route("/transactions/{id}", func(r chi.Router) {
		r.Get("/", handler.GetTransaction)
		r.Get("/logs", handler.GetTransactionLogs)
	})
	return r
}
