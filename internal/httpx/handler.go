package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
	"github.com/jcmexdev/payment-orchestrator/internal/payment"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
)

// Payments is the payment session API served over HTTP.
type Payments interface {
	CreateSession(ctx context.Context, caller payment.Caller, in payment.CreateSessionInput) (*payment.Result, error)
	AuthorizeSession(ctx context.Context, caller payment.Caller, sessionID string, callCtx *structpb.Struct) (*payment.Result, error)
	CaptureSession(ctx context.Context, caller payment.Caller, sessionID string) (*payment.Result, error)
	RefundSession(ctx context.Context, caller payment.Caller, sessionID string, amount int64) (*payment.Result, error)
	CancelSession(ctx context.Context, caller payment.Caller, sessionID string) (*payment.Result, error)
	DeleteSession(ctx context.Context, caller payment.Caller, sessionID string) (string, error)
	GetPaymentData(ctx context.Context, caller payment.Caller, sessionID string) (*payment.Result, error)
	ReconcileSession(ctx context.Context, caller payment.Caller, sessionID string) (*payment.Result, error)
	GetSession(ctx context.Context, sessionID string) (*payment.Session, error)
	Status(ctx context.Context, sessionID string) (payment.SessionStatus, error)
}

// Transactions is the read side of the transaction log.
type Transactions interface {
	Transaction(ctx context.Context, transactionID string) (*txlog.Record, error)
	Logs(ctx context.Context, transactionID string) ([]*txlog.Entry, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler serves payment sessions and the transaction audit trail.
type Handler struct {
	payments     Payments
	transactions Transactions
	checks       map[string]HealthCheck
	logger       *slog.Logger
}

// NewHandler returns a handler. checks are run by /healthz. A nil logger
// means slog.Default().
func NewHandler(payments Payments, transactions Transactions, checks map[string]HealthCheck, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		payments:     payments,
		transactions: transactions,
		checks:       checks,
		logger:       logger,
	}
}

// CreateSession opens a payment session at the requested provider.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	providerID, err := payment.ParseProviderID(req.ProviderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", err.Error())
		return
	}
	if req.Amount <= 0 || req.CurrencyCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount must be positive and currency_code is required")
		return
	}
	callCtx, err := toStruct(req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_context", err.Error())
		return
	}

	res, err := h.payments.CreateSession(r.Context(), caller(r), payment.CreateSessionInput{
		ProviderID:   providerID,
		ResourceID:   req.ResourceID,
		Amount:       req.Amount,
		CurrencyCode: req.CurrencyCode,
		Context:      callCtx,
	})
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapResult(res))
}

// GetSession returns the stored session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.payments.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSession(session))
}

// GetStatus returns the session status, served from the cache when warm.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.payments.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{SessionID: id, Status: string(st)})
}

func (h *Handler) AuthorizeSession(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	callCtx, err := toStruct(req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_context", err.Error())
		return
	}

	res, err := h.payments.AuthorizeSession(r.Context(), caller(r), chi.URLParam(r, "id"), callCtx)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResult(res))
}

func (h *Handler) CaptureSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.CaptureSession(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResult(res))
}

func (h *Handler) RefundSession(w http.ResponseWriter, r *http.Request) {
	var req RefundSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	res, err := h.payments.RefundSession(r.Context(), caller(r), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResult(res))
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.CancelSession(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResult(res))
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	txID, err := h.payments.DeleteSession(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{TransactionID: txID})
}

// ReconcileSession stores a provider effect that an earlier operation could
// not persist.
func (h *Handler) ReconcileSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.ReconcileSession(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResult(res))
}

func (h *Handler) GetPaymentData(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.GetPaymentData(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResult(res))
}

// GetTransaction returns the persisted transaction record.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.transactions.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapTransaction(rec))
}

// GetTransactionLogs returns the audit trail of a transaction in order.
func (h *Handler) GetTransactionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.transactions.Logs(r.Context(), id)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "transaction_not_found", "no log entries for transaction "+id)
		return
	}
	writeJSON(w, http.StatusOK, mapEntries(entries))
}

// Healthz runs every registered check.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func caller(r *http.Request) payment.Caller {
	return payment.Caller{
		CorrelationID: interceptors.CorrelationID(r.Context()),
		UserID:        interceptors.UserID(r.Context()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}

// writeServiceError maps domain errors to HTTP statuses. Failed transactions
// carry their id so the caller can fetch the audit trail.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	resp := ErrorResponse{Message: err.Error()}
	var opErr *payment.OperationError
	if errors.As(err, &opErr) {
		resp.TransactionID = opErr.TransactionID
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		status, resp.Error = http.StatusNotFound, "session_not_found"
	case errors.Is(err, txlog.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, payment.ErrUnknownProvider):
		status, resp.Error = http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, payment.ErrInvalidAmount):
		status, resp.Error = http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, payment.ErrReconciliationRequired):
		status, resp.Error = http.StatusConflict, "reconciliation_required"
	case errors.Is(err, payment.ErrInvalidTransition):
		status, resp.Error = http.StatusConflict, "invalid_transition"
	case opErr != nil:
		status, resp.Error = http.StatusBadGateway, "provider_error"
	default:
		resp.Error = "internal_error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "error", err, "transaction_id", resp.TransactionID)
	}
	writeJSON(w, status, resp)
}
