package httpx

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
	"github.com/jcmexdev/payment-orchestrator/internal/payment"
)

type CreateSessionRequest struct {
	ProviderID   string         `json:"provider_id"`
	ResourceID   string         `json:"resource_id"`
	Amount       int64          `json:"amount"`
	CurrencyCode string         `json:"currency_code"`
	Context      map[string]any `json:"context,omitempty"`
}

type AuthorizeSessionRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

type RefundSessionRequest struct {
	Amount int64 `json:"amount"`
}

type SessionResponse struct {
	ID             string         `json:"id"`
	ProviderID     string         `json:"provider_id"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Amount         int64          `json:"amount"`
	CurrencyCode   string         `json:"currency_code"`
	RefundedAmount int64          `json:"refunded_amount"`
	Status         string         `json:"status"`
	Data           map[string]any `json:"data,omitempty"`
	// ReconcileTransactionID is set while the session waits for reconciliation.
	ReconcileTransactionID string `json:"reconcile_transaction_id,omitempty"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at"`
}

type OperationResponse struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	Session       *SessionResponse `json:"session,omitempty"`
	PaymentData   map[string]any   `json:"payment_data,omitempty"`
}

type StatusResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type TransactionResponse struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	UserID        string         `json:"user_id,omitempty"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Steps         []string       `json:"steps"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

type LogEntryResponse struct {
	Seq       int64                `json:"seq"`
	Event     string               `json:"event"`
	Status    string               `json:"status"`
	Data      map[string]any       `json:"data,omitempty"`
	Error     *ErrorDetailResponse `json:"error,omitempty"`
	TraceID   string               `json:"trace_id,omitempty"`
	SpanID    string               `json:"span_id,omitempty"`
	CreatedAt string               `json:"created_at"`
}

type ErrorDetailResponse struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func mapSession(s *payment.Session) *SessionResponse {
	return &SessionResponse{
		ID:                     s.ID,
		ProviderID:             string(s.ProviderID),
		ResourceID:             s.ResourceID,
		Amount:                 s.Amount,
		CurrencyCode:           s.CurrencyCode,
		RefundedAmount:         s.RefundedAmount,
		Status:                 string(s.Status),
		Data:                   asMap(s.Data),
		ReconcileTransactionID: s.ReconcileTransactionID,
		CreatedAt:              formatTime(s.CreatedAt),
		UpdatedAt:              formatTime(s.UpdatedAt),
	}
}

func mapResult(res *payment.Result) OperationResponse {
	out := OperationResponse{
		TransactionID: res.TransactionID,
		PaymentData:   asMap(res.PaymentData),
	}
	if res.Session != nil {
		out.Session = mapSession(res.Session)
	}
	return out
}

func mapTransaction(rec *txlog.Record) TransactionResponse {
	return TransactionResponse{
		ID:            rec.TransactionID,
		CorrelationID: rec.CorrelationID,
		UserID:        rec.UserID,
		Status:        string(rec.Status),
		Metadata:      asMap(rec.Metadata),
		Steps:         rec.Steps,
		ErrorMessage:  rec.ErrorMessage,
		CreatedAt:     formatTime(rec.CreatedAt),
		UpdatedAt:     formatTime(rec.UpdatedAt),
	}
}

func mapEntries(entries []*txlog.Entry) []LogEntryResponse {
	out := make([]LogEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = LogEntryResponse{
			Seq:       e.Seq,
			Event:     string(e.Event),
			Status:    string(e.Status),
			Data:      asMap(e.Data),
			TraceID:   e.TraceID,
			SpanID:    e.SpanID,
			CreatedAt: formatTime(e.CreatedAt),
		}
		if e.Error != nil {
			out[i].Error = &ErrorDetailResponse{Message: e.Error.Message, Stack: e.Error.Stack}
		}
	}
	return out
}

func asMap(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	return s.AsMap()
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		return nil, nil
	}
	return structpb.NewStruct(m)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
