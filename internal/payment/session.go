package payment

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// SessionStatus is the state of a payment session as reported by its provider.
type SessionStatus string

const (
	StatusPending      SessionStatus = "PENDING"
	StatusRequiresMore SessionStatus = "REQUIRES_MORE"
	StatusAuthorized   SessionStatus = "AUTHORIZED"
	StatusCompleted    SessionStatus = "COMPLETED"
	StatusCanceled     SessionStatus = "CANCELED"
	StatusError        SessionStatus = "ERROR"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRequiresMore, StatusAuthorized, StatusCompleted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Session is one payment attempt against one provider.
type Session struct {
	ID         string
	ProviderID ProviderID

	// ResourceID is what the session pays for: a cart, order or invoice.
	ResourceID string

	// Amount is in the currency's minor unit.
	Amount         int64
	CurrencyCode   string
	RefundedAmount int64

	Status SessionStatus

	// Data is owned by the provider and opaque to this service.
	Data *structpb.Struct

	// ReconcileTransactionID names the transaction whose provider effect
	// could not be stored. While set, only reads and ReconcileSession are
	// allowed on the session.
	ReconcileTransactionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Refundable returns the amount that can still be refunded.
func (s *Session) Refundable() int64 {
	return s.Amount - s.RefundedAmount
}

// SessionData is what providers receive on every call.
type SessionData struct {
	SessionID    string
	ResourceID   string
	Amount       int64
	CurrencyCode string

	// Data is the provider payload stored on the session.
	Data *structpb.Struct

	// Context carries caller-supplied details such as the customer or the
	// tokenised card, passed through untouched.
	Context *structpb.Struct
}

// AuthorizeResult is what a provider returns from an authorization.
type AuthorizeResult struct {
	Status SessionStatus
	Data   *structpb.Struct
}

func sessionData(s *Session, callCtx *structpb.Struct) SessionData {
	return SessionData{
		SessionID:    s.ID,
		ResourceID:   s.ResourceID,
		Amount:       s.Amount,
		CurrencyCode: s.CurrencyCode,
		Data:         s.Data,
		Context:      callCtx,
	}
}
