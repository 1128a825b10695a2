// Package system is the in-process payment provider. It settles nothing:
// every operation succeeds and echoes the session amounts. It backs manual
// payments recorded outside any processor, and local development.
package system

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/payment"
)

var _ payment.Provider = (*Provider)(nil)

// Provider implements payment.Provider in-process.
type Provider struct {
	now func() time.Time
}

// New returns the system provider.
func New() *Provider {
	return &Provider{now: time.Now}
}

func (p *Provider) ID() payment.ProviderID { return payment.ProviderSystem }

func (p *Provider) CreatePaymentSession(_ context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.payload(data, "created", nil)
}

func (p *Provider) AuthorizePaymentSession(_ context.Context, data payment.SessionData) (payment.AuthorizeResult, error) {
	s, err := p.payload(data, "authorized", nil)
	if err != nil {
		return payment.AuthorizeResult{}, err
	}
	return payment.AuthorizeResult{Status: payment.StatusAuthorized, Data: s}, nil
}

func (p *Provider) CapturePayment(_ context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.payload(data, "captured", nil)
}

func (p *Provider) RefundPayment(_ context.Context, data payment.SessionData, amount int64) (*structpb.Struct, error) {
	return p.payload(data, "refunded", map[string]any{"refundedAmount": amount})
}

func (p *Provider) CancelPayment(_ context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.payload(data, "canceled", nil)
}

func (p *Provider) DeletePaymentSession(context.Context, payment.SessionData) error {
	return nil
}

func (p *Provider) GetPaymentData(_ context.Context, data payment.SessionData) (*structpb.Struct, error) {
	if data.Data != nil {
		return data.Data, nil
	}
	return p.payload(data, "created", nil)
}

// payload builds the stored provider data: the previous payload with the
// last action, amount and timestamp overwritten.
func (p *Provider) payload(data payment.SessionData, action string, extra map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{}
	if data.Data != nil {
		fields = data.Data.AsMap()
	}
	fields["action"] = action
	fields["amount"] = data.Amount
	fields["currencyCode"] = data.CurrencyCode
	fields[action+"At"] = p.now().UTC().Format(time.RFC3339)
	for k, v := range extra {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}
