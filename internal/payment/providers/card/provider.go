package card

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/payment"
)

// ErrMissingIntent is returned when the session data has no intent id.
var ErrMissingIntent = errors.New("card: session has no payment intent")

// Intent statuses reported by the issuer.
const (
	intentRequiresPaymentMethod = "requires_payment_method"
	intentRequiresConfirmation  = "requires_confirmation"
	intentRequiresAction        = "requires_action"
	intentProcessing            = "processing"
	intentRequiresCapture       = "requires_capture"
	intentSucceeded             = "succeeded"
	intentCanceled              = "canceled"
)

var _ payment.Provider = (*Provider)(nil)

// Provider implements payment.Provider against the issuer API.
type Provider struct {
	api *client
}

// New returns a card provider talking to cfg.BaseURL.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("card: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("card: base URL: %w", err)
	}
	return &Provider{api: newClient(cfg)}, nil
}

func (p *Provider) ID() payment.ProviderID { return payment.ProviderCard }

func (p *Provider) CreatePaymentSession(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	body := map[string]any{
		"amount":   data.Amount,
		"currency": data.CurrencyCode,
		"metadata": map[string]any{
			"session_id":  data.SessionID,
			"resource_id": data.ResourceID,
		},
		"capture_method": "manual",
	}
	if customer := contextString(data, "customer"); customer != "" {
		body["customer"] = customer
	}
	return p.intent(ctx, http.MethodPost, "/v1/payment_intents", body)
}

// AuthorizePaymentSession confirms the intent and maps its status.
// A payment method in the call context ("payment_method") is passed on.
func (p *Provider) AuthorizePaymentSession(ctx context.Context, data payment.SessionData) (payment.AuthorizeResult, error) {
	id, err := intentID(data)
	if err != nil {
		return payment.AuthorizeResult{}, err
	}

	body := map[string]any{}
	if pm := contextString(data, "payment_method"); pm != "" {
		body["payment_method"] = pm
	}
	intent, err := p.intent(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/confirm", body)
	if err != nil {
		return payment.AuthorizeResult{}, err
	}
	return payment.AuthorizeResult{Status: Status(intent), Data: intent}, nil
}

func (p *Provider) CapturePayment(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	id, err := intentID(data)
	if err != nil {
		return nil, err
	}
	return p.intent(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/capture", nil)
}

// RefundPayment creates a refund and returns the intent as it is afterwards.
func (p *Provider) RefundPayment(ctx context.Context, data payment.SessionData, amount int64) (*structpb.Struct, error) {
	id, err := intentID(data)
	if err != nil {
		return nil, err
	}
	if err := p.api.do(ctx, http.MethodPost, "/v1/refunds", map[string]any{
		"payment_intent": id,
		"amount":         amount,
	}, nil); err != nil {
		return nil, err
	}
	return p.intent(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil)
}

func (p *Provider) CancelPayment(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	id, err := intentID(data)
	if err != nil {
		return nil, err
	}
	intent, err := p.intent(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/cancel", nil)
	if err == nil {
		return intent, nil
	}
	// Canceling twice is not an error for callers.
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "payment_intent_unexpected_state" {
		if current, getErr := p.intent(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil); getErr == nil && Status(current) == payment.StatusCanceled {
			return current, nil
		}
	}
	return nil, err
}

// DeletePaymentSession cancels the intent. Sessions the issuer no longer
// knows are treated as deleted.
func (p *Provider) DeletePaymentSession(ctx context.Context, data payment.SessionData) error {
	if _, err := intentID(data); err != nil {
		return nil
	}
	_, err := p.CancelPayment(ctx, data)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *Provider) GetPaymentData(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	id, err := intentID(data)
	if err != nil {
		return nil, err
	}
	return p.intent(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil)
}

func (p *Provider) intent(ctx context.Context, method, path string, body any) (*structpb.Struct, error) {
	var out map[string]any
	if err := p.api.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(out)
	if err != nil {
		return nil, fmt.Errorf("card: intent payload: %w", err)
	}
	return s, nil
}

// Status maps an issuer intent to a session status.
func Status(intent *structpb.Struct) payment.SessionStatus {
	switch intent.GetFields()["status"].GetStringValue() {
	case intentRequiresPaymentMethod:
		if intent.GetFields()["last_payment_error"].GetStructValue() != nil {
			return payment.StatusError
		}
		return payment.StatusPending
	case intentRequiresConfirmation, intentProcessing:
		return payment.StatusPending
	case intentRequiresAction:
		return payment.StatusRequiresMore
	case intentRequiresCapture:
		return payment.StatusAuthorized
	case intentSucceeded:
		return payment.StatusCompleted
	case intentCanceled:
		return payment.StatusCanceled
	default:
		return payment.StatusPending
	}
}

func intentID(data payment.SessionData) (string, error) {
	id := data.Data.GetFields()["id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("%w: session %s", ErrMissingIntent, data.SessionID)
	}
	return id, nil
}

func contextString(data payment.SessionData, key string) string {
	return data.Context.GetFields()[key].GetStringValue()
}
