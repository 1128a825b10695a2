package banktransfer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/payment"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
)

// ErrMissingTransfer is returned when the session data has no transfer id.
var ErrMissingTransfer = errors.New("banktransfer: session has no transfer")

var _ payment.Provider = (*Provider)(nil)

// Provider implements payment.Provider over a gRPC connection.
type Provider struct {
	conn grpc.ClientConnInterface
}

// NewProvider returns a provider calling the service on conn.
func NewProvider(conn grpc.ClientConnInterface) *Provider {
	return &Provider{conn: conn}
}

// Dial connects to the bank-transfer service at addr with tracing and id
// propagation installed. The caller closes the returned connection.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("banktransfer: dial %s: %w", addr, err)
	}
	return conn, nil
}

func (p *Provider) ID() payment.ProviderID { return payment.ProviderBankTransfer }

func (p *Provider) CreatePaymentSession(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.invoke(ctx, MethodCreateTransfer, request(data, ""))
}

// AuthorizePaymentSession maps the transfer status: a rejected transfer is a
// session in ERROR, not a failed call.
func (p *Provider) AuthorizePaymentSession(ctx context.Context, data payment.SessionData) (payment.AuthorizeResult, error) {
	req, err := transferRequest(data)
	if err != nil {
		return payment.AuthorizeResult{}, err
	}
	t, err := p.invoke(ctx, MethodAuthorizeTransfer, req)
	if err != nil {
		return payment.AuthorizeResult{}, err
	}
	return payment.AuthorizeResult{Status: Status(t), Data: t}, nil
}

func (p *Provider) CapturePayment(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.call(ctx, MethodCaptureTransfer, data)
}

func (p *Provider) RefundPayment(ctx context.Context, data payment.SessionData, amount int64) (*structpb.Struct, error) {
	req, err := transferRequest(data)
	if err != nil {
		return nil, err
	}
	req.Fields[fieldRefundAmount] = structpb.NewNumberValue(float64(amount))
	return p.invoke(ctx, MethodRefundTransfer, req)
}

func (p *Provider) CancelPayment(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.call(ctx, MethodCancelTransfer, data)
}

// DeletePaymentSession is a no-op for sessions that never got a transfer.
func (p *Provider) DeletePaymentSession(ctx context.Context, data payment.SessionData) error {
	req, err := transferRequest(data)
	if err != nil {
		return nil
	}
	_, err = p.invoke(ctx, MethodDeleteTransfer, req)
	return err
}

func (p *Provider) GetPaymentData(ctx context.Context, data payment.SessionData) (*structpb.Struct, error) {
	return p.call(ctx, MethodGetTransfer, data)
}

func (p *Provider) call(ctx context.Context, method string, data payment.SessionData) (*structpb.Struct, error) {
	req, err := transferRequest(data)
	if err != nil {
		return nil, err
	}
	return p.invoke(ctx, method, req)
}

func (p *Provider) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := p.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, fmt.Errorf("banktransfer: %s: %w", method, err)
	}
	return out, nil
}

// Status maps a transfer to a session status.
func Status(t *structpb.Struct) payment.SessionStatus {
	switch stringField(t, fieldStatus) {
	case TransferAuthorized:
		return payment.StatusAuthorized
	case TransferSettled:
		return payment.StatusCompleted
	case TransferCanceled:
		return payment.StatusCanceled
	case TransferRejected:
		return payment.StatusError
	default:
		return payment.StatusPending
	}
}

func request(data payment.SessionData, transferID string) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldSessionID:    structpb.NewStringValue(data.SessionID),
		fieldResourceID:   structpb.NewStringValue(data.ResourceID),
		fieldAmount:       structpb.NewNumberValue(float64(data.Amount)),
		fieldCurrencyCode: structpb.NewStringValue(data.CurrencyCode),
	}
	if transferID != "" {
		fields[fieldTransferID] = structpb.NewStringValue(transferID)
	}
	if data.Context != nil {
		fields[fieldContext] = structpb.NewStructValue(data.Context)
	}
	return &structpb.Struct{Fields: fields}
}

func transferRequest(data payment.SessionData) (*structpb.Struct, error) {
	id := stringField(data.Data, fieldID)
	if id == "" {
		return nil, fmt.Errorf("%w: session %s", ErrMissingTransfer, data.SessionID)
	}
	return request(data, id), nil
}
