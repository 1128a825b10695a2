package banktransfer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
)

// Transfer statuses.
const (
	TransferPending    = "pending"
	TransferAuthorized = "authorized"
	TransferSettled    = "settled"
	TransferCanceled   = "canceled"
	TransferRejected   = "rejected"
)

// Request and transfer field names.
const (
	fieldSessionID    = "session_id"
	fieldResourceID   = "resource_id"
	fieldTransferID   = "transfer_id"
	fieldAmount       = "amount"
	fieldCurrencyCode = "currency_code"
	fieldRefundAmount = "refund_amount"
	fieldContext      = "context"

	fieldID             = "id"
	fieldStatus         = "status"
	fieldReference      = "reference"
	fieldRefundedAmount = "refunded_amount"
	fieldReason         = "reason"
	fieldUpdatedAt      = "updated_at"
)

var _ Server = (*Bank)(nil)

type transfer struct {
	id           string
	sessionID    string
	resourceID   string
	amount       int64
	currencyCode string
	refunded     int64
	status       string
	reason       string
	updatedAt    time.Time
}

func (t *transfer) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldID:             structpb.NewStringValue(t.id),
		fieldSessionID:      structpb.NewStringValue(t.sessionID),
		fieldResourceID:     structpb.NewStringValue(t.resourceID),
		fieldAmount:         structpb.NewNumberValue(float64(t.amount)),
		fieldCurrencyCode:   structpb.NewStringValue(t.currencyCode),
		fieldRefundedAmount: structpb.NewNumberValue(float64(t.refunded)),
		fieldStatus:         structpb.NewStringValue(t.status),
		fieldReference:      structpb.NewStringValue("BT-" + strings.ToUpper(t.id[:8])),
		fieldUpdatedAt:      structpb.NewStringValue(t.updatedAt.UTC().Format(time.RFC3339)),
	}
	if t.reason != "" {
		fields[fieldReason] = structpb.NewStringValue(t.reason)
	}
	return &structpb.Struct{Fields: fields}
}

// Bank is an in-memory bank-transfer provider. Transfers above DeclineLimit
// are rejected at authorization; everything else is authorized.
type Bank struct {
	mu        sync.Mutex
	transfers map[string]*transfer
	bySession map[string]string

	declineLimit int64
	logger       *slog.Logger
	now          func() time.Time
}

// NewBank returns an empty bank. A zero declineLimit disables declines.
func NewBank(declineLimit int64, logger *slog.Logger) *Bank {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bank{
		transfers:    make(map[string]*transfer),
		bySession:    make(map[string]string),
		declineLimit: declineLimit,
		logger:       logger,
		now:          time.Now,
	}
}

// CreateTransfer opens a transfer for a session. Creating twice for the same
// session returns the existing transfer.
func (b *Bank) CreateTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := stringField(req, fieldSessionID)
	amount := intField(req, fieldAmount)
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if amount <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "amount must be positive, got %d", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.bySession[sessionID]; ok {
		return b.transfers[id].toStruct(), nil
	}

	t := &transfer{
		id:           uuid.NewString(),
		sessionID:    sessionID,
		resourceID:   stringField(req, fieldResourceID),
		amount:       amount,
		currencyCode: stringField(req, fieldCurrencyCode),
		status:       TransferPending,
		updatedAt:    b.now(),
	}
	b.transfers[t.id] = t
	b.bySession[sessionID] = t.id

	b.logger.InfoContext(ctx, "transfer created",
		"transfer_id", t.id,
		"session_id", sessionID,
		"amount", amount,
		"correlation_id", interceptors.CorrelationID(ctx),
	)
	return t.toStruct(), nil
}

func (b *Bank) AuthorizeTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return b.update(ctx, req, func(t *transfer) error {
		switch t.status {
		case TransferAuthorized:
			return nil
		case TransferPending, TransferRejected:
		default:
			return status.Errorf(codes.FailedPrecondition, "transfer %s is %s", t.id, t.status)
		}
		if b.declineLimit > 0 && t.amount > b.declineLimit {
			t.status = TransferRejected
			t.reason = "amount exceeds limit"
			b.logger.WarnContext(ctx, "transfer declined", "transfer_id", t.id, "amount", t.amount, "limit", b.declineLimit)
			return nil
		}
		t.status = TransferAuthorized
		t.reason = ""
		return nil
	})
}

func (b *Bank) CaptureTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return b.update(ctx, req, func(t *transfer) error {
		if t.status != TransferAuthorized {
			return status.Errorf(codes.FailedPrecondition, "transfer %s is %s", t.id, t.status)
		}
		t.status = TransferSettled
		return nil
	})
}

func (b *Bank) RefundTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount := intField(req, fieldRefundAmount)
	return b.update(ctx, req, func(t *transfer) error {
		if t.status != TransferSettled {
			return status.Errorf(codes.FailedPrecondition, "transfer %s is %s", t.id, t.status)
		}
		if amount <= 0 || amount > t.amount-t.refunded {
			return status.Errorf(codes.InvalidArgument, "refund of %d exceeds refundable %d", amount, t.amount-t.refunded)
		}
		t.refunded += amount
		b.logger.InfoContext(ctx, "transfer refunded", "transfer_id", t.id, "amount", amount)
		return nil
	})
}

func (b *Bank) CancelTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return b.update(ctx, req, func(t *transfer) error {
		switch t.status {
		case TransferCanceled:
			return nil
		case TransferSettled:
			return status.Errorf(codes.FailedPrecondition, "transfer %s is already settled", t.id)
		}
		t.status = TransferCanceled
		return nil
	})
}

// DeleteTransfer forgets a transfer. Unknown transfers are not an error.
func (b *Bank) DeleteTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, fieldTransferID)

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[id]
	if !ok {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	if t.status == TransferSettled {
		return nil, status.Errorf(codes.FailedPrecondition, "transfer %s is settled", id)
	}
	delete(b.transfers, id)
	delete(b.bySession, t.sessionID)
	b.logger.InfoContext(ctx, "transfer deleted", "transfer_id", id)
	return t.toStruct(), nil
}

func (b *Bank) GetTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return b.update(ctx, req, func(*transfer) error { return nil })
}

// update applies fn to the transfer named by the request under the lock.
func (b *Bank) update(_ context.Context, req *structpb.Struct, fn func(*transfer) error) (*structpb.Struct, error) {
	id := stringField(req, fieldTransferID)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "transfer_id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "transfer %s not found", id)
	}
	before := t.status
	if err := fn(t); err != nil {
		return nil, err
	}
	if t.status != before {
		t.updatedAt = b.now()
	}
	return t.toStruct(), nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func intField(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}
