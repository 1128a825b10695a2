package payment_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator"
	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
	txmemory "github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog/memory"
	"github.com/jcmexdev/payment-orchestrator/internal/payment"
	"github.com/jcmexdev/payment-orchestrator/internal/payment/sessionstore/memory"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
)

// fakeProvider records calls and fails the operations listed in fail.
type fakeProvider struct {
	mu     sync.Mutex
	calls  []string
	keys   map[string][]string
	fail   map[string]error
	status payment.SessionStatus

	// correlation id seen by the last call.
	correlationID string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		keys:   map[string][]string{},
		fail:   map[string]error{},
		status: payment.StatusAuthorized,
	}
}

func (p *fakeProvider) record(ctx context.Context, op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	p.keys[op] = append(p.keys[op], interceptors.IdempotencyKey(ctx))
	p.correlationID = interceptors.CorrelationID(ctx)
	return p.fail[op]
}

func (p *fakeProvider) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) keysFor(op string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys[op]...)
}

func (p *fakeProvider) count(op string) int {
	return len(p.keysFor(op))
}

func payload(op string) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]any{"last": op})
	return s
}

func (p *fakeProvider) ID() payment.ProviderID { return payment.ProviderSystem }

func (p *fakeProvider) CreatePaymentSession(ctx context.Context, _ payment.SessionData) (*structpb.Struct, error) {
	if err := p.record(ctx, "create"); err != nil {
		return nil, err
	}
	return payload("create"), nil
}

func (p *fakeProvider) AuthorizePaymentSession(ctx context.Context, _ payment.SessionData) (payment.AuthorizeResult, error) {
	if err := p.record(ctx, "authorize"); err != nil {
		return payment.AuthorizeResult{}, err
	}
	return payment.AuthorizeResult{Status: p.status, Data: payload("authorize")}, nil
}

func (p *fakeProvider) CapturePayment(ctx context.Context, _ payment.SessionData) (*structpb.Struct, error) {
	if err := p.record(ctx, "capture"); err != nil {
		return nil, err
	}
	return payload("capture"), nil
}

func (p *fakeProvider) RefundPayment(ctx context.Context, _ payment.SessionData, _ int64) (*structpb.Struct, error) {
	if err := p.record(ctx, "refund"); err != nil {
		return nil, err
	}
	return payload("refund"), nil
}

func (p *fakeProvider) CancelPayment(ctx context.Context, _ payment.SessionData) (*structpb.Struct, error) {
	if err := p.record(ctx, "cancel"); err != nil {
		return nil, err
	}
	return payload("cancel"), nil
}

func (p *fakeProvider) DeletePaymentSession(ctx context.Context, _ payment.SessionData) error {
	return p.record(ctx, "delete")
}

func (p *fakeProvider) GetPaymentData(ctx context.Context, _ payment.SessionData) (*structpb.Struct, error) {
	if err := p.record(ctx, "get"); err != nil {
		return nil, err
	}
	return payload("get"), nil
}

// mapCache is a cache.Cache backed by a map.
type mapCache struct {
	mu     sync.Mutex
	values map[string]string
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value.(string)
	return nil
}

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *mapCache) GenerateKey(operation, key string) string {
	return "test:" + operation + ":" + key
}

type harness struct {
	svc      *payment.Service
	provider *fakeProvider
	sessions *memory.Store
	txlog    *txmemory.Repository
	orch     *orchestrator.Orchestrator
	cache    *mapCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider: newFakeProvider(),
		sessions: memory.New(),
		txlog:    txmemory.New(),
		cache:    &mapCache{values: map[string]string{}},
	}
	h.orch = orchestrator.New(h.txlog)
	registry, err := payment.NewRegistry(h.provider)
	require.NoError(t, err)
	h.svc = payment.NewService(h.orch, registry, h.sessions, payment.WithStatusCache(h.cache, time.Minute))
	return h
}

var caller = payment.Caller{CorrelationID: "corr-1", UserID: "user-1"}

func (h *harness) create(t *testing.T) *payment.Session {
	t.Helper()
	res, err := h.svc.CreateSession(context.Background(), caller, payment.CreateSessionInput{
		ProviderID:   payment.ProviderSystem,
		ResourceID:   "cart_1",
		Amount:       1000,
		CurrencyCode: "usd",
	})
	require.NoError(t, err)
	return res.Session
}

func (h *harness) status(t *testing.T, txID string) txlog.Status {
	t.Helper()
	rec, err := h.orch.Transaction(context.Background(), txID)
	require.NoError(t, err)
	return rec.Status
}

func TestService_CreateSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.CreateSession(ctx, caller, payment.CreateSessionInput{
		ProviderID:   payment.ProviderSystem,
		ResourceID:   "cart_1",
		Amount:       1000,
		CurrencyCode: "usd",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, payment.StatusPending, res.Session.Status)
	assert.Equal(t, "create", res.Session.Data.GetFields()["last"].GetStringValue())
	assert.Equal(t, txlog.StatusCommitted, h.status(t, res.TransactionID))

	rec, err := h.orch.Transaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", rec.CorrelationID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, []string{"create-provider-session", "persist-session"}, rec.Steps)
	assert.Equal(t, res.Session.ID, rec.Metadata.GetFields()["sessionId"].GetStringValue())
	assert.Equal(t, "create", rec.Metadata.GetFields()["operation"].GetStringValue())

	assert.Equal(t, "corr-1", h.provider.correlationID)
	keys := h.provider.keysFor("create")
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], res.Session.ID+":create:"), keys[0])
}

func TestService_CreateSession_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.CreateSession(ctx, caller, payment.CreateSessionInput{ProviderID: payment.ProviderSystem, Amount: 0})
	assert.ErrorIs(t, err, payment.ErrInvalidAmount)

	_, err = h.svc.CreateSession(ctx, caller, payment.CreateSessionInput{ProviderID: payment.ProviderCard, Amount: 10})
	assert.ErrorIs(t, err, payment.ErrUnknownProvider)

	assert.Empty(t, h.provider.called())
}

func TestService_CreateSession_PersistFailureDeletesProviderSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sessions.CreateErr = errors.New("disk full")

	_, err := h.svc.CreateSession(ctx, caller, payment.CreateSessionInput{
		ProviderID:   payment.ProviderSystem,
		Amount:       1000,
		CurrencyCode: "usd",
	})
	require.Error(t, err)

	var opErr *payment.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, payment.OpCreate, opErr.Op)
	assert.NotEmpty(t, opErr.TransactionID)
	assert.Equal(t, txlog.StatusAborted, h.status(t, opErr.TransactionID))
	assert.Equal(t, []string{"create", "delete"}, h.provider.called())
}

func TestService_AuthorizeCaptureRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	res, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAuthorized, res.Session.Status)
	assert.Equal(t, txlog.StatusCommitted, h.status(t, res.TransactionID))

	res, err = h.svc.CaptureSession(ctx, caller, session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, res.Session.Status)

	res, err = h.svc.RefundSession(ctx, caller, session.ID, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), res.Session.RefundedAmount)

	res, err = h.svc.RefundSession(ctx, caller, session.ID, 600)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Session.Refundable())

	assert.Equal(t, []string{"create", "authorize", "capture", "refund", "refund"}, h.provider.called())
}

func TestService_AuthorizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)

	res, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, res.TransactionID)
	assert.Equal(t, payment.StatusAuthorized, res.Session.Status)
	assert.Equal(t, []string{"create", "authorize"}, h.provider.called())
}

func TestService_AuthorizeRequiresMore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.status = payment.StatusRequiresMore
	session := h.create(t)

	res, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRequiresMore, res.Session.Status)

	_, err = h.svc.CaptureSession(ctx, caller, session.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)
}

func TestService_AuthorizeRejectsUnknownProviderStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.status = "SETTLED"
	session := h.create(t)

	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	assert.ErrorIs(t, err, payment.ErrInvalidStatus)

	got, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)
}

func TestService_ProviderFailureAbortsTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	declined := errors.New("card declined")
	h.provider.fail["authorize"] = declined

	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.ErrorIs(t, err, declined)

	var opErr *payment.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, session.ID, opErr.SessionID)

	rec, err := h.orch.Transaction(ctx, opErr.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusAborted, rec.Status)
	assert.Equal(t, "card declined", rec.ErrorMessage)

	got, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)
}

func TestService_InvalidTransitionsAreRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	_, err := h.svc.CaptureSession(ctx, caller, session.ID)
	require.ErrorIs(t, err, payment.ErrInvalidTransition)

	var opErr *payment.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, txlog.StatusAborted, h.status(t, opErr.TransactionID))

	_, err = h.svc.RefundSession(ctx, caller, session.ID, 10)
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)

	assert.Equal(t, []string{"create"}, h.provider.called())
}

func TestService_RefundAmountLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)
	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)
	_, err = h.svc.CaptureSession(ctx, caller, session.ID)
	require.NoError(t, err)

	_, err = h.svc.RefundSession(ctx, caller, session.ID, 0)
	assert.ErrorIs(t, err, payment.ErrInvalidAmount)

	_, err = h.svc.RefundSession(ctx, caller, session.ID, 1001)
	assert.ErrorIs(t, err, payment.ErrInvalidAmount)

	assert.NotContains(t, h.provider.called(), "refund")
}

func TestService_CancelAndDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	res, err := h.svc.CancelSession(ctx, caller, session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCanceled, res.Session.Status)

	_, err = h.svc.CancelSession(ctx, caller, session.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)

	txID, err := h.svc.DeleteSession(ctx, caller, session.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusCommitted, h.status(t, txID))

	_, err = h.svc.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestService_DeleteRejectsAuthorizedSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)
	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)

	_, err = h.svc.DeleteSession(ctx, caller, session.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)

	_, err = h.svc.GetSession(ctx, session.ID)
	assert.NoError(t, err)
}

func TestService_GetPaymentData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	res, err := h.svc.GetPaymentData(ctx, caller, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "get", res.PaymentData.GetFields()["last"].GetStringValue())

	rec, err := h.orch.Transaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusCommitted, rec.Status)
}

func TestService_UnknownSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.AuthorizeSession(ctx, caller, "missing", nil)
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)

	_, err = h.svc.Status(ctx, "missing")
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestService_StatusIsCachedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	st, err := h.svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, st)
	assert.Equal(t, "PENDING", h.cache.values["test:session-status:"+session.ID])

	_, err = h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)
	assert.NotContains(t, h.cache.values, "test:session-status:"+session.ID)

	st, err = h.svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAuthorized, st)
}

func (h *harness) completed(t *testing.T) *payment.Session {
	t.Helper()
	ctx := context.Background()
	session := h.create(t)
	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)
	res, err := h.svc.CaptureSession(ctx, caller, session.ID)
	require.NoError(t, err)
	return res.Session
}

func TestService_ProviderCallAndPersistAreSeparateSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.completed(t)

	res, err := h.svc.RefundSession(ctx, caller, session.ID, 100)
	require.NoError(t, err)

	rec, err := h.orch.Transaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"check-session-status", "validate-refund-amount", "refund-payment", "persist-session"}, rec.Steps)
}

func TestService_RefundPersistFailureFlagsSessionForReconciliation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.completed(t)

	h.sessions.UpdateErr = errors.New("db down")
	_, err := h.svc.RefundSession(ctx, caller, session.ID, 1000)
	require.Error(t, err)

	var opErr *payment.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, txlog.StatusAborted, h.status(t, opErr.TransactionID))
	assert.Equal(t, 1, h.provider.count("refund"))

	stored, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RefundedAmount)
	assert.Equal(t, opErr.TransactionID, stored.ReconcileTransactionID)

	// A retry must not reach the provider again.
	_, err = h.svc.RefundSession(ctx, caller, session.ID, 1000)
	require.ErrorIs(t, err, payment.ErrReconciliationRequired)
	assert.Equal(t, 1, h.provider.count("refund"))

	h.sessions.UpdateErr = nil
	res, err := h.svc.ReconcileSession(ctx, caller, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Session.RefundedAmount)
	assert.Equal(t, payment.StatusCompleted, res.Session.Status)
	assert.Empty(t, res.Session.ReconcileTransactionID)
	assert.Equal(t, "refund", res.Session.Data.GetFields()["last"].GetStringValue())
	assert.Equal(t, txlog.StatusCommitted, h.status(t, res.TransactionID))

	_, err = h.svc.RefundSession(ctx, caller, session.ID, 1)
	assert.ErrorIs(t, err, payment.ErrInvalidAmount)
	assert.Equal(t, 1, h.provider.count("refund"))
}

func TestService_FailedFlaggingSurfacesHookError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.completed(t)

	h.sessions.UpdateErr = errors.New("db down")
	h.sessions.MarkErr = errors.New("db still down")
	_, err := h.svc.RefundSession(ctx, caller, session.ID, 10)

	var hookErr *orchestrator.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.ErrorIs(t, err, h.sessions.UpdateErr)
	assert.ErrorIs(t, err, h.sessions.MarkErr)
}

func TestService_DeletePersistFailureIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)

	h.sessions.DeleteErr = errors.New("db down")
	_, err := h.svc.DeleteSession(ctx, caller, session.ID)
	require.Error(t, err)

	stored, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ReconcileTransactionID)

	_, err = h.svc.CancelSession(ctx, caller, session.ID)
	assert.ErrorIs(t, err, payment.ErrReconciliationRequired)

	h.sessions.DeleteErr = nil
	res, err := h.svc.ReconcileSession(ctx, caller, session.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.NotEmpty(t, res.TransactionID)

	_, err = h.svc.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestService_ReconcileWithoutFlagIsRejected(t *testing.T) {
	h := newHarness(t)
	session := h.create(t)

	_, err := h.svc.ReconcileSession(context.Background(), caller, session.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)
}

func TestService_IdempotencyKeyIsStableAcrossRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)
	_, err := h.svc.AuthorizeSession(ctx, caller, session.ID, nil)
	require.NoError(t, err)

	h.provider.fail["capture"] = errors.New("gateway timeout")
	_, err = h.svc.CaptureSession(ctx, caller, session.ID)
	require.Error(t, err)

	delete(h.provider.fail, "capture")
	res, err := h.svc.CaptureSession(ctx, caller, session.ID)
	require.NoError(t, err)

	keys := h.provider.keysFor("capture")
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])

	rec, err := h.orch.Logs(ctx, res.TransactionID)
	require.NoError(t, err)
	commit := rec[len(rec)-1]
	assert.Equal(t, keys[1], commit.Data.GetFields()["idempotencyKey"].GetStringValue())
}

func TestService_IdempotencyKeyChangesWithPersistedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.completed(t)

	_, err := h.svc.RefundSession(ctx, caller, session.ID, 100)
	require.NoError(t, err)
	_, err = h.svc.RefundSession(ctx, caller, session.ID, 100)
	require.NoError(t, err)

	keys := h.provider.keysFor("refund")
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
}

func TestService_AuthorizeKeyDependsOnCallerContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.create(t)
	h.provider.fail["authorize"] = errors.New("card declined")

	first, err := structpb.NewStruct(map[string]any{"payment_method": "pm_1"})
	require.NoError(t, err)
	second, err := structpb.NewStruct(map[string]any{"payment_method": "pm_2"})
	require.NoError(t, err)

	_, err = h.svc.AuthorizeSession(ctx, caller, session.ID, first)
	require.Error(t, err)
	_, err = h.svc.AuthorizeSession(ctx, caller, session.ID, first)
	require.Error(t, err)
	_, err = h.svc.AuthorizeSession(ctx, caller, session.ID, second)
	require.Error(t, err)

	keys := h.provider.keysFor("authorize")
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.NotEqual(t, keys[0], keys[2])
}
