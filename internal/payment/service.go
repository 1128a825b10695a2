// Package payment manages payment sessions against external providers.
//
// Every provider call runs as an orchestrated transaction, so it gets a
// transaction ID, a correlation ID and an audit trail in the transaction log.
// Provider-specific failure handling is attached through step error hooks.
// The session status is whatever the provider reported, read back from the
// session store once the transaction has finished.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator"
	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/cache"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
)

// Operation names, recorded under the "operation" metadata key.
const (
	OpCreate     = "create"
	OpAuthorize  = "authorize"
	OpCapture    = "capture"
	OpRefund     = "refund"
	OpCancel     = "cancel"
	OpDelete     = "delete"
	OpGetPayment = "get-payment-data"
	OpReconcile  = "reconcile"
)

const (
	metaSessionID  = "sessionId"
	metaProviderID = "providerId"
	metaOperation  = "operation"
	metaResult     = "providerResult"
	statusCacheKey = "session-status"

	// Staged by provider steps, replayed by ReconcileSession.
	metaSessionStatus = "sessionStatus"
	metaRefundedTotal = "refundedTotal"
	metaReconciledTx  = "reconciledTransactionId"
	metaIdempotency   = "idempotencyKey"
)

// Caller identifies who asked for an operation, for correlation in the log.
type Caller struct {
	CorrelationID string
	UserID        string
}

// CreateSessionInput describes a new payment session.
type CreateSessionInput struct {
	ProviderID   ProviderID
	ResourceID   string
	Amount       int64
	CurrencyCode string
	Context      *structpb.Struct
}

// Result is returned by successful operations.
type Result struct {
	TransactionID string
	Session       *Session
	// PaymentData is set by GetPaymentData only.
	PaymentData *structpb.Struct
}

// Service runs payment session operations through the orchestrator.
type Service struct {
	orch      *orchestrator.Orchestrator
	providers *Registry
	sessions  SessionRepository
	cache     cache.Cache // nil-safe: status reads go straight to the store
	cacheTTL  time.Duration
	logger    *slog.Logger
	newID     func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStatusCache caches session status reads for ttl.
func WithStatusCache(c cache.Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithServiceLogger sets the logger used by provider error hooks.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithSessionIDGenerator replaces uuid.NewString for session IDs.
func WithSessionIDGenerator(f func() string) ServiceOption {
	return func(s *Service) { s.newID = f }
}

// NewService returns a Service.
func NewService(orch *orchestrator.Orchestrator, providers *Registry, sessions SessionRepository, opts ...ServiceOption) *Service {
	s := &Service{
		orch:      orch,
		providers: providers,
		sessions:  sessions,
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession opens a session at the provider and persists it.
// If persisting fails the provider session is deleted again.
func (s *Service) CreateSession(ctx context.Context, caller Caller, in CreateSessionInput) (*Result, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, in.Amount)
	}
	provider, err := s.providers.Get(in.ProviderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:           s.newID(),
		ProviderID:   in.ProviderID,
		ResourceID:   in.ResourceID,
		Amount:       in.Amount,
		CurrencyCode: in.CurrencyCode,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	key := idempotencyKey(session, OpCreate)

	steps := []orchestrator.Step{
		{
			Name: "create-provider-session",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				data, err := provider.CreatePaymentSession(providerContext(ctx, tx, key), sessionData(session, in.Context))
				if err != nil {
					return err
				}
				session.Data = data
				return setResult(tx, data)
			},
			OnError: s.logFailure(OpCreate, session),
		},
		{
			Name: "persist-session",
			Handler: func(ctx context.Context, _ *orchestrator.Transaction) error {
				return s.sessions.CreateSession(ctx, session)
			},
			OnError: func(ctx context.Context, tx *orchestrator.Transaction, cause error) error {
				_ = s.logFailure(OpCreate, session)(ctx, tx, cause)
				if err := provider.DeletePaymentSession(providerContext(ctx, tx, key), sessionData(session, nil)); err != nil {
					return fmt.Errorf("delete orphaned provider session: %w", err)
				}
				return nil
			},
		},
	}

	tx, err := s.run(ctx, caller, OpCreate, session, steps...)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, tx, session.ID)
}

// AuthorizeSession asks the provider to authorize the session. An already
// authorized session is returned as is without contacting the provider.
func (s *Service) AuthorizeSession(ctx context.Context, caller Caller, sessionID string, callCtx *structpb.Struct) (*Result, error) {
	session, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusAuthorized && session.ReconcileTransactionID == "" {
		return &Result{Session: session}, nil
	}
	key := idempotencyKey(session, OpAuthorize, contextDigest(callCtx))

	tx, err := s.run(ctx, caller, OpAuthorize, session,
		s.requireStatus(session, StatusPending, StatusRequiresMore, StatusError),
		orchestrator.Step{
			Name: "authorize-payment",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				res, err := provider.AuthorizePaymentSession(providerContext(ctx, tx, key), sessionData(session, callCtx))
				if err != nil {
					return err
				}
				if !res.Status.Valid() {
					return fmt.Errorf("%w: %q", ErrInvalidStatus, res.Status)
				}
				session.Status = res.Status
				session.Data = res.Data
				return stage(tx, session)
			},
			OnError: s.logFailure(OpAuthorize, session),
		},
		s.persist(OpAuthorize, session),
	)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, tx, session.ID)
}

// CaptureSession captures an authorized payment; the session completes.
func (s *Service) CaptureSession(ctx context.Context, caller Caller, sessionID string) (*Result, error) {
	session, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := idempotencyKey(session, OpCapture)

	tx, err := s.run(ctx, caller, OpCapture, session,
		s.requireStatus(session, StatusAuthorized),
		orchestrator.Step{
			Name: "capture-payment",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				data, err := provider.CapturePayment(providerContext(ctx, tx, key), sessionData(session, nil))
				if err != nil {
					return err
				}
				session.Status = StatusCompleted
				session.Data = data
				return stage(tx, session)
			},
			OnError: s.logFailure(OpCapture, session),
		},
		s.persist(OpCapture, session),
	)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, tx, session.ID)
}

// RefundSession refunds amount of a completed payment. Partial refunds
// accumulate up to the captured amount.
func (s *Service) RefundSession(ctx context.Context, caller Caller, sessionID string, amount int64) (*Result, error) {
	session, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := idempotencyKey(session, OpRefund, session.RefundedAmount, amount)

	tx, err := s.run(ctx, caller, OpRefund, session,
		s.requireStatus(session, StatusCompleted),
		orchestrator.Step{
			Name: "validate-refund-amount",
			Handler: func(context.Context, *orchestrator.Transaction) error {
				if amount <= 0 || amount > session.Refundable() {
					return fmt.Errorf("%w: refund %d of %d refundable", ErrInvalidAmount, amount, session.Refundable())
				}
				return nil
			},
		},
		orchestrator.Step{
			Name: "refund-payment",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				data, err := provider.RefundPayment(providerContext(ctx, tx, key), sessionData(session, nil), amount)
				if err != nil {
					return err
				}
				session.RefundedAmount += amount
				session.Data = data
				if err := tx.Metadata.Set("refundedAmount", amount); err != nil {
					return err
				}
				return stage(tx, session)
			},
			OnError: s.logFailure(OpRefund, session),
		},
		s.persist(OpRefund, session),
	)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, tx, session.ID)
}

// CancelSession cancels a session that has not been captured.
func (s *Service) CancelSession(ctx context.Context, caller Caller, sessionID string) (*Result, error) {
	session, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := idempotencyKey(session, OpCancel)

	tx, err := s.run(ctx, caller, OpCancel, session,
		s.requireStatus(session, StatusPending, StatusRequiresMore, StatusAuthorized, StatusError),
		orchestrator.Step{
			Name: "cancel-payment",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				data, err := provider.CancelPayment(providerContext(ctx, tx, key), sessionData(session, nil))
				if err != nil {
					return err
				}
				session.Status = StatusCanceled
				session.Data = data
				return stage(tx, session)
			},
			OnError: s.logFailure(OpCancel, session),
		},
		s.persist(OpCancel, session),
	)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, tx, session.ID)
}

// DeleteSession removes a session that never moved money.
func (s *Service) DeleteSession(ctx context.Context, caller Caller, sessionID string) (string, error) {
	session, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	key := idempotencyKey(session, OpDelete)

	tx, err := s.run(ctx, caller, OpDelete, session,
		s.requireStatus(session, StatusPending, StatusRequiresMore, StatusError, StatusCanceled),
		orchestrator.Step{
			Name: "delete-provider-session",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				return provider.DeletePaymentSession(providerContext(ctx, tx, key), sessionData(session, nil))
			},
			OnError: s.logFailure(OpDelete, session),
		},
		orchestrator.Step{
			Name: "delete-session",
			Handler: func(ctx context.Context, _ *orchestrator.Transaction) error {
				if err := s.sessions.DeleteSession(ctx, session.ID); err != nil {
					return err
				}
				s.invalidate(ctx, session.ID)
				return nil
			},
			OnError: s.flagUnpersisted(OpDelete, session),
		},
	)
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// ReconcileSession stores the provider effect of the transaction that
// flagged the session, read back from that transaction's ABORT entry, and
// clears the flag. A flagged delete removes the session.
func (s *Service) ReconcileSession(ctx context.Context, caller Caller, sessionID string) (*Result, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	flagged := session.ReconcileTransactionID
	if flagged == "" {
		return nil, fmt.Errorf("%w: session %s has nothing to reconcile", ErrInvalidTransition, session.ID)
	}

	deleted := false
	tx, err := s.run(ctx, caller, OpReconcile, session,
		orchestrator.Step{
			Name: "load-unpersisted-effect",
			Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
				effect, err := s.unpersistedEffect(ctx, flagged)
				if err != nil {
					return err
				}
				if err := tx.Metadata.Set(metaReconciledTx, flagged); err != nil {
					return err
				}
				if effect.String(metaOperation) == OpDelete {
					deleted = true
					return nil
				}

				st := SessionStatus(effect.String(metaSessionStatus))
				if !st.Valid() {
					return fmt.Errorf("%w: transaction %s recorded %q", ErrInvalidStatus, flagged, st)
				}
				session.Status = st
				if v, ok := effect.Get(metaRefundedTotal); ok {
					session.RefundedAmount = int64(v.GetNumberValue())
				}
				session.Data = effect.Struct(metaResult)
				return setResult(tx, session.Data)
			},
		},
		orchestrator.Step{
			Name: "persist-session",
			Handler: func(ctx context.Context, _ *orchestrator.Transaction) error {
				if deleted {
					if err := s.sessions.DeleteSession(ctx, session.ID); err != nil {
						return err
					}
					s.invalidate(ctx, session.ID)
					return nil
				}
				session.ReconcileTransactionID = ""
				return s.save(ctx, session)
			},
		},
	)
	if err != nil {
		return nil, err
	}
	if deleted {
		return &Result{TransactionID: tx.ID}, nil
	}
	return s.result(ctx, tx, session.ID)
}

// GetPaymentData fetches the provider's current view of the payment.
func (s *Service) GetPaymentData(ctx context.Context, caller Caller, sessionID string) (*Result, error) {
	session, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := idempotencyKey(session, OpGetPayment)

	var data *structpb.Struct
	tx, err := s.run(ctx, caller, OpGetPayment, session, orchestrator.Step{
		Name: "get-payment-data",
		Handler: func(ctx context.Context, tx *orchestrator.Transaction) error {
			var err error
			if data, err = provider.GetPaymentData(providerContext(ctx, tx, key), sessionData(session, nil)); err != nil {
				return err
			}
			return setResult(tx, data)
		},
		OnError: s.logFailure(OpGetPayment, session),
	})
	if err != nil {
		return nil, err
	}
	return &Result{TransactionID: tx.ID, Session: session, PaymentData: data}, nil
}

// GetSession reads a session from the store.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// Status returns the session status, through the cache when configured.
// Cache failures fall back to the store.
func (s *Service) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, s.cache.GenerateKey(statusCacheKey, sessionID))
		if err != nil {
			s.logger.WarnContext(ctx, "session status cache read failed", "session_id", sessionID, "error", err)
		} else if st := SessionStatus(cached); st.Valid() {
			return st, nil
		}
	}

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		key := s.cache.GenerateKey(statusCacheKey, sessionID)
		if err := s.cache.Set(ctx, key, string(session.Status), s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "session status cache write failed", "session_id", sessionID, "error", err)
		}
	}
	return session.Status, nil
}

// run executes steps as one transaction seeded with the session identity.
func (s *Service) run(ctx context.Context, caller Caller, op string, session *Session, steps ...orchestrator.Step) (*orchestrator.Transaction, error) {
	md, err := orchestrator.NewMetadata(map[string]any{
		metaSessionID:  session.ID,
		metaProviderID: string(session.ProviderID),
		metaOperation:  op,
	})
	if err != nil {
		return nil, err
	}

	tx, err := s.orch.Execute(ctx, orchestrator.Config{
		Steps:         steps,
		CorrelationID: caller.CorrelationID,
		UserID:        caller.UserID,
		Metadata:      md,
	})
	if err != nil {
		opErr := &OperationError{Op: op, SessionID: session.ID, Err: err}
		if tx != nil {
			opErr.TransactionID = tx.ID
		}
		return nil, opErr
	}
	return tx, nil
}

// load reads the session and resolves its provider.
func (s *Service) load(ctx context.Context, sessionID string) (*Session, Provider, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	provider, err := s.providers.Get(session.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	return session, provider, nil
}

// result re-reads the session from the store, which is the source of truth
// for its status once the transaction is over.
func (s *Service) result(ctx context.Context, tx *orchestrator.Transaction, sessionID string) (*Result, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Result{TransactionID: tx.ID, Session: session}, nil
}

func (s *Service) save(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	if err := s.sessions.UpdateSession(ctx, session); err != nil {
		return err
	}
	s.invalidate(ctx, session.ID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cache.GenerateKey(statusCacheKey, sessionID)); err != nil {
		s.logger.WarnContext(ctx, "session status cache invalidation failed", "session_id", sessionID, "error", err)
	}
}

// requireStatus is the first step of most operations: it fails the
// transaction, and so records the rejected attempt, when the session is not
// in one of the allowed statuses or is waiting for reconciliation.
func (s *Service) requireStatus(session *Session, allowed ...SessionStatus) orchestrator.Step {
	return orchestrator.Step{
		Name: "check-session-status",
		Handler: func(context.Context, *orchestrator.Transaction) error {
			if session.ReconcileTransactionID != "" {
				return fmt.Errorf("%w: session %s, transaction %s", ErrReconciliationRequired, session.ID, session.ReconcileTransactionID)
			}
			for _, st := range allowed {
				if session.Status == st {
					return nil
				}
			}
			return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, session.ID, session.Status)
		},
	}
}

// logFailure is the error hook attached to provider calls.
func (s *Service) logFailure(op string, session *Session) orchestrator.ErrorHookFunc {
	return func(ctx context.Context, tx *orchestrator.Transaction, err error) error {
		s.logger.ErrorContext(ctx, "payment provider call failed",
			"operation", op,
			"provider", string(session.ProviderID),
			"session_id", session.ID,
			"transaction_id", tx.ID,
			"correlation_id", tx.CorrelationID,
			"error", err,
		)
		return nil
	}
}

// persist stores the session a provider step changed. A failure leaves the
// provider effect unrecorded, so the session is flagged for reconciliation.
func (s *Service) persist(op string, session *Session) orchestrator.Step {
	return orchestrator.Step{
		Name: "persist-session",
		Handler: func(ctx context.Context, _ *orchestrator.Transaction) error {
			return s.save(ctx, session)
		},
		OnError: s.flagUnpersisted(op, session),
	}
}

// flagUnpersisted is the error hook of steps that store a provider effect.
func (s *Service) flagUnpersisted(op string, session *Session) orchestrator.ErrorHookFunc {
	return func(ctx context.Context, tx *orchestrator.Transaction, err error) error {
		s.logger.ErrorContext(ctx, "provider effect not persisted, session needs reconciliation",
			"operation", op,
			"provider", string(session.ProviderID),
			"session_id", session.ID,
			"transaction_id", tx.ID,
			"correlation_id", tx.CorrelationID,
			"session_status", tx.Metadata.String(metaSessionStatus),
			"refunded_total", session.RefundedAmount,
			"provider_result", formatPayload(tx.Metadata.Struct(metaResult)),
			"error", err,
		)
		if markErr := s.sessions.MarkForReconciliation(ctx, session.ID, tx.ID); markErr != nil {
			return fmt.Errorf("flag session %s for reconciliation: %w", session.ID, markErr)
		}
		s.invalidate(ctx, session.ID)
		return nil
	}
}

// unpersistedEffect returns the metadata the flagged transaction had when it
// aborted.
func (s *Service) unpersistedEffect(ctx context.Context, transactionID string) (orchestrator.Metadata, error) {
	entries, err := s.orch.Logs(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Event != txlog.EventAbort {
			continue
		}
		md := entries[i].Data.GetFields()["metadata"].GetStructValue()
		if md == nil {
			break
		}
		return orchestrator.Metadata(md.GetFields()), nil
	}
	return nil, fmt.Errorf("payment: transaction %s has no recorded effect to reconcile", transactionID)
}

func formatPayload(data *structpb.Struct) string {
	if data == nil {
		return ""
	}
	return protojson.Format(data)
}

// providerContext tags outgoing provider calls with the transaction identity
// and the operation's idempotency key.
func providerContext(ctx context.Context, tx *orchestrator.Transaction, key string) context.Context {
	ctx = interceptors.WithCorrelationID(ctx, tx.CorrelationID)
	ctx = interceptors.WithIdempotencyKey(ctx, key)
	_ = tx.Metadata.Set(metaIdempotency, key)
	if tx.UserID != "" {
		ctx = interceptors.WithUserID(ctx, tx.UserID)
	}
	return ctx
}

// idempotencyKey identifies one attempt at op on the session as stored.
// Retrying after a failure reuses the key, so the provider can deduplicate
// an effect it already applied; every persisted change yields a new key.
func idempotencyKey(session *Session, op string, parts ...any) string {
	key := fmt.Sprintf("%s:%s:%d", session.ID, op, session.UpdatedAt.UnixNano())
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}

// contextDigest names the caller context, so an authorization retried with
// other payment details is a new attempt.
func contextDigest(callCtx *structpb.Struct) string {
	if callCtx == nil {
		return "-"
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(callCtx)
	if err != nil {
		return "-"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, b).String()
}

// stage records the session state a provider step produced, for the persist
// step and for reconciliation should persisting fail.
func stage(tx *orchestrator.Transaction, session *Session) error {
	if err := tx.Metadata.Set(metaSessionStatus, string(session.Status)); err != nil {
		return err
	}
	if err := tx.Metadata.Set(metaRefundedTotal, session.RefundedAmount); err != nil {
		return err
	}
	return setResult(tx, session.Data)
}

func setResult(tx *orchestrator.Transaction, data *structpb.Struct) error {
	if data == nil {
		return tx.Metadata.Set(metaResult, nil)
	}
	return tx.Metadata.Set(metaResult, data)
}
