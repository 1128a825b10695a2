package payment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownProvider is returned for provider IDs outside the supported set.
var ErrUnknownProvider = errors.New("payment: unknown provider")

// ProviderID identifies a supported payment provider.
type ProviderID string

const (
	// ProviderSystem settles in-process, for manual and test payments.
	ProviderSystem ProviderID = "system"
	// ProviderCard is the card issuer reached over its REST API.
	ProviderCard ProviderID = "card"
	// ProviderBankTransfer is the bank-transfer service reached over gRPC.
	ProviderBankTransfer ProviderID = "bank-transfer"
)

// ProviderIDs lists every supported provider.
var ProviderIDs = []ProviderID{ProviderSystem, ProviderCard, ProviderBankTransfer}

// ParseProviderID returns the ProviderID named by s.
func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(s)
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return id, nil
}

// Valid reports whether id is a supported provider.
func (id ProviderID) Valid() bool {
	switch id {
	case ProviderSystem, ProviderCard, ProviderBankTransfer:
		return true
	}
	return false
}

// Provider is the contract every payment provider integration implements.
// Payloads are provider-owned; the service stores and forwards them.
type Provider interface {
	ID() ProviderID
	CreatePaymentSession(ctx context.Context, data SessionData) (*structpb.Struct, error)
	AuthorizePaymentSession(ctx context.Context, data SessionData) (AuthorizeResult, error)
	CapturePayment(ctx context.Context, data SessionData) (*structpb.Struct, error)
	RefundPayment(ctx context.Context, data SessionData, amount int64) (*structpb.Struct, error)
	CancelPayment(ctx context.Context, data SessionData) (*structpb.Struct, error)
	DeletePaymentSession(ctx context.Context, data SessionData) error
	GetPaymentData(ctx context.Context, data SessionData) (*structpb.Struct, error)
}

// Registry maps provider IDs to their implementation.
type Registry struct {
	mu        sync.RWMutex
	providers map[ProviderID]Provider
}

// NewRegistry returns a registry holding providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[ProviderID]Provider, len(providers))}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. Unsupported or already registered IDs are rejected.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("payment: nil provider")
	}
	id := p.ID()
	if !id.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("payment: provider %q already registered", id)
	}
	r.providers[id] = p
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id ProviderID) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs returns the registered provider IDs, sorted.
func (r *Registry) IDs() []ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ProviderID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
