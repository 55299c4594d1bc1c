package carts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/keylock"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

// UpdateFunc derives the next cart mandate from the stored one. It may run
// more than once when writers race, so it must not have side effects.
type UpdateFunc func(current mandates.CartMandate) (mandates.CartMandate, error)

// Store keeps the merchant's cart mandates by cart id and the risk data
// collected for each conversation.
type Store interface {
	Put(ctx context.Context, cartID string, cart mandates.CartMandate) error
	Get(ctx context.Context, cartID string) (*mandates.CartMandate, error)
	Update(ctx context.Context, cartID string, fn UpdateFunc) (mandates.CartMandate, error)
	PutRiskData(ctx context.Context, contextID, data string) error
	RiskData(ctx context.Context, contextID string) (string, bool, error)
}

func cartNotFound(cartID string) error {
	return pkgerrors.Newf(pkgerrors.CodeNotFound, "cart %s not found", cartID)
}

type memoryCart struct {
	cart      mandates.CartMandate
	expiresAt time.Time
}

// MemoryStore holds carts in process memory. Updates are serialized per
// cart id; different carts never block each other.
type MemoryStore struct {
	mu    sync.RWMutex
	carts map[string]memoryCart
	risk  map[string]string
	locks *keylock.MemoryLocker
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore returns an in-process cart store. Entries older than ttl
// read as missing.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		carts: map[string]memoryCart{},
		risk:  map[string]string{},
		locks: keylock.NewMemoryLocker(),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, cartID string, cart mandates.CartMandate) error {
	if cartID == "" {
		return errors.New("cart id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cartID] = s.entry(cart)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, cartID string) (*mandates.CartMandate, error) {
	s.mu.RLock()
	entry, ok := s.carts[cartID]
	s.mu.RUnlock()
	if !ok || s.expired(entry) {
		return nil, cartNotFound(cartID)
	}
	cart := mandates.CartMandate{
		Contents:              entry.cart.Contents.Clone(),
		MerchantAuthorization: entry.cart.MerchantAuthorization,
	}
	return &cart, nil
}

func (s *MemoryStore) Update(ctx context.Context, cartID string, fn UpdateFunc) (mandates.CartMandate, error) {
	unlock, err := s.locks.Lock(ctx, cartID)
	if err != nil {
		return mandates.CartMandate{}, err
	}
	defer unlock()

	current, err := s.Get(ctx, cartID)
	if err != nil {
		return mandates.CartMandate{}, err
	}
	next, err := fn(*current)
	if err != nil {
		return mandates.CartMandate{}, err
	}
	if err := s.Put(ctx, cartID, next); err != nil {
		return mandates.CartMandate{}, err
	}
	return next, nil
}

func (s *MemoryStore) PutRiskData(_ context.Context, contextID, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risk[contextID] = data
	return nil
}

func (s *MemoryStore) RiskData(_ context.Context, contextID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.risk[contextID]
	return data, ok, nil
}

func (s *MemoryStore) entry(cart mandates.CartMandate) memoryCart {
	entry := memoryCart{cart: cart}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	return entry
}

func (s *MemoryStore) expired(entry memoryCart) bool {
	return !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt)
}
