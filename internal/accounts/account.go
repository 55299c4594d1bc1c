package accounts

import (
	"context"
	"strings"
	"sync"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

// Account is the set of instruments and the shipping address held for one
// user.
type Account struct {
	Email           string
	ShippingAddress *mandates.ContactAddress
	PaymentMethods  []mandates.PaymentMethodData
}

// Alias returns the user-facing alias of a held payment method.
func Alias(pm mandates.PaymentMethodData) string {
	alias, _ := pm.Data["alias"].(string)
	return alias
}

// MethodByAlias finds a payment method by alias, ignoring case.
func (a *Account) MethodByAlias(alias string) (mandates.PaymentMethodData, bool) {
	for _, pm := range a.PaymentMethods {
		if got := Alias(pm); got != "" && strings.EqualFold(got, alias) {
			return pm, true
		}
	}
	return mandates.PaymentMethodData{}, false
}

// Repository loads accounts by email.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
}

func accountNotFound(email string) error {
	return pkgerrors.Newf(pkgerrors.CodeNotFound, "account %s not found", email)
}

// MemoryRepository keeps accounts in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryRepository indexes accounts by lowercased email.
func NewMemoryRepository(accounts ...Account) *MemoryRepository {
	repo := &MemoryRepository{accounts: map[string]Account{}}
	for _, acct := range accounts {
		repo.accounts[normalizeEmail(acct.Email)] = acct
	}
	return repo
}

func (r *MemoryRepository) FindByEmail(_ context.Context, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[normalizeEmail(email)]
	if !ok {
		return nil, accountNotFound(email)
	}
	out := acct
	out.PaymentMethods = append([]mandates.PaymentMethodData(nil), acct.PaymentMethods...)
	return &out, nil
}

// Save inserts or replaces an account.
func (r *MemoryRepository) Save(_ context.Context, acct Account) error {
	if strings.TrimSpace(acct.Email) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "account email is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[normalizeEmail(acct.Email)] = acct
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
