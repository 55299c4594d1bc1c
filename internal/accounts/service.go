package accounts

import (
	"context"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"github.com/google/uuid"
)

// ManagerParams wires the account manager.
type ManagerParams struct {
	Accounts Repository
	Tokens   TokenStore
	Logger   *logger.Logger
	Now      func() time.Time
	NewToken func() string
}

// Manager owns the accounts and the credential tokens issued against them.
type Manager struct {
	accounts Repository
	tokens   TokenStore
	logg     *logger.Logger
	now      func() time.Time
	newToken func() string
}

// NewManager requires both a repository and a token store.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.Accounts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "account repository required")
	}
	if params.Tokens == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "token store required")
	}
	m := &Manager{
		accounts: params.Accounts,
		tokens:   params.Tokens,
		logg:     params.Logger,
		now:      params.Now,
		newToken: params.NewToken,
	}
	if m.logg == nil {
		m.logg = logger.Nop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newToken == nil {
		m.newToken = uuid.NewString
	}
	return m, nil
}

// CreateToken issues a fresh, unbound token for one of the user's
// instruments. The alias must exist on the account.
func (m *Manager) CreateToken(ctx context.Context, email, alias string) (TokenInfo, error) {
	if strings.TrimSpace(email) == "" {
		return TokenInfo{}, pkgerrors.New(pkgerrors.CodeValidation, "user_email is required")
	}
	if strings.TrimSpace(alias) == "" {
		return TokenInfo{}, pkgerrors.New(pkgerrors.CodeValidation, "payment_method_alias is required")
	}
	acct, err := m.accounts.FindByEmail(ctx, email)
	if err != nil {
		return TokenInfo{}, err
	}
	if _, ok := acct.MethodByAlias(alias); !ok {
		return TokenInfo{}, pkgerrors.Newf(pkgerrors.CodeValidation, "payment method %q not found for %s", alias, email).
			WithDetails(map[string]any{"field": "payment_method_alias"})
	}

	info := TokenInfo{
		Token:     m.newToken(),
		Email:     normalizeEmail(email),
		Alias:     alias,
		CreatedAt: m.now(),
	}
	if err := m.tokens.Create(ctx, info); err != nil {
		return TokenInfo{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store token")
	}
	m.logg.Info(m.logg.WithField(ctx, "alias", alias), "token.created")
	return info, nil
}

// BindToken attaches the token to a payment mandate id. Repeating the bind
// with the same id succeeds; a different id fails with InvalidTokenState.
func (m *Manager) BindToken(ctx context.Context, token, paymentMandateID string) error {
	if strings.TrimSpace(paymentMandateID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate_id is required")
	}
	if err := m.tokens.Bind(ctx, token, paymentMandateID); err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "bind token")
	}
	m.logg.Info(m.logg.WithField(ctx, "payment_mandate_id", paymentMandateID), "token.bound")
	return nil
}

// VerifyToken releases the instrument behind token, but only when the token
// is bound to paymentMandateID.
func (m *Manager) VerifyToken(ctx context.Context, token, paymentMandateID string) (mandates.PaymentMethodData, error) {
	info, err := m.tokens.Get(ctx, token)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeInvalidToken) {
			return mandates.PaymentMethodData{}, err
		}
		return mandates.PaymentMethodData{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load token")
	}
	if !info.Bound() || paymentMandateID == "" || info.PaymentMandateID != paymentMandateID {
		return mandates.PaymentMethodData{}, unknownToken()
	}
	return m.PaymentMethodByAlias(ctx, info.Email, info.Alias)
}

// PaymentMethodByAlias returns the user's instrument stored under alias.
func (m *Manager) PaymentMethodByAlias(ctx context.Context, email, alias string) (mandates.PaymentMethodData, error) {
	acct, err := m.accounts.FindByEmail(ctx, email)
	if err != nil {
		return mandates.PaymentMethodData{}, err
	}
	pm, ok := acct.MethodByAlias(alias)
	if !ok {
		return mandates.PaymentMethodData{}, pkgerrors.Newf(pkgerrors.CodeNotFound, "payment method %q not found", alias)
	}
	return pm, nil
}

// EligiblePaymentMethods lists aliases of the user's instruments whose type
// matches an accepted method and whose networks intersect it. Unknown users
// have no eligible methods.
func (m *Manager) EligiblePaymentMethods(ctx context.Context, email string, accepted []mandates.PaymentMethodData) ([]string, error) {
	acct, err := m.accounts.FindByEmail(ctx, email)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	aliases := []string{}
	for _, held := range acct.PaymentMethods {
		for _, criteria := range accepted {
			if eligible(held, criteria) {
				aliases = append(aliases, Alias(held))
				break
			}
		}
	}
	return aliases, nil
}

func eligible(held, criteria mandates.PaymentMethodData) bool {
	if !strings.EqualFold(strings.TrimSpace(held.SupportedMethods), strings.TrimSpace(criteria.SupportedMethods)) {
		return false
	}
	for _, want := range criteria.Networks() {
		for _, have := range held.Networks() {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// ShippingAddress returns the user's stored address, or nil when the user or
// the address is unknown.
func (m *Manager) ShippingAddress(ctx context.Context, email string) (*mandates.ContactAddress, error) {
	acct, err := m.accounts.FindByEmail(ctx, email)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return acct.ShippingAddress, nil
}
