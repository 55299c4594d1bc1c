package credentials

import (
	"context"
	"strings"

	"github.com/angelmondragon/ap2-agents/internal/accounts"
	"github.com/angelmondragon/ap2-agents/internal/orchestrator"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

const (
	OpGetShippingAddress         = "get_shipping_address"
	OpSearchPaymentMethods       = "search_payment_methods"
	OpCreateCredentialToken      = "create_payment_credential_token"
	OpGetRawCredentials          = "get_payment_method_raw_credentials"
	OpHandleSignedPaymentMandate = "handle_signed_payment_mandate"
)

// Wallet is the account and token contract the agent serves.
type Wallet interface {
	CreateToken(ctx context.Context, email, alias string) (accounts.TokenInfo, error)
	BindToken(ctx context.Context, token, paymentMandateID string) error
	VerifyToken(ctx context.Context, token, paymentMandateID string) (mandates.PaymentMethodData, error)
	EligiblePaymentMethods(ctx context.Context, email string, accepted []mandates.PaymentMethodData) ([]string, error)
	ShippingAddress(ctx context.Context, email string) (*mandates.ContactAddress, error)
}

// Params wires the credentials provider.
type Params struct {
	Wallet Wallet
	// BaseURL is stamped on issued tokens so processors know where to
	// redeem them.
	BaseURL string
	Logger  *logger.Logger
}

// Agent implements the credentials provider operations.
type Agent struct {
	wallet  Wallet
	baseURL string
	logg    *logger.Logger
}

// NewAgent validates p and returns a credentials provider agent.
func NewAgent(p Params) (*Agent, error) {
	if p.Wallet == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "wallet required")
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "base url required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	return &Agent{
		wallet:  p.Wallet,
		baseURL: strings.TrimRight(p.BaseURL, "/"),
		logg:    p.Logger,
	}, nil
}

// Operations lists the credentials provider skills for the orchestrator.
func (a *Agent) Operations() []orchestrator.Operation {
	return []orchestrator.Operation{
		{
			Name:        OpGetShippingAddress,
			Description: "Returns the shipping address on file for a user.",
			Keywords:    []string{"shipping address", "address"},
			Handler:     a.GetShippingAddress,
		},
		{
			Name:        OpSearchPaymentMethods,
			Description: "Lists the user's payment methods the merchant accepts.",
			Keywords:    []string{"payment methods", "eligible", "search"},
			Handler:     a.SearchPaymentMethods,
		},
		{
			Name:        OpCreateCredentialToken,
			Description: "Issues a credential token for one of the user's payment methods.",
			Keywords:    []string{"token", "tokenize"},
			Handler:     a.CreateCredentialToken,
		},
		{
			Name:        OpGetRawCredentials,
			Description: "Releases payment method credentials for a bound token.",
			Keywords:    []string{"raw credentials", "credentials"},
			Handler:     a.GetRawCredentials,
		},
		{
			Name:        OpHandleSignedPaymentMandate,
			Description: "Binds the credential token to a signed payment mandate.",
			Keywords:    []string{"signed payment mandate", "signed"},
			Handler:     a.HandleSignedPaymentMandate,
		},
	}
}

func requireEmail(p *envelope.Payload, op string) (string, error) {
	email := strings.TrimSpace(p.UserEmail)
	if email == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyUserEmail+" is required for "+op).
			WithDetails(map[string]any{"field": envelope.KeyUserEmail})
	}
	return email, nil
}

// GetShippingAddress answers with the account address for the user_email data part.
func (a *Agent) GetShippingAddress(ctx context.Context, ex *orchestrator.Exchange) error {
	email, err := requireEmail(ex.Payload, OpGetShippingAddress)
	if err != nil {
		return err
	}
	addr, err := a.wallet.ShippingAddress(ctx, email)
	if err != nil {
		return err
	}
	if addr == nil {
		ex.Complete("No shipping address on file.")
		return nil
	}
	if err := ex.AddData("shipping_address", map[string]any{envelope.KeyContactAddress: addr}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach address")
	}
	ex.Complete("")
	return nil
}

// SearchPaymentMethods returns the aliases of stored methods accepted by the merchant.
func (a *Agent) SearchPaymentMethods(ctx context.Context, ex *orchestrator.Exchange) error {
	email, err := requireEmail(ex.Payload, OpSearchPaymentMethods)
	if err != nil {
		return err
	}
	if len(ex.Payload.PaymentMethods) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyPaymentMethodData+" is required for "+OpSearchPaymentMethods).
			WithDetails(map[string]any{"field": envelope.KeyPaymentMethodData})
	}
	aliases, err := a.wallet.EligiblePaymentMethods(ctx, email, ex.Payload.PaymentMethods)
	if err != nil {
		return err
	}
	if err := ex.AddData("payment_methods", map[string]any{envelope.KeyPaymentMethodAliases: aliases}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach aliases")
	}
	ex.Complete("")
	return nil
}

// CreateCredentialToken issues a single-use token for one payment method alias.
func (a *Agent) CreateCredentialToken(ctx context.Context, ex *orchestrator.Exchange) error {
	email, err := requireEmail(ex.Payload, OpCreateCredentialToken)
	if err != nil {
		return err
	}
	info, err := a.wallet.CreateToken(ctx, email, ex.Payload.PaymentMethodAlias)
	if err != nil {
		return err
	}
	token := mandates.CredentialToken{Value: info.Token, URL: a.baseURL}
	if err := ex.AddData("credential_token", map[string]any{envelope.KeyToken: token}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach token")
	}
	ex.Complete("")
	return nil
}

// tokenOf reads the credential token out of the mandate's payment response.
func tokenOf(p *envelope.Payload) (*mandates.PaymentMandate, string, error) {
	pm := p.PaymentMandate
	if pm == nil {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyPaymentMandate+" is required").
			WithDetails(map[string]any{"field": envelope.KeyPaymentMandate})
	}
	token, ok := pm.Token()
	if !ok {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.payment_response.details.token is required").
			WithDetails(map[string]any{"field": "payment_response.details.token"})
	}
	return pm, token.Value, nil
}

// GetRawCredentials is the only path that discloses instrument data. The
// token must be bound to the presented mandate id.
func (a *Agent) GetRawCredentials(ctx context.Context, ex *orchestrator.Exchange) error {
	pm, token, err := tokenOf(ex.Payload)
	if err != nil {
		return err
	}
	mandateID := pm.PaymentMandateContents.PaymentMandateID
	method, err := a.wallet.VerifyToken(ctx, token, mandateID)
	if err != nil {
		return err
	}
	a.logg.Info(a.logg.WithFields(ctx, map[string]any{
		"payment_mandate_id": mandateID,
		"alias":              accounts.Alias(method),
	}), "credentials.released")

	if err := ex.AddData("payment_method", map[string]any{envelope.KeyPaymentMethod: method}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach payment method")
	}
	ex.Complete("")
	return nil
}

// HandleSignedPaymentMandate binds a user-signed payment mandate to its token.
func (a *Agent) HandleSignedPaymentMandate(ctx context.Context, ex *orchestrator.Exchange) error {
	pm, token, err := tokenOf(ex.Payload)
	if err != nil {
		return err
	}
	if err := a.wallet.BindToken(ctx, token, pm.PaymentMandateContents.PaymentMandateID); err != nil {
		return err
	}
	ex.Complete("Payment mandate accepted.")
	return nil
}
