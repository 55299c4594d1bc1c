package shopper

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ap2-agents/internal/challenge"
	"github.com/angelmondragon/ap2-agents/internal/credentials"
	"github.com/angelmondragon/ap2-agents/internal/merchant"
	"github.com/angelmondragon/ap2-agents/internal/processor"
	"github.com/angelmondragon/ap2-agents/internal/remote"
	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/auth"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

const (
	// DefaultAgentID is the shopping_agent_id merchants trust out of the box.
	DefaultAgentID = "trusted_shopping_agent"

	defaultIntentTTL = 24 * time.Hour
	cardMethod       = "CARD"
)

// Params wires the shopping agent client.
type Params struct {
	Sender         remote.Sender
	MerchantURL    string
	CredentialsURL string
	// Signing holds the user key used to sign payment mandates. When the
	// merchant secret is set, offered carts are verified before use.
	Signing   config.SigningConfig
	AgentID   string
	DebugMode bool
	Logger    *logger.Logger
	Now       func() time.Time
}

// ParamsFromConfig resolves the merchant and credentials provider URLs
// from the peer table.
func ParamsFromConfig(cfg *config.Config, sender remote.Sender, logg *logger.Logger) (Params, error) {
	merchantURL, ok := cfg.Peers.URLFor(config.ServiceKindMerchant)
	if !ok {
		return Params{}, pkgerrors.New(pkgerrors.CodeInternal, "merchant peer url required")
	}
	credentialsURL, ok := cfg.Peers.URLFor(config.ServiceKindCredentialsProvider)
	if !ok {
		return Params{}, pkgerrors.New(pkgerrors.CodeInternal, "credentials provider peer url required")
	}
	return Params{
		Sender:         sender,
		MerchantURL:    merchantURL,
		CredentialsURL: credentialsURL,
		Signing:        cfg.Signing,
		Logger:         logg,
	}, nil
}

// Client drives the purchase flow on behalf of one user. It holds no
// conversation state; that lives on a Session.
type Client struct {
	sender         remote.Sender
	merchantURL    string
	credentialsURL string
	signing        config.SigningConfig
	agentID        string
	debug          bool
	logg           *logger.Logger
	now            func() time.Time
}

// New validates p and returns a client.
func New(p Params) (*Client, error) {
	if p.Sender == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "remote sender required")
	}
	merchantURL := strings.TrimRight(strings.TrimSpace(p.MerchantURL), "/")
	if merchantURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "merchant url required")
	}
	credentialsURL := strings.TrimRight(strings.TrimSpace(p.CredentialsURL), "/")
	if credentialsURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credentials provider url required")
	}
	if strings.TrimSpace(p.AgentID) == "" {
		p.AgentID = DefaultAgentID
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Client{
		sender:         p.Sender,
		merchantURL:    merchantURL,
		credentialsURL: credentialsURL,
		signing:        p.Signing,
		agentID:        strings.TrimSpace(p.AgentID),
		debug:          p.DebugMode,
		logg:           p.Logger,
		now:            p.Now,
	}, nil
}

// Session is the state of one shopping conversation. A session is not
// safe for concurrent use.
type Session struct {
	ContextID       string
	Intent          *mandates.IntentMandate
	Offered         []mandates.CartMandate
	Cart            *mandates.CartMandate
	ShippingAddress *mandates.ContactAddress
	Token           *mandates.CredentialToken
	PaymentMandate  *mandates.PaymentMandate
	Signed          *mandates.PaymentMandate
	RiskData        string
	PaymentTaskID   string
}

// NewSession starts a conversation. An empty contextID gets a fresh one.
func NewSession(contextID string) *Session {
	if contextID = strings.TrimSpace(contextID); contextID == "" {
		contextID = uuid.NewString()
	}
	return &Session{ContextID: contextID}
}

// IntentRequest is what the user asked for.
type IntentRequest struct {
	Description           string
	Merchants             []string
	SKUs                  []string
	RequiresRefundability bool
	// SkipCartConfirmation lets the agent buy without showing the cart.
	SkipCartConfirmation bool
	TTL                  time.Duration
}

// PaymentOutcome reports where a payment stands after a merchant round trip.
type PaymentOutcome struct {
	TaskID    string
	State     enums.TaskState
	Text      string
	Challenge *challenge.Challenge
	Receipt   *processor.Receipt
}

// Completed reports whether the payment settled.
func (o PaymentOutcome) Completed() bool {
	return o.State == enums.TaskStateCompleted
}

// NeedsChallenge reports whether the merchant is waiting for a code.
func (o PaymentOutcome) NeedsChallenge() bool {
	return o.State == enums.TaskStateInputRequired
}

// CreateIntentMandate builds the intent and records it on the session. No
// remote call is made.
func (c *Client) CreateIntentMandate(s *Session, req IntentRequest) (mandates.IntentMandate, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultIntentTTL
	}
	now := c.now().UTC()
	intent, err := mandates.NewIntentMandate(strings.TrimSpace(req.Description), now, ttl)
	if err != nil {
		return mandates.IntentMandate{}, err
	}
	intent.UserCartConfirmationRequired = !req.SkipCartConfirmation
	intent.Merchants = req.Merchants
	intent.SKUs = req.SKUs
	intent.RequiresRefundability = req.RequiresRefundability
	if err := intent.Validate(now); err != nil {
		return mandates.IntentMandate{}, err
	}
	s.Intent = &intent
	return intent, nil
}

// FindProducts sends the intent to the merchant and returns the carts it
// offered. Carts whose merchant authorization does not verify are dropped.
func (c *Client) FindProducts(ctx context.Context, s *Session) ([]mandates.CartMandate, error) {
	if s.Intent == nil {
		return nil, missing("intent mandate")
	}
	msg, err := c.merchantMessage(s, "", merchant.OpFindItems).
		AddData(envelope.KeyIntentMandate, *s.Intent).
		Build()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build find_items message")
	}
	t, err := c.call(ctx, c.merchantURL, msg)
	if err != nil {
		return nil, err
	}

	offered := make([]mandates.CartMandate, 0, len(t.Artifacts))
	for _, cart := range cartsIn(t.Artifacts) {
		if err := c.verifyCart(cart); err != nil {
			c.logg.Warn(c.logg.WithFields(ctx, map[string]any{"cart_id": cart.Contents.ID, "error": err.Error()}), "shopper.cart_rejected")
			continue
		}
		offered = append(offered, cart)
	}
	var risk string
	if found, err := envelope.FindData(t.Artifacts, envelope.KeyRiskData, &risk); err == nil && found {
		s.RiskData = risk
	}
	s.Offered = offered
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{"context_id": s.ContextID, "carts": len(offered)}), "shopper.products_found")
	return offered, nil
}

// ChooseCart selects one of the offered carts.
func (c *Client) ChooseCart(s *Session, cartID string) (mandates.CartMandate, error) {
	for _, cart := range s.Offered {
		if cart.Contents.ID == cartID {
			chosen := cart
			s.Cart = &chosen
			return chosen, nil
		}
	}
	return mandates.CartMandate{}, pkgerrors.Newf(pkgerrors.CodeNotFound, "cart %s was not offered", cartID).
		WithDetails(map[string]any{"cart_id": cartID})
}

// ShippingAddress asks the credentials provider for the address on file.
// It returns nil when none is stored.
func (c *Client) ShippingAddress(ctx context.Context, s *Session, email string) (*mandates.ContactAddress, error) {
	msg, err := c.credentialsMessage(s, credentials.OpGetShippingAddress).
		AddData(envelope.KeyUserEmail, email).
		Build()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build get_shipping_address message")
	}
	t, err := c.call(ctx, c.credentialsURL, msg)
	if err != nil {
		return nil, err
	}
	var addr mandates.ContactAddress
	found, err := envelope.FindData(t.Artifacts, envelope.KeyContactAddress, &addr)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "decode shipping address")
	}
	if !found {
		return nil, nil
	}
	return &addr, nil
}

// UpdateChosenCart sends the shipping address for the chosen cart and
// keeps the re-signed cart the merchant returns.
func (c *Client) UpdateChosenCart(ctx context.Context, s *Session, addr mandates.ContactAddress) (mandates.CartMandate, error) {
	if s.Cart == nil {
		return mandates.CartMandate{}, missing("chosen cart")
	}
	msg, err := c.merchantMessage(s, "", merchant.OpUpdateCart).
		AddData(envelope.KeyCartID, s.Cart.Contents.ID).
		AddData(envelope.KeyContactAddress, addr).
		Build()
	if err != nil {
		return mandates.CartMandate{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build update_cart message")
	}
	t, err := c.call(ctx, c.merchantURL, msg)
	if err != nil {
		return mandates.CartMandate{}, err
	}
	updated := cartsIn(t.Artifacts)
	if len(updated) == 0 {
		return mandates.CartMandate{}, pkgerrors.New(pkgerrors.CodeDownstream, "merchant returned no updated cart")
	}
	cart := updated[0]
	if cart.Contents.ID != s.Cart.Contents.ID {
		return mandates.CartMandate{}, pkgerrors.Newf(pkgerrors.CodeDownstream, "merchant returned cart %s for %s", cart.Contents.ID, s.Cart.Contents.ID)
	}
	if err := c.verifyCart(cart); err != nil {
		return mandates.CartMandate{}, err
	}
	var risk string
	if found, err := envelope.FindData(t.Artifacts, envelope.KeyRiskData, &risk); err == nil && found {
		s.RiskData = risk
	}
	s.Cart = &cart
	s.ShippingAddress = &addr
	return cart, nil
}

// GetPaymentMethods lists the aliases of the user's stored methods that
// the chosen cart accepts.
func (c *Client) GetPaymentMethods(ctx context.Context, s *Session, email string) ([]string, error) {
	if s.Cart == nil {
		return nil, missing("chosen cart")
	}
	msg, err := c.credentialsMessage(s, credentials.OpSearchPaymentMethods).
		AddData(envelope.KeyUserEmail, email).
		AddData(envelope.KeyPaymentMethodData, s.Cart.Contents.PaymentRequest.MethodData).
		Build()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build search_payment_methods message")
	}
	t, err := c.call(ctx, c.credentialsURL, msg)
	if err != nil {
		return nil, err
	}
	var aliases []string
	if _, err := envelope.FindData(t.Artifacts, envelope.KeyPaymentMethodAliases, &aliases); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "decode payment method aliases")
	}
	return aliases, nil
}

// GetCredentialToken asks the credentials provider for a token standing in
// for the method behind alias.
func (c *Client) GetCredentialToken(ctx context.Context, s *Session, email, alias string) (mandates.CredentialToken, error) {
	msg, err := c.credentialsMessage(s, credentials.OpCreateCredentialToken).
		AddData(envelope.KeyUserEmail, email).
		AddData(envelope.KeyPaymentMethodAlias, alias).
		Build()
	if err != nil {
		return mandates.CredentialToken{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build create_payment_credential_token message")
	}
	t, err := c.call(ctx, c.credentialsURL, msg)
	if err != nil {
		return mandates.CredentialToken{}, err
	}
	var token mandates.CredentialToken
	found, err := envelope.FindData(t.Artifacts, envelope.KeyToken, &token)
	if err != nil {
		return mandates.CredentialToken{}, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "decode credential token")
	}
	if !found || token.Value == "" {
		return mandates.CredentialToken{}, pkgerrors.New(pkgerrors.CodeDownstream, "credentials provider returned no token")
	}
	s.Token = &token
	return token, nil
}

// CreatePaymentMandate drafts an unsigned payment mandate for the chosen
// cart and token.
func (c *Client) CreatePaymentMandate(s *Session, email string) (mandates.PaymentMandate, error) {
	if s.Cart == nil {
		return mandates.PaymentMandate{}, missing("chosen cart")
	}
	if s.Token == nil {
		return mandates.PaymentMandate{}, missing("credential token")
	}
	details := s.Cart.Contents.PaymentRequest.Details
	pm := mandates.PaymentMandate{
		PaymentMandateContents: mandates.PaymentMandateContents{
			PaymentMandateID:    uuid.NewString(),
			PaymentDetailsID:    details.ID,
			PaymentDetailsTotal: details.Total,
			PaymentResponse: mandates.PaymentResponse{
				RequestID:       details.ID,
				MethodName:      cardMethod,
				Details:         map[string]any{"token": *s.Token},
				ShippingAddress: s.ShippingAddress,
				PayerEmail:      email,
			},
			MerchantAgent: s.Cart.Contents.MerchantName,
			Timestamp:     c.now().UTC(),
		},
	}
	if err := pm.Validate(); err != nil {
		return mandates.PaymentMandate{}, err
	}
	s.PaymentMandate = &pm
	s.Signed = nil
	return pm, nil
}

// SignMandatesOnUserDevice stands in for the user's secure device. The
// authorization binds the draft to the exact cart it pays for.
func (c *Client) SignMandatesOnUserDevice(s *Session) (mandates.PaymentMandate, error) {
	if s.PaymentMandate == nil {
		return mandates.PaymentMandate{}, missing("payment mandate")
	}
	if s.Cart == nil {
		return mandates.PaymentMandate{}, missing("chosen cart")
	}
	signed, err := auth.SignPaymentMandate(c.signing, c.now().UTC(), *s.Cart, s.PaymentMandate.PaymentMandateContents)
	if err != nil {
		return mandates.PaymentMandate{}, err
	}
	s.Signed = &signed
	return signed, nil
}

// SendSignedPaymentMandate lets the credentials provider bind the token to
// the signed mandate.
func (c *Client) SendSignedPaymentMandate(ctx context.Context, s *Session) error {
	if s.Signed == nil {
		return missing("signed payment mandate")
	}
	msg, err := c.credentialsMessage(s, credentials.OpHandleSignedPaymentMandate).
		AddData(envelope.KeyPaymentMandate, *s.Signed).
		AddData(envelope.KeyRiskData, riskValue(s.RiskData)).
		Build()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build handle_signed_payment_mandate message")
	}
	_, err = c.call(ctx, c.credentialsURL, msg)
	return err
}

// InitiatePayment hands the signed mandate to the merchant. The outcome is
// usually a challenge to answer with InitiatePaymentWithOTP.
func (c *Client) InitiatePayment(ctx context.Context, s *Session) (PaymentOutcome, error) {
	if s.Signed == nil {
		return PaymentOutcome{}, missing("signed payment mandate")
	}
	msg, err := c.merchantMessage(s, "", merchant.OpInitiatePayment).
		AddData(envelope.KeyPaymentMandate, *s.Signed).
		AddData(envelope.KeyRiskData, riskValue(s.RiskData)).
		Build()
	if err != nil {
		return PaymentOutcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build initiate_payment message")
	}
	t, err := c.call(ctx, c.merchantURL, msg)
	if err != nil {
		return PaymentOutcome{}, err
	}
	s.PaymentTaskID = t.ID
	return c.outcome(ctx, t)
}

// InitiatePaymentWithOTP answers the pending challenge on the payment task.
// A wrong code leaves the task waiting for another attempt.
func (c *Client) InitiatePaymentWithOTP(ctx context.Context, s *Session, code string) (PaymentOutcome, error) {
	if s.Signed == nil {
		return PaymentOutcome{}, missing("signed payment mandate")
	}
	if s.PaymentTaskID == "" {
		return PaymentOutcome{}, pkgerrors.New(pkgerrors.CodeStateConflict, "no payment is waiting for a challenge response")
	}
	msg, err := c.merchantMessage(s, s.PaymentTaskID, merchant.OpInitiatePayment+" with challenge response").
		AddData(envelope.KeyPaymentMandate, *s.Signed).
		AddData(envelope.KeyChallengeResponse, strings.TrimSpace(code)).
		AddData(envelope.KeyRiskData, riskValue(s.RiskData)).
		Build()
	if err != nil {
		return PaymentOutcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build challenge response message")
	}
	t, err := c.call(ctx, c.merchantURL, msg)
	if err != nil {
		return PaymentOutcome{}, err
	}
	return c.outcome(ctx, t)
}

func (c *Client) outcome(ctx context.Context, t *task.Task) (PaymentOutcome, error) {
	out := PaymentOutcome{TaskID: t.ID, State: t.Status.State, Text: t.StatusText()}
	var prompt challenge.Challenge
	if found, err := envelope.FindData(t.Artifacts, envelope.KeyChallenge, &prompt); err == nil && found {
		out.Challenge = &prompt
	}
	var receipt processor.Receipt
	found, err := envelope.FindData(t.Artifacts, envelope.KeyPaymentReceipt, &receipt)
	if err != nil {
		return PaymentOutcome{}, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "decode payment receipt")
	}
	if found {
		out.Receipt = &receipt
	}
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"task_id": t.ID,
		"state":   t.Status.State,
	}), "shopper.payment_status")
	return out, nil
}

// call sends msg and turns failed or canceled tasks into errors.
func (c *Client) call(ctx context.Context, peer string, msg envelope.Message) (*task.Task, error) {
	t, err := c.sender.Send(ctx, peer, msg)
	if err != nil {
		return nil, err
	}
	if err := remote.TaskError(peer, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Client) merchantMessage(s *Session, taskID, text string) *envelope.Builder {
	b := envelope.NewMessage(envelope.RoleUser).
		WithContextID(s.ContextID).
		WithTaskID(taskID).
		AddText(text).
		AddData(envelope.KeyShoppingAgentID, c.agentID)
	if c.debug {
		b.AddData(envelope.KeyDebugMode, true)
	}
	return b
}

func (c *Client) credentialsMessage(s *Session, text string) *envelope.Builder {
	b := envelope.NewMessage(envelope.RoleUser).
		WithContextID(s.ContextID).
		AddText(text)
	if c.debug {
		b.AddData(envelope.KeyDebugMode, true)
	}
	return b
}

func (c *Client) verifyCart(cart mandates.CartMandate) error {
	if c.signing.MerchantSecret == "" {
		return cart.Validate()
	}
	_, err := auth.VerifyCartMandate(c.signing, c.now().UTC(), cart)
	return err
}

func cartsIn(artifacts []envelope.Artifact) []mandates.CartMandate {
	var out []mandates.CartMandate
	for _, artifact := range artifacts {
		var cart mandates.CartMandate
		found, err := envelope.FindData([]envelope.Artifact{artifact}, envelope.KeyCartMandate, &cart)
		if err == nil && found {
			out = append(out, cart)
		}
	}
	return out
}

// riskValue keeps empty risk data out of the message.
func riskValue(risk string) any {
	if risk == "" {
		return nil
	}
	return risk
}

func missing(what string) error {
	return pkgerrors.Newf(pkgerrors.CodeStateConflict, "no %s in the shopping session", what).
		WithDetails(map[string]any{"missing": what})
}
