package merchant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/carts"
	"github.com/angelmondragon/ap2-agents/internal/orchestrator"
	"github.com/angelmondragon/ap2-agents/internal/remote"
	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/auth"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"github.com/google/uuid"
)

const (
	OpFindItems       = "find_items"
	OpUpdateCart      = "update_cart"
	OpInitiatePayment = "initiate_payment"
	OpDPCFinish       = "dpc_finish"

	metadataProcessorTaskID = "processor_task_id"
	metadataProcessorURL    = "processor_url"

	cartSequence        = "cart"
	orderSequence       = "order"
	defaultCartLifetime = 30 * time.Minute
)

// acceptedNetworks are the card networks offered on every cart.
var acceptedNetworks = []string{"mastercard", "paypal", "amex"}

// Params wires the merchant agent.
type Params struct {
	Config     config.MerchantConfig
	Signing    config.SigningConfig
	Processors map[string]string
	Carts      carts.Store
	Sequence   carts.Sequence
	Catalog    *Catalog
	Pricing    PricingRule
	Sender     remote.Sender
	Logger     *logger.Logger
}

// Agent implements the merchant operations.
type Agent struct {
	name       string
	currency   string
	cartTTL    time.Duration
	signing    config.SigningConfig
	processors map[string]string
	carts      carts.Store
	seq        carts.Sequence
	catalog    *Catalog
	pricing    PricingRule
	sender     remote.Sender
	logg       *logger.Logger
}

// NewAgent validates p and falls back to the default catalog and flat pricing.
func NewAgent(p Params) (*Agent, error) {
	if p.Carts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart store required")
	}
	if p.Sender == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "remote sender required")
	}
	if p.Sequence == nil {
		p.Sequence = carts.NewMemorySequence()
	}
	if p.Catalog == nil {
		p.Catalog = DefaultCatalog()
	}
	if p.Config.Name == "" {
		p.Config.Name = "Generic Merchant"
	}
	if p.Config.Currency == "" {
		p.Config.Currency = "USD"
	}
	if p.Config.CartTTL <= 0 {
		p.Config.CartTTL = defaultCartLifetime
	}
	if p.Pricing == nil {
		rule, err := NewFlatRate(p.Config)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "pricing")
		}
		p.Pricing = rule
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	processors := map[string]string{}
	for method, url := range p.Processors {
		processors[strings.ToUpper(strings.TrimSpace(method))] = strings.TrimRight(url, "/")
	}
	return &Agent{
		name:       p.Config.Name,
		currency:   p.Config.Currency,
		cartTTL:    p.Config.CartTTL,
		signing:    p.Signing,
		processors: processors,
		carts:      p.Carts,
		seq:        p.Sequence,
		catalog:    p.Catalog,
		pricing:    p.Pricing,
		sender:     p.Sender,
		logg:       p.Logger,
	}, nil
}

// Operations is the merchant operation table.
func (a *Agent) Operations() []orchestrator.Operation {
	return []orchestrator.Operation{
		{
			Name:        OpFindItems,
			Description: "Finds catalog items matching an intent mandate and returns signed cart mandates.",
			Keywords:    []string{"find", "search", "intent", "buy", "shop"},
			Handler:     a.FindItems,
		},
		{
			Name:        OpUpdateCart,
			Description: "Applies a shipping address to a cart, adding shipping and tax.",
			Keywords:    []string{"shipping", "address", "update"},
			Handler:     a.UpdateCart,
		},
		{
			Name:        OpInitiatePayment,
			Description: "Relays a signed payment mandate to the payment processor.",
			Keywords:    []string{"pay", "payment", "purchase", "challenge"},
			Handler:     a.InitiatePayment,
		},
		{
			Name:        OpDPCFinish,
			Description: "Finalizes a digital payment credential response.",
			Keywords:    []string{"dpc"},
			Handler:     a.DPCFinish,
		},
	}
}

// FindItems turns the matching catalog items into one signed cart each and
// records risk data for the conversation.
func (a *Agent) FindItems(ctx context.Context, ex *orchestrator.Exchange) error {
	intent := ex.Payload.IntentMandate
	if intent == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyIntentMandate+" is required")
	}
	if !intent.AllowsMerchant(a.name) {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "intent mandate does not allow merchant %q", a.name)
	}

	items := a.catalog.Match(*intent)
	for _, item := range items {
		cart, err := a.newCart(ctx, item, ex.Now)
		if err != nil {
			return err
		}
		if err := a.carts.Put(ctx, cart.Contents.ID, cart); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store cart")
		}
		if err := ex.AddData("cart_mandate", map[string]any{envelope.KeyCartMandate: cart}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach cart")
		}
	}

	risk, err := a.collectRiskData(ctx, ex)
	if err != nil {
		return err
	}
	if err := ex.AddData(envelope.KeyRiskData, map[string]any{envelope.KeyRiskData: risk}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach risk data")
	}

	a.logg.Info(a.logg.WithField(ctx, "carts", len(items)), "merchant.items_found")
	if len(items) == 0 {
		ex.Complete("No items matched the request.")
		return nil
	}
	ex.Complete(fmt.Sprintf("Found %d matching item(s).", len(items)))
	return nil
}

func (a *Agent) newCart(ctx context.Context, item CatalogItem, now time.Time) (mandates.CartMandate, error) {
	amount, err := item.Amount(a.currency)
	if err != nil {
		return mandates.CartMandate{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "catalog price")
	}
	cartN, err := a.seq.Next(ctx, cartSequence)
	if err != nil {
		return mandates.CartMandate{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "allocate cart id")
	}
	orderN, err := a.seq.Next(ctx, orderSequence)
	if err != nil {
		return mandates.CartMandate{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "allocate order id")
	}

	networks := make([]any, 0, len(acceptedNetworks))
	for _, n := range acceptedNetworks {
		networks = append(networks, n)
	}
	line := mandates.NewPaymentItem(item.Label, amount)
	line.RefundPeriod = item.RefundPeriod()
	contents := mandates.CartContents{
		ID:                           fmt.Sprintf("cart_%d", cartN),
		UserCartConfirmationRequired: true,
		MerchantName:                 a.name,
		CartExpiry:                   now.Add(a.cartTTL).UTC(),
		PaymentRequest: mandates.PaymentRequest{
			MethodData: []mandates.PaymentMethodData{{
				SupportedMethods: enums.PaymentMethodTypeCard.String(),
				Data:             map[string]any{"network": networks},
			}},
			Details: mandates.PaymentDetailsInit{
				ID:    fmt.Sprintf("order_%d", orderN),
				Total: mandates.NewPaymentItem("Total", mandates.PaymentCurrencyAmount{Currency: amount.Currency}),
			},
			Options: mandates.DefaultPaymentOptions(),
		},
	}
	contents = contents.WithDisplayItems([]mandates.PaymentItem{line})
	return auth.SignCartMandate(a.signing, now, contents)
}

func (a *Agent) collectRiskData(ctx context.Context, ex *orchestrator.Exchange) (string, error) {
	if existing, ok, err := a.carts.RiskData(ctx, ex.ContextID()); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load risk data")
	} else if ok {
		return existing, nil
	}
	signals, err := json.Marshal(map[string]any{
		"context_id":   ex.ContextID(),
		"merchant":     a.name,
		"collected_at": ex.Now.UTC().Format(time.RFC3339),
		"device_id":    uuid.NewString(),
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode risk data")
	}
	risk := base64.RawURLEncoding.EncodeToString(signals)
	if err := a.carts.PutRiskData(ctx, ex.ContextID(), risk); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store risk data")
	}
	return risk, nil
}

// UpdateCart applies the shipping address, replaces the pricing lines and
// re-signs the cart. The read-modify-write is atomic per cart id.
func (a *Agent) UpdateCart(ctx context.Context, ex *orchestrator.Exchange) error {
	cartID := ex.Payload.CartID
	if cartID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyCartID+" is required")
	}
	addr, err := shippingAddress(ex.Payload)
	if err != nil {
		return err
	}

	updated, err := a.carts.Update(ctx, cartID, func(current mandates.CartMandate) (mandates.CartMandate, error) {
		if current.Contents.Expired(ex.Now) {
			return mandates.CartMandate{}, pkgerrors.Newf(pkgerrors.CodeValidation, "cart %s has expired", cartID).
				WithDetails(map[string]any{"field": "cart_expiry"})
		}
		contents := current.Contents.WithShippingAddress(addr)
		adjustments, err := a.pricing.Adjustments(ctx, contents, addr)
		if err != nil {
			return mandates.CartMandate{}, err
		}
		items := applyAdjustments(contents.PaymentRequest.Details.DisplayItems, adjustments)
		return auth.SignCartMandate(a.signing, ex.Now, contents.WithDisplayItems(items))
	})
	if err != nil {
		return err
	}

	if err := ex.AddData("cart_mandate", map[string]any{envelope.KeyCartMandate: updated}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach cart")
	}
	risk, ok, err := a.carts.RiskData(ctx, ex.ContextID())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load risk data")
	}
	if ok {
		if err := ex.AddData(envelope.KeyRiskData, map[string]any{envelope.KeyRiskData: risk}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach risk data")
		}
	}
	ex.Complete("Cart " + cartID + " updated.")
	return nil
}

// shippingAddress reads the canonical address key, falling back to the
// plain shipping_address key older shopping agents send.
func shippingAddress(p *envelope.Payload) (mandates.ContactAddress, error) {
	if p.ShippingAddress != nil && !p.ShippingAddress.IsZero() {
		return *p.ShippingAddress, nil
	}
	if raw, ok := p.Extra["shipping_address"]; ok {
		var addr mandates.ContactAddress
		if err := json.Unmarshal(raw, &addr); err != nil {
			return mandates.ContactAddress{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "shipping_address is malformed").
				WithDetails(map[string]any{"field": "shipping_address"})
		}
		if !addr.IsZero() {
			return addr, nil
		}
	}
	return mandates.ContactAddress{}, pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyContactAddress+" is required")
}

// InitiatePayment checks the payment against the stored cart and relays it
// to the processor for its payment method. A follow-up on the same task
// carries the challenge response to the same processor task.
func (a *Agent) InitiatePayment(ctx context.Context, ex *orchestrator.Exchange) error {
	if ex.Resumed() && ex.Metadata(metadataProcessorTaskID) != "" {
		return a.continuePayment(ctx, ex)
	}

	pm := ex.Payload.PaymentMandate
	if pm == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyPaymentMandate+" is required")
	}
	claims, err := auth.VerifyPaymentMandate(a.signing, ex.Now, *pm)
	if err != nil {
		return err
	}
	cart, err := a.carts.Get(ctx, claims.CartID)
	if err != nil {
		return err
	}
	if err := auth.VerifyPaymentForCart(a.signing, ex.Now, *pm, *cart); err != nil {
		return err
	}

	risk := ex.Payload.RiskData
	if risk == "" {
		stored, ok, err := a.carts.RiskData(ctx, ex.ContextID())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load risk data")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyRiskData+" is required")
		}
		risk = stored
	}

	method := pm.PaymentMandateContents.PaymentResponse.MethodName
	processorURL, ok := a.processors[strings.ToUpper(method)]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "no payment processor found for method %q", method)
	}

	msg, err := envelope.NewMessage(envelope.RoleAgent).
		WithContextID(ex.ContextID()).
		AddText(OpInitiatePayment).
		AddData(envelope.KeyPaymentMandate, pm).
		AddData(envelope.KeyRiskData, risk).
		AddData(envelope.KeyDebugMode, ex.Payload.DebugMode).
		Build()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build processor message")
	}
	return a.relay(ctx, ex, processorURL, msg)
}

func (a *Agent) continuePayment(ctx context.Context, ex *orchestrator.Exchange) error {
	if ex.Payload.ChallengeResponse == "" {
		ex.RequireInput("Please provide the challenge response to complete the payment.")
		return nil
	}
	b := envelope.NewMessage(envelope.RoleAgent).
		WithContextID(ex.ContextID()).
		WithTaskID(ex.Metadata(metadataProcessorTaskID)).
		AddText(OpInitiatePayment).
		AddData(envelope.KeyChallengeResponse, ex.Payload.ChallengeResponse).
		AddData(envelope.KeyDebugMode, ex.Payload.DebugMode)
	if pm := ex.Payload.PaymentMandate; pm != nil {
		b = b.AddData(envelope.KeyPaymentMandate, pm)
	}
	msg, err := b.Build()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build processor message")
	}
	return a.relay(ctx, ex, ex.Metadata(metadataProcessorURL), msg)
}

// relay sends msg to the processor and mirrors the resulting task status.
func (a *Agent) relay(ctx context.Context, ex *orchestrator.Exchange, processorURL string, msg envelope.Message) error {
	ctx = a.logg.WithField(ctx, "processor", processorURL)
	remoteTask, err := a.sender.Send(ctx, processorURL, msg)
	if err != nil {
		return err
	}
	if err := remote.TaskError(processorURL, remoteTask); err != nil {
		return err
	}

	ex.SetMetadata(metadataProcessorTaskID, remoteTask.ID)
	ex.SetMetadata(metadataProcessorURL, processorURL)
	for _, artifact := range remoteTask.Artifacts {
		ex.MergeArtifact(artifact)
	}
	a.logg.Info(a.logg.WithField(ctx, "processor_state", remoteTask.Status.State.String()), "merchant.payment_relayed")

	if remoteTask.Status.State == enums.TaskStateCompleted {
		ex.Complete(statusOr(remoteTask, "Payment completed."))
		return nil
	}
	ex.RequireInput(statusOr(remoteTask, "Please provide the challenge response to complete the payment."))
	return nil
}

func statusOr(t *task.Task, fallback string) string {
	if text := t.StatusText(); text != "" {
		return text
	}
	return fallback
}

// DPCFinish accepts a digital payment credential response and reports the
// payment as settled.
func (a *Agent) DPCFinish(ctx context.Context, ex *orchestrator.Exchange) error {
	raw, ok := ex.Payload.Extra[envelope.KeyDPCResponse]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyDPCResponse+" is required")
	}
	a.logg.Info(a.logg.WithField(ctx, "dpc_response_bytes", len(raw)), "merchant.dpc_received")

	if err := ex.AddData("payment_result", map[string]any{
		envelope.KeyPaymentStatus: "SUCCESS",
		envelope.KeyTransactionID: "txn_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach payment result")
	}
	ex.Complete("Payment finalized.")
	return nil
}
