package shopper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/auth"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

const (
	merchantURL    = "http://merchant.test"
	credentialsURL = "http://credentials.test"
	userEmail      = "a@b.com"
)

var (
	testNow     = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	testSigning = config.SigningConfig{MerchantSecret: "merchant-secret", UserSecret: "user-secret", Issuer: "ap2-agents"}
	home        = mandates.ContactAddress{
		Recipient:   "Jane Doe",
		AddressLine: []string{"1 Market St"},
		City:        "San Francisco",
		Region:      "CA",
		PostalCode:  "94105",
		Country:     "US",
	}
)

type sentCall struct {
	baseURL string
	msg     envelope.Message
	payload *envelope.Payload
}

type fakePeers struct {
	mu    sync.Mutex
	calls []sentCall
	reply func(call sentCall) (*task.Task, error)
}

func (f *fakePeers) Send(_ context.Context, baseURL string, msg envelope.Message) (*task.Task, error) {
	p, err := envelope.Parse(msg)
	if err != nil {
		return nil, err
	}
	call := sentCall{baseURL: baseURL, msg: msg, payload: p}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.reply(call)
}

func (f *fakePeers) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

func newClient(t *testing.T, peers *fakePeers) *Client {
	t.Helper()
	c, err := New(Params{
		Sender:         peers,
		MerchantURL:    merchantURL + "/",
		CredentialsURL: credentialsURL,
		Signing:        testSigning,
		Now:            func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return c
}

func signedCart(t *testing.T, id string, addr *mandates.ContactAddress) mandates.CartMandate {
	t.Helper()
	contents := mandates.CartContents{
		ID:           id,
		MerchantName: "Generic Merchant",
		CartExpiry:   testNow.Add(30 * time.Minute),
		PaymentRequest: mandates.PaymentRequest{
			MethodData: []mandates.PaymentMethodData{{SupportedMethods: "CARD", Data: map[string]any{"network": []string{"amex"}}}},
			Details: mandates.PaymentDetailsInit{
				ID:    "order_" + id,
				Total: mandates.NewPaymentItem("Total", mandates.MustAmount("USD", "0")),
			},
		},
	}
	items := []mandates.PaymentItem{mandates.NewPaymentItem("Shoes", mandates.MustAmount("USD", "10.00"))}
	if addr != nil {
		contents = contents.WithShippingAddress(*addr)
		items = append(items, mandates.NewPaymentItem("Shipping", mandates.MustAmount("USD", "2.00")))
	}
	cart, err := auth.SignCartMandate(testSigning, testNow, contents.WithDisplayItems(items))
	require.NoError(t, err)
	return cart
}

func artifact(t *testing.T, name, key string, value any) envelope.Artifact {
	t.Helper()
	a, err := envelope.NewArtifact(name, map[string]any{key: value})
	require.NoError(t, err)
	return a
}

func reply(id string, state enums.TaskState, text string, artifacts ...envelope.Artifact) *task.Task {
	tk := &task.Task{
		ID:        id,
		ContextID: "ctx-shop",
		Kind:      "task",
		Status:    task.Status{State: state, Timestamp: testNow},
		Artifacts: artifacts,
	}
	if text != "" {
		msg := envelope.NewAgentText(text, tk.ContextID, id)
		tk.Status.Message = &msg
	}
	return tk
}

// scriptedPeers plays merchant and credentials provider for one purchase.
func scriptedPeers(t *testing.T) *fakePeers {
	t.Helper()
	offered := []mandates.CartMandate{signedCart(t, "cart_1", nil), signedCart(t, "cart_2", nil)}
	updated := signedCart(t, "cart_2", &home)
	token := mandates.CredentialToken{Value: "tok-1", URL: credentialsURL}

	peers := &fakePeers{}
	peers.reply = func(call sentCall) (*task.Task, error) {
		p := call.payload
		switch call.msg.FirstText() {
		case "find_items":
			assert.Equal(t, merchantURL, call.baseURL)
			assert.Equal(t, DefaultAgentID, p.ShoppingAgentID)
			require.NotNil(t, p.IntentMandate)
			return reply("t-find", enums.TaskStateCompleted, "",
				artifact(t, "cart_mandate", envelope.KeyCartMandate, offered[0]),
				artifact(t, "cart_mandate", envelope.KeyCartMandate, offered[1]),
				artifact(t, "risk_data", envelope.KeyRiskData, "risk-1"),
			), nil
		case "update_cart":
			assert.Equal(t, "cart_2", p.CartID)
			require.NotNil(t, p.ShippingAddress)
			return reply("t-update", enums.TaskStateCompleted, "",
				artifact(t, "cart_mandate", envelope.KeyCartMandate, updated),
				artifact(t, "risk_data", envelope.KeyRiskData, "risk-1"),
			), nil
		case "get_shipping_address":
			assert.Equal(t, credentialsURL, call.baseURL)
			return reply("t-addr", enums.TaskStateCompleted, "",
				artifact(t, "shipping_address", envelope.KeyContactAddress, home)), nil
		case "search_payment_methods":
			assert.Equal(t, userEmail, p.UserEmail)
			require.Len(t, p.PaymentMethods, 1)
			return reply("t-search", enums.TaskStateCompleted, "",
				artifact(t, "payment_methods", envelope.KeyPaymentMethodAliases, []string{"amex-1"})), nil
		case "create_payment_credential_token":
			assert.Equal(t, "amex-1", p.PaymentMethodAlias)
			return reply("t-token", enums.TaskStateCompleted, "",
				artifact(t, "credential_token", envelope.KeyToken, token)), nil
		case "handle_signed_payment_mandate":
			require.NotNil(t, p.PaymentMandate)
			assert.True(t, p.PaymentMandate.IsSigned())
			return reply("t-bind", enums.TaskStateCompleted, "Payment mandate accepted."), nil
		case "initiate_payment":
			assert.Empty(t, call.msg.TaskID)
			assert.Equal(t, "risk-1", p.RiskData)
			require.NotNil(t, p.PaymentMandate)
			require.NoError(t, auth.VerifyPaymentForCart(testSigning, testNow, *p.PaymentMandate, updated))
			return reply("pay-task", enums.TaskStateInputRequired, "Please provide the challenge response.",
				artifact(t, "challenge", envelope.KeyChallenge, map[string]any{"type": "otp", "display_text": "Enter the code"})), nil
		case "initiate_payment with challenge response":
			assert.Equal(t, "pay-task", call.msg.TaskID)
			if p.ChallengeResponse != "123" {
				return reply("pay-task", enums.TaskStateInputRequired, "Incorrect challenge response."), nil
			}
			return reply("pay-task", enums.TaskStateCompleted, "Payment successful.",
				artifact(t, "payment_receipt", envelope.KeyPaymentReceipt, map[string]any{
					"payment_mandate_id": p.PaymentMandate.PaymentMandateContents.PaymentMandateID,
					"payment_status":     "SUCCESS",
					"transaction_id":     "txn_1",
				})), nil
		}
		t.Fatalf("unexpected message %q", call.msg.FirstText())
		return nil, nil
	}
	return peers
}

func TestPurchaseFlow(t *testing.T) {
	peers := scriptedPeers(t)
	c := newClient(t, peers)
	ctx := context.Background()
	s := NewSession("ctx-shop")

	_, err := c.CreateIntentMandate(s, IntentRequest{Description: "buy shoes"})
	require.NoError(t, err)

	offered, err := c.FindProducts(ctx, s)
	require.NoError(t, err)
	require.Len(t, offered, 2)
	assert.Equal(t, "risk-1", s.RiskData)

	_, err = c.ChooseCart(s, "cart_2")
	require.NoError(t, err)

	addr, err := c.ShippingAddress(ctx, s, userEmail)
	require.NoError(t, err)
	require.NotNil(t, addr)

	cart, err := c.UpdateChosenCart(ctx, s, *addr)
	require.NoError(t, err)
	assert.True(t, mandates.MustAmount("USD", "12.00").Value.Equal(cart.Contents.PaymentRequest.Details.Total.Amount.Value))

	aliases, err := c.GetPaymentMethods(ctx, s, userEmail)
	require.NoError(t, err)
	require.Equal(t, []string{"amex-1"}, aliases)

	token, err := c.GetCredentialToken(ctx, s, userEmail, aliases[0])
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.Value)

	draft, err := c.CreatePaymentMandate(s, userEmail)
	require.NoError(t, err)
	assert.False(t, draft.IsSigned())
	assert.Equal(t, cart.Contents.PaymentRequest.Details.ID, draft.PaymentMandateContents.PaymentDetailsID)

	signed, err := c.SignMandatesOnUserDevice(s)
	require.NoError(t, err)
	require.True(t, signed.IsSigned())

	require.NoError(t, c.SendSignedPaymentMandate(ctx, s))

	pending, err := c.InitiatePayment(ctx, s)
	require.NoError(t, err)
	require.True(t, pending.NeedsChallenge())
	require.NotNil(t, pending.Challenge)
	assert.Equal(t, "otp", pending.Challenge.Type)
	assert.Equal(t, "pay-task", s.PaymentTaskID)

	wrong, err := c.InitiatePaymentWithOTP(ctx, s, "000")
	require.NoError(t, err)
	assert.True(t, wrong.NeedsChallenge())
	assert.Contains(t, wrong.Text, "Incorrect")

	paid, err := c.InitiatePaymentWithOTP(ctx, s, " 123 ")
	require.NoError(t, err)
	require.True(t, paid.Completed())
	require.NotNil(t, paid.Receipt)
	assert.Equal(t, signed.PaymentMandateContents.PaymentMandateID, paid.Receipt.PaymentMandateID)
	assert.Equal(t, "SUCCESS", paid.Receipt.PaymentStatus)

	for _, call := range peers.sent() {
		assert.Equal(t, "ctx-shop", call.msg.ContextID)
		if call.baseURL == merchantURL {
			assert.Equal(t, DefaultAgentID, call.payload.ShoppingAgentID)
		} else {
			assert.Empty(t, call.payload.ShoppingAgentID)
		}
	}
}

func TestFindProductsDropsForgedCarts(t *testing.T) {
	genuine := signedCart(t, "cart_1", nil)
	forged := signedCart(t, "cart_2", nil)
	forged.Contents.PaymentRequest.Details.DisplayItems[0].Amount = mandates.MustAmount("USD", "0.01")
	forged.Contents.PaymentRequest.Details.Total.Amount = mandates.MustAmount("USD", "0.01")

	peers := &fakePeers{reply: func(sentCall) (*task.Task, error) {
		return reply("t-find", enums.TaskStateCompleted, "",
			artifact(t, "cart_mandate", envelope.KeyCartMandate, genuine),
			artifact(t, "cart_mandate", envelope.KeyCartMandate, forged),
		), nil
	}}
	c := newClient(t, peers)
	s := NewSession("")
	assert.NotEmpty(t, s.ContextID)
	_, err := c.CreateIntentMandate(s, IntentRequest{Description: "buy shoes"})
	require.NoError(t, err)

	offered, err := c.FindProducts(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, offered, 1)
	assert.Equal(t, "cart_1", offered[0].Contents.ID)

	_, err = c.ChooseCart(s, "cart_2")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestFailedTaskBecomesError(t *testing.T) {
	peers := &fakePeers{reply: func(sentCall) (*task.Task, error) {
		tk := reply("t-find", enums.TaskStateFailed, task.FailurePrefix+"intent_mandate.intent_expiry has passed")
		tk.SetMetadata(task.MetadataErrorCode, string(pkgerrors.CodeValidation))
		return tk, nil
	}}
	c := newClient(t, peers)
	s := NewSession("ctx-shop")
	_, err := c.CreateIntentMandate(s, IntentRequest{Description: "buy shoes"})
	require.NoError(t, err)

	offered, err := c.FindProducts(context.Background(), s)
	require.Error(t, err)
	assert.Nil(t, offered)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	assert.Contains(t, err.Error(), "intent_expiry has passed")
	assert.Nil(t, s.Offered)
}

func TestStepsNeedSessionState(t *testing.T) {
	peers := &fakePeers{reply: func(call sentCall) (*task.Task, error) {
		t.Fatalf("unexpected call %q", call.msg.FirstText())
		return nil, nil
	}}
	c := newClient(t, peers)
	ctx := context.Background()
	s := NewSession("ctx-shop")

	_, err := c.FindProducts(ctx, s)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	_, err = c.UpdateChosenCart(ctx, s, home)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	_, err = c.GetPaymentMethods(ctx, s, userEmail)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	_, err = c.CreatePaymentMandate(s, userEmail)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	_, err = c.SignMandatesOnUserDevice(s)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	assert.True(t, pkgerrors.Is(c.SendSignedPaymentMandate(ctx, s), pkgerrors.CodeStateConflict))
	_, err = c.InitiatePayment(ctx, s)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))

	s.Signed = &mandates.PaymentMandate{UserAuthorization: "x"}
	_, err = c.InitiatePaymentWithOTP(ctx, s, "123")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	assert.Empty(t, peers.sent())
}

func TestCreateIntentMandate(t *testing.T) {
	c := newClient(t, &fakePeers{})
	s := NewSession("ctx-shop")

	intent, err := c.CreateIntentMandate(s, IntentRequest{
		Description:           "  running shoes  ",
		SKUs:                  []string{"SHOE-1"},
		RequiresRefundability: true,
		SkipCartConfirmation:  true,
		TTL:                   time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "running shoes", intent.NaturalLanguageDescription)
	assert.Equal(t, []string{"SHOE-1"}, intent.SKUs)
	assert.True(t, intent.RequiresRefundability)
	assert.False(t, intent.UserCartConfirmationRequired)
	assert.Equal(t, testNow.Add(time.Hour), intent.IntentExpiry)
	require.NotNil(t, s.Intent)

	_, err = c.CreateIntentMandate(NewSession("other"), IntentRequest{Description: " "})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestNewValidatesParams(t *testing.T) {
	_, err := New(Params{MerchantURL: merchantURL, CredentialsURL: credentialsURL})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInternal))
	_, err = New(Params{Sender: &fakePeers{}, CredentialsURL: credentialsURL})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInternal))
	_, err = New(Params{Sender: &fakePeers{}, MerchantURL: merchantURL})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInternal))

	cfg := &config.Config{Peers: config.PeersConfig{URLs: config.URLMap{
		config.ServiceKindMerchant:            merchantURL,
		config.ServiceKindCredentialsProvider: credentialsURL,
	}}}
	p, err := ParamsFromConfig(cfg, &fakePeers{}, nil)
	require.NoError(t, err)
	assert.Equal(t, merchantURL, p.MerchantURL)
	assert.Equal(t, credentialsURL, p.CredentialsURL)

	_, err = ParamsFromConfig(&config.Config{}, &fakePeers{}, nil)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInternal))
}
