package processor

import (
	"context"
	"strings"

	"github.com/angelmondragon/ap2-agents/internal/challenge"
	"github.com/angelmondragon/ap2-agents/internal/orchestrator"
	"github.com/angelmondragon/ap2-agents/internal/remote"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	OpInitiatePayment = "initiate_payment"

	PaymentStatusSuccess = "SUCCESS"

	challengePrompt = "Please provide the challenge response to complete the payment."
	completedText   = "Payment processed successfully."
	credentialsText = "Give me the payment method credentials for the given token."
)

// Receipt is the artifact attached to a completed payment.
type Receipt struct {
	PaymentMandateID string `json:"payment_mandate_id"`
	PaymentStatus    string `json:"payment_status"`
	TransactionID    string `json:"transaction_id"`
}

// Params wires the payment processor.
type Params struct {
	Challenges *challenge.Service
	Sender     remote.Sender
	// CredentialsURL, when set, is the only credentials provider tokens
	// may be redeemed at.
	CredentialsURL string
	Logger         *logger.Logger
}

// Agent implements the payment processor operation.
type Agent struct {
	challenges     *challenge.Service
	sender         remote.Sender
	credentialsURL string
	fetches        singleflight.Group
	logg           *logger.Logger
}

// NewAgent returns a processor agent. Challenges and Sender are required.
func NewAgent(p Params) (*Agent, error) {
	if p.Challenges == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "challenge service required")
	}
	if p.Sender == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "remote sender required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	return &Agent{
		challenges:     p.Challenges,
		sender:         p.Sender,
		credentialsURL: strings.TrimRight(strings.TrimSpace(p.CredentialsURL), "/"),
		logg:           p.Logger,
	}, nil
}

// Operations exposes initiate_payment.
func (a *Agent) Operations() []orchestrator.Operation {
	return []orchestrator.Operation{{
		Name:        OpInitiatePayment,
		Description: "Authorizes a payment mandate, raising a challenge before settlement.",
		Keywords:    []string{"pay", "payment", "challenge", "purchase"},
		Handler:     a.InitiatePayment,
	}}
}

// InitiatePayment raises a challenge on the first request for a task and
// settles the payment once a follow-up answers it correctly.
func (a *Agent) InitiatePayment(ctx context.Context, ex *orchestrator.Exchange) error {
	if ex.Resumed() {
		return a.answer(ctx, ex)
	}

	pm := ex.Payload.PaymentMandate
	if pm == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, envelope.KeyPaymentMandate+" is required").
			WithDetails(map[string]any{"field": envelope.KeyPaymentMandate})
	}
	if _, ok := pm.Token(); !ok {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.payment_response.details.token is required").
			WithDetails(map[string]any{"field": "payment_response.details.token"})
	}

	issued, err := a.challenges.Issue(ctx, ex.TaskID(), *pm, ex.Payload.RiskData)
	if err != nil {
		return err
	}
	if err := ex.AddData("challenge", map[string]any{envelope.KeyChallenge: issued}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach challenge")
	}
	ex.RequireInput(challengePrompt)
	return nil
}

func (a *Agent) answer(ctx context.Context, ex *orchestrator.Exchange) error {
	if strings.TrimSpace(ex.Payload.ChallengeResponse) == "" {
		ex.RequireInput(challengePrompt)
		return nil
	}
	if pm := ex.Payload.PaymentMandate; pm != nil {
		rec, err := a.challenges.Lookup(ctx, ex.TaskID())
		if err != nil {
			return err
		}
		if rec.PaymentMandate.PaymentMandateContents.PaymentMandateID != pm.PaymentMandateContents.PaymentMandateID {
			if err := a.challenges.Fail(ctx, ex.TaskID()); err != nil {
				a.logg.Error(ctx, "challenge.fail", err)
			}
			return pkgerrors.New(pkgerrors.CodeValidation, "payment mandate does not match the challenged payment")
		}
	}

	rec, err := a.challenges.Verify(ctx, ex.TaskID(), ex.Payload.ChallengeResponse)
	if err != nil {
		return err
	}

	method, err := a.fetchCredentials(ctx, ex.ContextID(), ex.Payload.DebugMode, rec.PaymentMandate)
	if err != nil {
		return err
	}

	receipt := Receipt{
		PaymentMandateID: rec.PaymentMandate.PaymentMandateContents.PaymentMandateID,
		PaymentStatus:    PaymentStatusSuccess,
		TransactionID:    "txn_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	a.logg.Info(a.logg.WithFields(ctx, map[string]any{
		"payment_mandate_id": receipt.PaymentMandateID,
		"transaction_id":     receipt.TransactionID,
		"method":             method.SupportedMethods,
	}), "payment.settled")

	if err := ex.AddData("payment_receipt", map[string]any{envelope.KeyPaymentReceipt: receipt}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach receipt")
	}
	ex.Complete(completedText)
	return nil
}

// fetchCredentials asks the credentials provider named by the token for the
// instrument behind it. Concurrent fetches for one mandate share a call.
func (a *Agent) fetchCredentials(ctx context.Context, contextID string, debug bool, pm mandates.PaymentMandate) (mandates.PaymentMethodData, error) {
	token, ok := pm.Token()
	if !ok {
		return mandates.PaymentMethodData{}, pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.payment_response.details.token is required")
	}
	providerURL := strings.TrimRight(strings.TrimSpace(token.URL), "/")
	if providerURL == "" {
		return mandates.PaymentMethodData{}, pkgerrors.New(pkgerrors.CodeValidation, "credentials provider url not found in token")
	}
	if a.credentialsURL != "" && providerURL != a.credentialsURL {
		return mandates.PaymentMethodData{}, pkgerrors.Newf(pkgerrors.CodeUnauthorizedCaller,
			"credentials provider %q is not trusted", providerURL)
	}

	key := pm.PaymentMandateContents.PaymentMandateID
	v, err, shared := a.fetches.Do(key, func() (any, error) {
		msg, err := envelope.NewMessage(envelope.RoleAgent).
			WithContextID(contextID).
			AddText(credentialsText).
			AddData(envelope.KeyPaymentMandate, pm).
			AddData(envelope.KeyDebugMode, debug).
			Build()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build credentials request")
		}
		t, err := a.sender.Send(ctx, providerURL, msg)
		if err != nil {
			return nil, err
		}
		if err := remote.TaskError(providerURL, t); err != nil {
			return nil, err
		}
		var method mandates.PaymentMethodData
		found, err := envelope.FindData(t.Artifacts, envelope.KeyPaymentMethod, &method)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "decode payment method").
				WithDetails(map[string]any{"peer": providerURL})
		}
		if !found {
			return nil, pkgerrors.New(pkgerrors.CodeDownstream, "credentials provider returned no payment method").
				WithDetails(map[string]any{"peer": providerURL})
		}
		return method, nil
	})
	if err != nil {
		return mandates.PaymentMethodData{}, err
	}
	if shared {
		a.logg.Debug(ctx, "credentials.fetch_shared")
	}
	return v.(mandates.PaymentMethodData), nil
}
