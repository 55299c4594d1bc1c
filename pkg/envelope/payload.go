package envelope

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

// Payload is the typed view of an inbound message. Every canonical key maps
// to its own field; unrecognized keys land in Extra.
type Payload struct {
	Texts              []string
	IntentMandate      *mandates.IntentMandate
	CartMandate        *mandates.CartMandate
	PaymentMandate     *mandates.PaymentMandate
	ShippingAddress    *mandates.ContactAddress
	PaymentMethods     []mandates.PaymentMethodData
	RiskData           string
	ShoppingAgentID    string
	ChallengeResponse  string
	UserEmail          string
	PaymentMethodAlias string
	CartID             string
	DebugMode          bool
	Extra              map[string]json.RawMessage
}

// Text joins every text part with newlines.
func (p *Payload) Text() string {
	return strings.Join(p.Texts, "\n")
}

// Parse decodes every part of msg. A value that does not decode into its
// typed variant is a validation error naming the key.
func Parse(msg Message) (*Payload, error) {
	p := &Payload{Extra: map[string]json.RawMessage{}}
	for _, part := range msg.Parts {
		switch part.Kind {
		case PartKindText:
			if part.Text != "" {
				p.Texts = append(p.Texts, part.Text)
			}
		case PartKindData:
			for key, raw := range part.Data {
				if err := p.decode(key, raw); err != nil {
					return nil, err
				}
			}
		default:
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "unsupported part kind %q", part.Kind)
		}
	}
	return p, nil
}

// ParseAndValidate parses msg and validates every mandate it carries.
func ParseAndValidate(msg Message, now time.Time) (*Payload, error) {
	p, err := Parse(msg)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate applies the structural mandate checks. Intents must not have
// expired at now.
func (p *Payload) Validate(now time.Time) error {
	if p.IntentMandate != nil {
		if err := p.IntentMandate.Validate(now); err != nil {
			return err
		}
	}
	if p.CartMandate != nil {
		if err := p.CartMandate.Validate(); err != nil {
			return err
		}
	}
	if p.PaymentMandate != nil {
		if err := p.PaymentMandate.Validate(); err != nil {
			return err
		}
	}
	for _, method := range p.PaymentMethods {
		if strings.TrimSpace(method.SupportedMethods) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, KeyPaymentMethodData+".supported_methods is required")
		}
	}
	return nil
}

func (p *Payload) decode(key string, raw json.RawMessage) error {
	var err error
	switch key {
	case KeyIntentMandate:
		p.IntentMandate = &mandates.IntentMandate{}
		err = json.Unmarshal(raw, p.IntentMandate)
	case KeyCartMandate:
		p.CartMandate = &mandates.CartMandate{}
		err = json.Unmarshal(raw, p.CartMandate)
	case KeyPaymentMandate:
		p.PaymentMandate = &mandates.PaymentMandate{}
		err = json.Unmarshal(raw, p.PaymentMandate)
	case KeyContactAddress:
		p.ShippingAddress = &mandates.ContactAddress{}
		err = json.Unmarshal(raw, p.ShippingAddress)
	case KeyPaymentMethodData:
		var methods []mandates.PaymentMethodData
		methods, err = decodeOneOrMany(raw)
		p.PaymentMethods = append(p.PaymentMethods, methods...)
	case KeyRiskData:
		p.RiskData = stringOrJSON(raw)
	case KeyShoppingAgentID:
		err = json.Unmarshal(raw, &p.ShoppingAgentID)
	case KeyChallengeResponse:
		p.ChallengeResponse = stringOrJSON(raw)
	case KeyUserEmail:
		err = json.Unmarshal(raw, &p.UserEmail)
	case KeyPaymentMethodAlias:
		err = json.Unmarshal(raw, &p.PaymentMethodAlias)
	case KeyCartID:
		err = json.Unmarshal(raw, &p.CartID)
	case KeyDebugMode:
		p.DebugMode, err = decodeBool(raw)
	default:
		p.Extra[key] = raw
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, key+" is malformed").
			WithDetails(map[string]any{"field": key})
	}
	return nil
}

func decodeOneOrMany(raw json.RawMessage) ([]mandates.PaymentMethodData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var many []mandates.PaymentMethodData
		err := json.Unmarshal(trimmed, &many)
		return many, err
	}
	var one mandates.PaymentMethodData
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []mandates.PaymentMethodData{one}, nil
}

// stringOrJSON keeps string values as-is and other JSON values verbatim.
func stringOrJSON(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, err
	}
	return strconv.ParseBool(s)
}
