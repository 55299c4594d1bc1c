package mandates

import (
	"strings"
)

// ContactAddress follows the Contact Picker API address shape.
type ContactAddress struct {
	City              string   `json:"city,omitempty"`
	Country           string   `json:"country,omitempty"`
	DependentLocality string   `json:"dependent_locality,omitempty"`
	Organization      string   `json:"organization,omitempty"`
	PhoneNumber       string   `json:"phone_number,omitempty"`
	PostalCode        string   `json:"postal_code,omitempty"`
	Recipient         string   `json:"recipient,omitempty"`
	Region            string   `json:"region,omitempty"`
	SortingCode       string   `json:"sorting_code,omitempty"`
	AddressLine       []string `json:"address_line,omitempty"`
}

// IsZero reports whether no field of the address is set.
func (a ContactAddress) IsZero() bool {
	return a.City == "" && a.Country == "" && a.DependentLocality == "" &&
		a.Organization == "" && a.PhoneNumber == "" && a.PostalCode == "" &&
		a.Recipient == "" && a.Region == "" && a.SortingCode == "" && len(a.AddressLine) == 0
}

func (a ContactAddress) clone() ContactAddress {
	out := a
	if a.AddressLine != nil {
		out.AddressLine = append([]string(nil), a.AddressLine...)
	}
	return out
}

const DefaultRefundPeriodDays = 30

// PaymentItem is one line of a payment request.
type PaymentItem struct {
	Label        string                `json:"label" validate:"required"`
	Amount       PaymentCurrencyAmount `json:"amount"`
	Pending      *bool                 `json:"pending,omitempty"`
	RefundPeriod int                   `json:"refund_period"`
}

// NewPaymentItem builds a settled item with the default refund window.
func NewPaymentItem(label string, amount PaymentCurrencyAmount) PaymentItem {
	return PaymentItem{Label: label, Amount: amount, RefundPeriod: DefaultRefundPeriodDays}
}

type PaymentShippingOption struct {
	ID       string                `json:"id" validate:"required"`
	Label    string                `json:"label" validate:"required"`
	Amount   PaymentCurrencyAmount `json:"amount"`
	Selected bool                  `json:"selected"`
}

type PaymentDetailsModifier struct {
	SupportedMethods       string         `json:"supported_methods" validate:"required"`
	Total                  *PaymentItem   `json:"total,omitempty"`
	AdditionalDisplayItems []PaymentItem  `json:"additional_display_items,omitempty" validate:"dive"`
	Data                   map[string]any `json:"data,omitempty"`
}

// PaymentMethodData describes one accepted or held payment method.
type PaymentMethodData struct {
	SupportedMethods string         `json:"supported_methods" validate:"required"`
	Data             map[string]any `json:"data,omitempty"`
}

// Networks returns the card networks named under data.network. Entries may
// be plain strings or objects carrying a name field.
func (p PaymentMethodData) Networks() []string {
	raw, ok := p.Data["network"]
	if !ok {
		return nil
	}
	var out []string
	add := func(v any) {
		switch typed := v.(type) {
		case string:
			if s := strings.TrimSpace(typed); s != "" {
				out = append(out, s)
			}
		case map[string]any:
			if name, ok := typed["name"].(string); ok && strings.TrimSpace(name) != "" {
				out = append(out, strings.TrimSpace(name))
			}
		}
	}
	switch typed := raw.(type) {
	case []any:
		for _, v := range typed {
			add(v)
		}
	case []string:
		for _, v := range typed {
			add(v)
		}
	default:
		add(typed)
	}
	return out
}

type PaymentOptions struct {
	RequestPayerName  bool   `json:"request_payer_name"`
	RequestPayerEmail bool   `json:"request_payer_email"`
	RequestPayerPhone bool   `json:"request_payer_phone"`
	RequestShipping   bool   `json:"request_shipping"`
	ShippingType      string `json:"shipping_type,omitempty"`
}

// DefaultPaymentOptions requests shipping and nothing else.
func DefaultPaymentOptions() *PaymentOptions {
	return &PaymentOptions{RequestShipping: true}
}

type PaymentDetailsInit struct {
	ID              string                   `json:"id" validate:"required"`
	DisplayItems    []PaymentItem            `json:"display_items" validate:"dive"`
	ShippingOptions []PaymentShippingOption  `json:"shipping_options,omitempty" validate:"dive"`
	Modifiers       []PaymentDetailsModifier `json:"modifiers,omitempty" validate:"dive"`
	Total           PaymentItem              `json:"total"`
}

// PaymentRequest is the W3C payment request a cart is settled against.
type PaymentRequest struct {
	MethodData      []PaymentMethodData `json:"method_data" validate:"required,min=1,dive"`
	Details         PaymentDetailsInit  `json:"details"`
	Options         *PaymentOptions     `json:"options,omitempty"`
	ShippingAddress *ContactAddress     `json:"shipping_address,omitempty"`
}

// PaymentResponse is the payer's answer to a PaymentRequest.
type PaymentResponse struct {
	RequestID       string                 `json:"request_id" validate:"required"`
	MethodName      string                 `json:"method_name" validate:"required"`
	Details         map[string]any         `json:"details,omitempty"`
	ShippingAddress *ContactAddress        `json:"shipping_address,omitempty"`
	ShippingOption  *PaymentShippingOption `json:"shipping_option,omitempty"`
	PayerName       string                 `json:"payer_name,omitempty"`
	PayerEmail      string                 `json:"payer_email,omitempty"`
	PayerPhone      string                 `json:"payer_phone,omitempty"`
}

// CredentialToken is the opaque token issued by a credentials provider
// together with the base URL of the provider that can redeem it.
type CredentialToken struct {
	Value string `json:"value"`
	URL   string `json:"url"`
}

// Token extracts details.token from the response.
func (r PaymentResponse) Token() (CredentialToken, bool) {
	raw, ok := r.Details["token"]
	if !ok {
		return CredentialToken{}, false
	}
	var tok CredentialToken
	switch typed := raw.(type) {
	case CredentialToken:
		tok = typed
	case map[string]any:
		tok.Value, _ = typed["value"].(string)
		tok.URL, _ = typed["url"].(string)
	case map[string]string:
		tok.Value = typed["value"]
		tok.URL = typed["url"]
	default:
		return CredentialToken{}, false
	}
	if strings.TrimSpace(tok.Value) == "" {
		return CredentialToken{}, false
	}
	return tok, true
}
