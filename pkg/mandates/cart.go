package mandates

import (
	"time"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/shopspring/decimal"
)

// CartContents is the merchant's offer: items, prices and accepted methods.
type CartContents struct {
	ID                           string         `json:"id" validate:"required"`
	UserCartConfirmationRequired bool           `json:"user_cart_confirmation_required"`
	PaymentRequest               PaymentRequest `json:"payment_request"`
	CartExpiry                   time.Time      `json:"cart_expiry"`
	MerchantName                 string         `json:"merchant_name" validate:"required"`
}

// CartMandate is CartContents endorsed by the merchant.
type CartMandate struct {
	Contents              CartContents `json:"contents"`
	MerchantAuthorization string       `json:"merchant_authorization,omitempty"`
}

// SumDisplayItems totals every display item amount.
func (c CartContents) SumDisplayItems() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range c.PaymentRequest.Details.DisplayItems {
		sum = sum.Add(item.Amount.Value)
	}
	return sum
}

// Expired reports whether the cart may no longer be paid.
func (c CartContents) Expired(now time.Time) bool {
	return !c.CartExpiry.After(now)
}

// Clone returns a deep copy so callers can derive a new value safely.
func (c CartContents) Clone() CartContents {
	out := c
	req := c.PaymentRequest
	out.PaymentRequest.MethodData = make([]PaymentMethodData, len(req.MethodData))
	for i, md := range req.MethodData {
		out.PaymentRequest.MethodData[i] = PaymentMethodData{
			SupportedMethods: md.SupportedMethods,
			Data:             cloneMap(md.Data),
		}
	}
	out.PaymentRequest.Details.DisplayItems = append([]PaymentItem(nil), req.Details.DisplayItems...)
	out.PaymentRequest.Details.ShippingOptions = append([]PaymentShippingOption(nil), req.Details.ShippingOptions...)
	out.PaymentRequest.Details.Modifiers = append([]PaymentDetailsModifier(nil), req.Details.Modifiers...)
	if req.Options != nil {
		opts := *req.Options
		out.PaymentRequest.Options = &opts
	}
	if req.ShippingAddress != nil {
		addr := req.ShippingAddress.clone()
		out.PaymentRequest.ShippingAddress = &addr
	}
	return out
}

// WithDisplayItems returns a copy carrying items and a total recomputed
// from them. The total label is preserved.
func (c CartContents) WithDisplayItems(items []PaymentItem) CartContents {
	out := c.Clone()
	out.PaymentRequest.Details.DisplayItems = append([]PaymentItem(nil), items...)
	total := out.PaymentRequest.Details.Total
	if total.Label == "" {
		total.Label = "Total"
	}
	total.Amount.Value = out.SumDisplayItems()
	out.PaymentRequest.Details.Total = total
	return out
}

// WithShippingAddress returns a copy with the shipping address set.
func (c CartContents) WithShippingAddress(addr ContactAddress) CartContents {
	out := c.Clone()
	cloned := addr.clone()
	out.PaymentRequest.ShippingAddress = &cloned
	return out
}

// Validate checks required fields and the total invariant.
func (c CartContents) Validate() error {
	if err := validateStruct("cart_contents", c); err != nil {
		return err
	}
	if c.CartExpiry.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart_contents.cart_expiry is required")
	}
	details := c.PaymentRequest.Details
	for _, item := range details.DisplayItems {
		if item.Amount.Currency != details.Total.Amount.Currency {
			return pkgerrors.Newf(pkgerrors.CodeValidation,
				"cart_contents.payment_request.details.display_items: currency %s does not match total currency %s",
				item.Amount.Currency, details.Total.Amount.Currency)
		}
	}
	sum := c.SumDisplayItems()
	if !details.Total.Amount.Value.Equal(sum) {
		return pkgerrors.Newf(pkgerrors.CodeValidation,
			"cart_contents.payment_request.details.total: %s does not equal sum of display items %s",
			details.Total.Amount.Value.String(), sum.String()).
			WithDetails(map[string]any{
				"field": "payment_request.details.total.amount.value",
				"total": details.Total.Amount.Value.String(),
				"sum":   sum.String(),
			})
	}
	return nil
}

// Validate checks the contents. It does not verify the authorization.
func (m CartMandate) Validate() error {
	if m.Contents.ID == "" && m.Contents.MerchantName == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart_mandate.contents is required")
	}
	return m.Contents.Validate()
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
