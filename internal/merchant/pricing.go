package merchant

import (
	"context"
	"strings"

	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
)

// PricingRule computes the extra line items a cart gets once the shipping
// address is known. Items whose label matches a returned item are replaced
// on every update.
type PricingRule interface {
	Adjustments(ctx context.Context, contents mandates.CartContents, addr mandates.ContactAddress) ([]mandates.PaymentItem, error)
}

// FlatRate adds fixed shipping and tax lines regardless of destination.
type FlatRate struct {
	Shipping mandates.PaymentCurrencyAmount
	Tax      mandates.PaymentCurrencyAmount
}

// NewFlatRate builds the rule from the merchant config.
func NewFlatRate(cfg config.MerchantConfig) (*FlatRate, error) {
	shipping, err := mandates.NewAmount(cfg.Currency, cfg.ShippingFee)
	if err != nil {
		return nil, err
	}
	tax, err := mandates.NewAmount(cfg.Currency, cfg.TaxAmount)
	if err != nil {
		return nil, err
	}
	return &FlatRate{Shipping: shipping, Tax: tax}, nil
}

func (r *FlatRate) Adjustments(_ context.Context, _ mandates.CartContents, _ mandates.ContactAddress) ([]mandates.PaymentItem, error) {
	return []mandates.PaymentItem{
		mandates.NewPaymentItem("Shipping", r.Shipping),
		mandates.NewPaymentItem("Tax", r.Tax),
	}, nil
}

// applyAdjustments drops earlier adjustment lines and appends the new ones.
func applyAdjustments(items, adjustments []mandates.PaymentItem) []mandates.PaymentItem {
	replaced := map[string]struct{}{}
	for _, adj := range adjustments {
		replaced[strings.ToLower(adj.Label)] = struct{}{}
	}
	out := make([]mandates.PaymentItem, 0, len(items)+len(adjustments))
	for _, item := range items {
		if _, ok := replaced[strings.ToLower(item.Label)]; ok {
			continue
		}
		out = append(out, item)
	}
	return append(out, adjustments...)
}
