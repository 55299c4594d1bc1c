package mandates

import (
	"time"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
)

// IntentMandate captures what the user asked the shopping agent to buy.
type IntentMandate struct {
	UserCartConfirmationRequired bool      `json:"user_cart_confirmation_required"`
	NaturalLanguageDescription   string    `json:"natural_language_description" validate:"required"`
	Merchants                    []string  `json:"merchants,omitempty"`
	SKUs                         []string  `json:"skus,omitempty"`
	RequiresRefundability        bool      `json:"requires_refundability"`
	IntentExpiry                 time.Time `json:"intent_expiry"`
}

// NewIntentMandate builds an intent whose expiry lies ttl after now.
func NewIntentMandate(description string, now time.Time, ttl time.Duration) (IntentMandate, error) {
	intent := IntentMandate{
		UserCartConfirmationRequired: true,
		NaturalLanguageDescription:   description,
		IntentExpiry:                 now.Add(ttl).UTC(),
	}
	if err := intent.Validate(now); err != nil {
		return IntentMandate{}, err
	}
	return intent, nil
}

// Expired reports whether the intent can no longer be acted on.
func (m IntentMandate) Expired(now time.Time) bool {
	return !m.IntentExpiry.After(now)
}

// AllowsMerchant reports whether name is permitted by the merchant
// restriction. An empty restriction allows every merchant.
func (m IntentMandate) AllowsMerchant(name string) bool {
	if len(m.Merchants) == 0 {
		return true
	}
	for _, candidate := range m.Merchants {
		if candidate == name {
			return true
		}
	}
	return false
}

// AllowsSKU reports whether sku is permitted by the SKU restriction.
func (m IntentMandate) AllowsSKU(sku string) bool {
	if len(m.SKUs) == 0 {
		return true
	}
	for _, candidate := range m.SKUs {
		if candidate == sku {
			return true
		}
	}
	return false
}

// Validate checks required fields and rejects intents that have expired.
func (m IntentMandate) Validate(now time.Time) error {
	if err := validateStruct("intent_mandate", m); err != nil {
		return err
	}
	if m.IntentExpiry.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "intent_mandate.intent_expiry is required")
	}
	if m.Expired(now) {
		return pkgerrors.New(pkgerrors.CodeValidation, "intent_mandate.intent_expiry has passed")
	}
	return nil
}
