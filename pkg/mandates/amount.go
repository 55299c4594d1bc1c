package mandates

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// PaymentCurrencyAmount is a W3C monetary amount. Value is exact decimal
// arithmetic and travels on the wire as a JSON number.
type PaymentCurrencyAmount struct {
	Currency string          `json:"currency" validate:"required,len=3"`
	Value    decimal.Decimal `json:"value"`
}

// NewAmount builds an amount from a decimal string such as "2.00".
func NewAmount(currency, value string) (PaymentCurrencyAmount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return PaymentCurrencyAmount{}, err
	}
	return PaymentCurrencyAmount{Currency: currency, Value: d}, nil
}

// MustAmount is NewAmount for literals known to be valid.
func MustAmount(currency, value string) PaymentCurrencyAmount {
	a, err := NewAmount(currency, value)
	if err != nil {
		panic(err)
	}
	return a
}

func (a PaymentCurrencyAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Currency string      `json:"currency"`
		Value    json.Number `json:"value"`
	}{
		Currency: a.Currency,
		Value:    json.Number(a.Value.String()),
	})
}

// Equal compares currency and numeric value, ignoring scale.
func (a PaymentCurrencyAmount) Equal(other PaymentCurrencyAmount) bool {
	return a.Currency == other.Currency && a.Value.Equal(other.Value)
}
