package merchant

import (
	"fmt"
	"os"
	"strings"

	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"gopkg.in/yaml.v3"
)

// CatalogItem is one purchasable product.
type CatalogItem struct {
	SKU      string   `yaml:"sku"`
	Label    string   `yaml:"label"`
	Price    string   `yaml:"price"`
	Currency string   `yaml:"currency"`
	Keywords []string `yaml:"keywords"`
	// RefundDays overrides the default refund window. Zero marks a final sale.
	RefundDays *int `yaml:"refund_days,omitempty"`
}

// RefundPeriod returns the refund window in days.
func (i CatalogItem) RefundPeriod() int {
	if i.RefundDays == nil {
		return mandates.DefaultRefundPeriodDays
	}
	return *i.RefundDays
}

// Amount returns the item price as a payment amount.
func (i CatalogItem) Amount(defaultCurrency string) (mandates.PaymentCurrencyAmount, error) {
	currency := i.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	return mandates.NewAmount(currency, i.Price)
}

// Catalog is the static product list carts are built from.
type Catalog struct {
	Items []CatalogItem `yaml:"items"`
}

// LoadCatalogFile reads a YAML catalog:
//
//	items:
//	  - sku: SHOE-RED-10
//	    label: Red running shoes
//	    price: "89.99"
//	    keywords: [shoes, sneakers, running]
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Items) == 0 {
		return fmt.Errorf("catalog has no items")
	}
	for i, item := range c.Items {
		if item.SKU == "" || item.Label == "" {
			return fmt.Errorf("items[%d]: sku and label are required", i)
		}
		if _, err := item.Amount("USD"); err != nil {
			return fmt.Errorf("items[%d]: invalid price %q", i, item.Price)
		}
		if item.RefundPeriod() < 0 {
			return fmt.Errorf("items[%d]: refund_days must not be negative", i)
		}
	}
	return nil
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{Items: []CatalogItem{
		{SKU: "SHOE-RUN-01", Label: "Trail running shoes", Price: "89.99", Keywords: []string{"shoes", "shoe", "sneakers", "running"}},
		{SKU: "SHOE-CAS-02", Label: "Canvas sneakers", Price: "54.00", Keywords: []string{"shoes", "shoe", "sneakers", "casual"}},
		{SKU: "COFFEE-01", Label: "Single origin coffee beans, 1kg", Price: "32.50", Keywords: []string{"coffee", "beans"}},
		{SKU: "MUG-01", Label: "Ceramic mug", Price: "12.00", Keywords: []string{"mug", "cup", "coffee"}},
	}}
}

// Match returns the items an intent asks for. A SKU restriction selects by
// SKU; otherwise an item matches when one of its keywords appears in the
// description. Final-sale items are dropped when the intent requires
// refundability.
func (c *Catalog) Match(intent mandates.IntentMandate) []CatalogItem {
	var out []CatalogItem
	if len(intent.SKUs) > 0 {
		for _, item := range c.Items {
			if intent.RequiresRefundability && item.RefundPeriod() <= 0 {
				continue
			}
			for _, sku := range intent.SKUs {
				if strings.EqualFold(item.SKU, sku) {
					out = append(out, item)
					break
				}
			}
		}
		return out
	}

	words := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(intent.NaturalLanguageDescription), isSeparator) {
		words[w] = struct{}{}
	}
	for _, item := range c.Items {
		if intent.RequiresRefundability && item.RefundPeriod() <= 0 {
			continue
		}
		for _, kw := range item.Keywords {
			if _, ok := words[strings.ToLower(kw)]; ok {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

func isSeparator(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
}
