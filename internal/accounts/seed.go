package accounts

import (
	"fmt"
	"os"

	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	Email           string       `yaml:"email"`
	ShippingAddress *seedAddress `yaml:"shipping_address"`
	PaymentMethods  []seedMethod `yaml:"payment_methods"`
}

type seedAddress struct {
	Recipient    string   `yaml:"recipient"`
	Organization string   `yaml:"organization"`
	AddressLine  []string `yaml:"address_line"`
	City         string   `yaml:"city"`
	Region       string   `yaml:"region"`
	PostalCode   string   `yaml:"postal_code"`
	Country      string   `yaml:"country"`
	PhoneNumber  string   `yaml:"phone_number"`
}

type seedMethod struct {
	Type string         `yaml:"type"`
	Data map[string]any `yaml:"data"`
}

// LoadSeedFile reads accounts from a YAML fixture.
func LoadSeedFile(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes the YAML fixture format:
//
//	accounts:
//	  - email: a@b.com
//	    shipping_address: {recipient: ..., city: ...}
//	    payment_methods:
//	      - type: CARD
//	        data: {alias: visa-1, network: [{name: visa}]}
func ParseSeed(raw []byte) ([]Account, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}
	out := make([]Account, 0, len(file.Accounts))
	for i, sa := range file.Accounts {
		if sa.Email == "" {
			return nil, fmt.Errorf("accounts[%d]: email is required", i)
		}
		acct := Account{Email: sa.Email}
		if sa.ShippingAddress != nil {
			acct.ShippingAddress = &mandates.ContactAddress{
				Recipient:    sa.ShippingAddress.Recipient,
				Organization: sa.ShippingAddress.Organization,
				AddressLine:  sa.ShippingAddress.AddressLine,
				City:         sa.ShippingAddress.City,
				Region:       sa.ShippingAddress.Region,
				PostalCode:   sa.ShippingAddress.PostalCode,
				Country:      sa.ShippingAddress.Country,
				PhoneNumber:  sa.ShippingAddress.PhoneNumber,
			}
		}
		for j, m := range sa.PaymentMethods {
			if Alias(mandates.PaymentMethodData{Data: m.Data}) == "" {
				return nil, fmt.Errorf("accounts[%d].payment_methods[%d]: data.alias is required", i, j)
			}
			acct.PaymentMethods = append(acct.PaymentMethods, mandates.PaymentMethodData{
				SupportedMethods: m.Type,
				Data:             m.Data,
			})
		}
		out = append(out, acct)
	}
	return out, nil
}

// DemoAccounts is the built-in fixture used when no seed file is configured.
func DemoAccounts() []Account {
	return []Account{
		{
			Email: "a@b.com",
			ShippingAddress: &mandates.ContactAddress{
				Recipient:   "Ada Byron",
				AddressLine: []string{"1600 Amphitheatre Pkwy"},
				City:        "Mountain View",
				Region:      "CA",
				PostalCode:  "94043",
				Country:     "US",
				PhoneNumber: "+1-650-555-0100",
			},
			PaymentMethods: []mandates.PaymentMethodData{
				demoCard("visa-1", "visa", "4111111111111111", "ending in 1111"),
				demoCard("amex-1", "amex", "378282246310005", "ending in 0005"),
			},
		},
		{
			Email: "bugsbunny@gmail.com",
			ShippingAddress: &mandates.ContactAddress{
				Recipient:   "Bugs Bunny",
				AddressLine: []string{"123 Main St"},
				City:        "Sunnyvale",
				Region:      "CA",
				PostalCode:  "94086",
				Country:     "US",
			},
			PaymentMethods: []mandates.PaymentMethodData{
				demoCard("mastercard-1", "mastercard", "5555555555554444", "ending in 4444"),
				{
					SupportedMethods: "BANK_ACCOUNT",
					Data: map[string]any{
						"alias":          "checking-1",
						"account_number": "000123456789",
						"routing_number": "110000000",
					},
				},
			},
		},
	}
}

func demoCard(alias, network, number, display string) mandates.PaymentMethodData {
	return mandates.PaymentMethodData{
		SupportedMethods: "CARD",
		Data: map[string]any{
			"alias":          alias,
			"display_name":   display,
			"network":        []any{map[string]any{"name": network}},
			"account_number": number,
			"cryptogram":     "fake_cryptogram_" + alias,
		},
	}
}
