package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/enums"
)

// Account is a credentials-provider user keyed by email address.
type Account struct {
	Email           string                 `gorm:"column:email;primaryKey"`
	ShippingAddress json.RawMessage        `gorm:"column:shipping_address;type:jsonb"`
	PaymentMethods  []AccountPaymentMethod `gorm:"foreignKey:AccountEmail;references:Email"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string { return "accounts" }

// AccountPaymentMethod is one instrument held for an account. Data keeps
// the method-specific payload verbatim.
type AccountPaymentMethod struct {
	ID           string                  `gorm:"column:id;primaryKey"`
	AccountEmail string                  `gorm:"column:account_email;not null;index"`
	Alias        string                  `gorm:"column:alias;not null"`
	Type         enums.PaymentMethodType `gorm:"column:type;not null;default:'CARD'"`
	Position     int                     `gorm:"column:position;not null;default:0"`
	Data         json.RawMessage         `gorm:"column:data;type:jsonb"`
	CreatedAt    time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (AccountPaymentMethod) TableName() string { return "account_payment_methods" }
