package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/angelmondragon/ap2-agents/pkg/db/models"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLRepository stores accounts in the accounts and account_payment_methods
// tables.
type SQLRepository struct {
	db *gorm.DB
}

// NewSQLRepository reads accounts through gorm.
func NewSQLRepository(db *gorm.DB) (*SQLRepository, error) {
	if db == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "db required")
	}
	return &SQLRepository{db: db}, nil
}

func (r *SQLRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	var record models.Account
	err := r.db.WithContext(ctx).
		Preload("PaymentMethods", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("email = ?", normalizeEmail(email)).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, accountNotFound(email)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	return fromRecord(record)
}

// Count returns the number of stored accounts.
func (r *SQLRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Account{}).Count(&n).Error; err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count accounts")
	}
	return n, nil
}

// Save upserts the account and replaces its payment methods.
func (r *SQLRepository) Save(ctx context.Context, acct Account) error {
	record, err := toRecord(acct)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "email"}},
				DoUpdates: clause.AssignmentColumns([]string{"shipping_address", "updated_at"}),
			}).
			Create(&record).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert account")
		}
		if err := tx.Where("account_email = ?", record.Email).
			Delete(&models.AccountPaymentMethod{}).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clear payment methods")
		}
		if len(record.PaymentMethods) == 0 {
			return nil
		}
		if err := tx.Create(&record.PaymentMethods).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert payment methods")
		}
		return nil
	})
}

func toRecord(acct Account) (models.Account, error) {
	email := normalizeEmail(acct.Email)
	if email == "" {
		return models.Account{}, pkgerrors.New(pkgerrors.CodeValidation, "account email is required")
	}
	record := models.Account{Email: email}
	if acct.ShippingAddress != nil {
		raw, err := json.Marshal(acct.ShippingAddress)
		if err != nil {
			return models.Account{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode shipping address")
		}
		record.ShippingAddress = raw
	}
	for i, pm := range acct.PaymentMethods {
		methodType, err := enums.ParsePaymentMethodType(pm.SupportedMethods)
		if err != nil {
			return models.Account{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payment method type")
		}
		data, err := json.Marshal(pm.Data)
		if err != nil {
			return models.Account{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode payment method")
		}
		record.PaymentMethods = append(record.PaymentMethods, models.AccountPaymentMethod{
			ID:           uuid.NewString(),
			AccountEmail: email,
			Alias:        Alias(pm),
			Type:         methodType,
			Position:     i,
			Data:         data,
		})
	}
	return record, nil
}

func fromRecord(record models.Account) (*Account, error) {
	acct := &Account{Email: record.Email}
	if len(record.ShippingAddress) > 0 && strings.TrimSpace(string(record.ShippingAddress)) != "null" {
		var addr mandates.ContactAddress
		if err := json.Unmarshal(record.ShippingAddress, &addr); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode shipping address")
		}
		acct.ShippingAddress = &addr
	}
	for _, m := range record.PaymentMethods {
		data := map[string]any{}
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &data); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode payment method")
			}
		}
		acct.PaymentMethods = append(acct.PaymentMethods, mandates.PaymentMethodData{
			SupportedMethods: m.Type.String(),
			Data:             data,
		})
	}
	return acct, nil
}
