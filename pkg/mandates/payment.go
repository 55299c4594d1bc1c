package mandates

import (
	"time"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
)

type PaymentMandateContents struct {
	PaymentMandateID    string          `json:"payment_mandate_id" validate:"required"`
	PaymentDetailsID    string          `json:"payment_details_id" validate:"required"`
	PaymentDetailsTotal PaymentItem     `json:"payment_details_total"`
	PaymentResponse     PaymentResponse `json:"payment_response"`
	MerchantAgent       string          `json:"merchant_agent" validate:"required"`
	Timestamp           time.Time       `json:"timestamp"`
}

// PaymentMandate is the user's instruction to pay a specific cart. A mandate
// without UserAuthorization is an unsigned draft.
type PaymentMandate struct {
	PaymentMandateContents PaymentMandateContents `json:"payment_mandate_contents"`
	UserAuthorization      string                 `json:"user_authorization,omitempty"`
}

// IsSigned reports whether the user authorization is present.
func (m PaymentMandate) IsSigned() bool {
	return m.UserAuthorization != ""
}

// Token returns the credential token carried in the payment response.
func (m PaymentMandate) Token() (CredentialToken, bool) {
	return m.PaymentMandateContents.PaymentResponse.Token()
}

// Validate checks required fields. It accepts unsigned drafts; callers
// that transmit or settle a mandate must also require IsSigned.
func (m PaymentMandate) Validate() error {
	if m.PaymentMandateContents.PaymentMandateID == "" && m.PaymentMandateContents.PaymentDetailsID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.payment_mandate_contents is required")
	}
	return validateStruct("payment_mandate", m)
}

// RequireSigned validates the mandate and rejects unsigned drafts.
func (m PaymentMandate) RequireSigned() error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.IsSigned() {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.user_authorization is required")
	}
	return nil
}
