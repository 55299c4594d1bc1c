package envelope

// Canonical data-part keys. They are part of the interop contract and must
// be preserved verbatim.
const (
	KeyIntentMandate     = "ap2.mandates.IntentMandate"
	KeyCartMandate       = "ap2.mandates.CartMandate"
	KeyPaymentMandate    = "ap2.mandates.PaymentMandate"
	KeyContactAddress    = "contact_picker.ContactAddress"
	KeyPaymentMethodData = "payment_request.PaymentMethodData"

	KeyRiskData           = "risk_data"
	KeyShoppingAgentID    = "shopping_agent_id"
	KeyChallengeResponse  = "challenge_response"
	KeyUserEmail          = "user_email"
	KeyPaymentMethodAlias = "payment_method_alias"
	KeyCartID             = "cart_id"
	KeyDebugMode          = "debug_mode"
)

// Keys used in artifacts produced by the agents.
const (
	KeyPaymentMethodAliases = "payment_method_aliases"
	KeyToken                = "token"
	KeyChallenge            = "challenge"
	KeyPaymentReceipt       = "payment_receipt"
	KeyPaymentMethod        = "payment_method"
	KeyDPCResponse          = "dpc_response"
	KeyPaymentStatus        = "payment_status"
	KeyTransactionID        = "transaction_id"
)

// ExtensionURI is the payment-protocol extension every payment-bearing
// exchange must negotiate.
const ExtensionURI = "https://github.com/google-agentic-commerce/ap2/v1"

// CardNetworkExtensionURI advertises the sample card network payment
// method types.
const CardNetworkExtensionURI = "https://sample-card-network.github.io/paymentmethod/types/v1"
