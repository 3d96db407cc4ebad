package x402

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reason codes returned in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason.
const (
	ReasonUnsupportedScheme        = "unsupported_scheme"
	ReasonInvalidNetwork           = "invalid_network"
	ReasonInvalidAssetAddress      = "invalid_asset_address"
	ReasonInvalidPayload           = "invalid_payload"
	ReasonRecipientMismatch        = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonValidBefore              = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonValidAfter               = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonAuthorizationValue       = "invalid_exact_evm_payload_authorization_value"
	ReasonInvalidSignature         = "invalid_exact_evm_payload_signature"
	ReasonNonceAlreadyUsed         = "nonce_already_used"
	ReasonInsufficientFunds        = "insufficient_funds"
	ReasonAuthorizationAlreadyUsed = "authorization_already_used"
	ReasonInvalidTransactionState  = "invalid_transaction_state"
	ReasonInternalError            = "internal_error"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewInternalError wraps an infrastructure failure as an internal_error.
func NewInternalError(err error) *PaymentError {
	return NewPaymentError(ReasonInternalError, err.Error(), nil)
}
