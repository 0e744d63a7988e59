package server

import (
	"strings"

	"github.com/mark3labs/a2a-x402"
)

// Invalid reasons reported by LocalFacilitator.
const (
	ReasonInvalidX402Version         = "invalid_x402_version"
	ReasonInvalidSchemeMismatch      = "invalid_scheme_mismatch"
	ReasonInvalidNetworkMismatch     = "invalid_network_mismatch"
	ReasonInvalidAssetMismatch       = "invalid_asset_mismatch"
	ReasonInvalidTimeWindow          = "invalid_authorization_time_window"
	ReasonInvalidValidAfter          = "invalid_authorization_valid_after"
	ReasonInvalidValidBefore         = "invalid_authorization_valid_before"
	ReasonInvalidValue               = "invalid_authorization_value"
	ReasonInvalidValueNonPositive    = "invalid_authorization_value_non_positive"
	ReasonInvalidValueExceeded       = "invalid_authorization_value_exceeded"
	ReasonInvalidMaxAmount           = "invalid_requirements_max_amount"
	ReasonInvalidFromAddress         = "invalid_authorization_from_address"
	ReasonInvalidToAddressMismatch   = "invalid_authorization_to_address_mismatch"
	ReasonInvalidNonce               = "invalid_authorization_nonce"
	ReasonInvalidNonceLength         = "invalid_authorization_nonce_length"
	ReasonNonceAlreadyUsed           = "invalid_authorization_nonce_used"
	ReasonInvalidExtraName           = "invalid_requirements_extra_name"
	ReasonInvalidExtraVersion        = "invalid_requirements_extra_version"
	ReasonInvalidTypedData           = "invalid_typed_data_message"
	ReasonInvalidSignature           = "invalid_authorization_signature"
	ReasonInvalidSenderMismatch      = "invalid_authorization_sender_mismatch"
	ReasonInvalidTransaction         = "invalid_transaction"
	ReasonInvalidTransactionTransfer = "invalid_transaction_transfer"
	ReasonInsufficientFunds          = "insufficient_funds"
)

// ErrorCodeForReason maps a facilitator's invalid reason onto an error
// code. Reasons that already are codes pass through; anything unrecognised
// is treated as a bad signature.
func ErrorCodeForReason(reason string) x402.ErrorCode {
	if code := x402.ErrorCode(reason); code.Valid() {
		return code
	}

	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "nonce_used"), strings.Contains(r, "nonce_already"),
		strings.Contains(r, "duplicate"), strings.Contains(r, "replay"):
		return x402.CodeDuplicateNonce
	case strings.Contains(r, "valid_after"), strings.Contains(r, "valid_before"),
		strings.Contains(r, "time_window"), strings.Contains(r, "expired"):
		return x402.CodeExpiredPayment
	case strings.Contains(r, "value"), strings.Contains(r, "amount"),
		strings.Contains(r, "funds"), strings.Contains(r, "balance"):
		return x402.CodeInvalidAmount
	case strings.Contains(r, "scheme"), strings.Contains(r, "network"),
		strings.Contains(r, "asset"), strings.Contains(r, "to_address"),
		strings.Contains(r, "pay_to"), strings.Contains(r, "recipient"),
		strings.Contains(r, "x402_version"):
		return x402.CodeNetworkMismatch
	default:
		return x402.CodeInvalidSignature
	}
}
