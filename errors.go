package x402

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrPaymentRequired     = errors.New("payment required")
	ErrNoAcceptablePayment = errors.New("no acceptable payment method found")
	ErrSigningFailed       = errors.New("failed to sign payment")
	ErrInvalidRequirement  = errors.New("invalid payment requirement")
	ErrPaymentDeclined     = errors.New("payment declined")

	// Budget errors
	ErrAmountExceedsLimit = errors.New("payment amount exceeds limit")
	ErrRateLimitExceeded  = errors.New("payment rate limit exceeded")
	ErrBudgetExceeded     = errors.New("hourly payment budget exceeded")

	// Provider errors
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// Signer errors
	ErrInvalidPrivateKey  = errors.New("invalid private key")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic phrase")
	ErrInvalidKeystore    = errors.New("invalid keystore file")
	ErrWrongPassword      = errors.New("wrong keystore password")
	ErrNoSignerConfigured = errors.New("no payment signer configured")

	// Transport errors
	ErrUnexpectedResponse = errors.New("unexpected response from agent")
)

// ErrorCode is the value of x402.payment.error.
type ErrorCode string

const (
	CodeNoMatchingRequirement ErrorCode = "NoMatchingRequirement"
	CodeExpiredPayment        ErrorCode = "EXPIRED_PAYMENT"
	CodeInvalidSignature      ErrorCode = "INVALID_SIGNATURE"
	CodeInvalidAmount         ErrorCode = "INVALID_AMOUNT"
	CodeDuplicateNonce        ErrorCode = "DUPLICATE_NONCE"
	CodeNetworkMismatch       ErrorCode = "NETWORK_MISMATCH"
	CodeSettlementFailed      ErrorCode = "SETTLEMENT_FAILED"
	CodeProviderUnavailable   ErrorCode = "ProviderUnavailable"
	CodeAlreadyFinalized      ErrorCode = "AlreadyFinalized"
	CodeAttemptInFlight       ErrorCode = "AttemptInFlight"
)

// Codes the client sets on its own outcomes when it does not pay. Agents
// never write them.
const (
	CodeDeclinedByUser     ErrorCode = "DeclinedByUser"
	CodeBudgetExceeded     ErrorCode = "BudgetExceeded"
	CodeInvalidRequirement ErrorCode = "InvalidRequirement"
	CodeSigningFailed      ErrorCode = "SigningFailed"
)

// ClientErrorCode classifies an error from PaymentHandler.CreatePayment.
func ClientErrorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrAmountExceedsLimit), errors.Is(err, ErrRateLimitExceeded), errors.Is(err, ErrBudgetExceeded):
		return CodeBudgetExceeded
	case errors.Is(err, ErrPaymentDeclined):
		return CodeDeclinedByUser
	case errors.Is(err, ErrInvalidRequirement), errors.Is(err, ErrNoAcceptablePayment):
		return CodeInvalidRequirement
	default:
		return CodeSigningFailed
	}
}

var knownCodes = map[ErrorCode]struct{}{
	CodeNoMatchingRequirement: {},
	CodeExpiredPayment:        {},
	CodeInvalidSignature:      {},
	CodeInvalidAmount:         {},
	CodeDuplicateNonce:        {},
	CodeNetworkMismatch:       {},
	CodeSettlementFailed:      {},
	CodeProviderUnavailable:   {},
	CodeAlreadyFinalized:      {},
	CodeAttemptInFlight:       {},
}

// Valid reports whether c is one of the codes defined above.
func (c ErrorCode) Valid() bool {
	_, ok := knownCodes[c]
	return ok
}

// Transient reports whether a caller may resubmit the whole payment.
func (c ErrorCode) Transient() bool {
	return c == CodeProviderUnavailable || c == CodeAttemptInFlight
}

// PaymentError provides detailed payment error information
type PaymentError struct {
	Code     ErrorCode
	Message  string
	Resource string
	Amount   string
	Network  string
	Wrapped  error
}

func (e *PaymentError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (resource: %s, amount: %s, network: %s): %v",
			e.Code, e.Message, e.Resource, e.Amount, e.Network, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s (resource: %s, amount: %s, network: %s)",
		e.Code, e.Message, e.Resource, e.Amount, e.Network)
}

func (e *PaymentError) Unwrap() error {
	return e.Wrapped
}

// NewPaymentError creates a new PaymentError
func NewPaymentError(code ErrorCode, message string, req *PaymentRequirement, wrapped error) *PaymentError {
	pe := &PaymentError{
		Code:    code,
		Message: message,
		Wrapped: wrapped,
	}
	if req != nil {
		pe.Resource = req.Resource
		pe.Amount = req.MaxAmountRequired
		pe.Network = req.Network
	}
	return pe
}
