package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// X402Version is the protocol version carried in every challenge and payload.
const X402Version = 1

const (
	// ExtensionURI identifies the x402 extension on the agent-messaging protocol.
	ExtensionURI = "https://github.com/google-a2a/a2a-x402/v0.1"
	// ExtensionHeader is the header used to request and confirm extension activation.
	ExtensionHeader = "X-A2A-Extensions"
)

// Metadata keys carrying the payment sub-object on a message.
const (
	MetaKeyStatus   = "x402.payment.status"
	MetaKeyRequired = "x402.payment.required"
	MetaKeyPayload  = "x402.payment.payload"
	MetaKeyReceipts = "x402.payment.receipts"
	MetaKeyError    = "x402.payment.error"
)

// PaymentStatus is the wire value of x402.payment.status.
type PaymentStatus string

const (
	StatusRequired  PaymentStatus = "payment-required"
	StatusSubmitted PaymentStatus = "payment-submitted"
	StatusVerified  PaymentStatus = "payment-verified"
	StatusCompleted PaymentStatus = "payment-completed"
	StatusFailed    PaymentStatus = "payment-failed"
	StatusRejected  PaymentStatus = "payment-rejected"
)

// PaymentRequirement represents a payment method offered by the merchant
type PaymentRequirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType,omitempty"`
	OutputSchema      any            `json:"outputSchema,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ExtraString returns a string view of an extra field. Numbers are formatted
// without a fractional part when they are integral.
func (r PaymentRequirement) ExtraString(key string) string {
	v, ok := r.Extra[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Matches reports whether a payload was issued against this requirement.
// Scheme and network must be equal. Asset and payee are compared as
// case-insensitive addresses.
func (r PaymentRequirement) Matches(p *PaymentPayload) bool {
	if p == nil {
		return false
	}
	if r.Scheme != p.Scheme || r.Network != p.Network {
		return false
	}
	if !strings.EqualFold(r.Asset, p.Payload.Asset) {
		return false
	}
	if !strings.EqualFold(r.PayTo, p.Payload.Authorization.To) {
		return false
	}
	return true
}

// Amount parses MaxAmountRequired.
func (r PaymentRequirement) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidRequirement, r.MaxAmountRequired)
	}
	return amount, nil
}

// PaymentRequirementsResponse is the body of x402.payment.required
type PaymentRequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is the signed payment submitted by the client
type PaymentPayload struct {
	X402Version int                `json:"x402Version"`
	Scheme      string             `json:"scheme"`
	Network     string             `json:"network"`
	Payload     PaymentPayloadData `json:"payload"`
}

// PaymentPayloadData contains the signature and authorization. Asset is the
// token the authorization was signed for; Transaction carries a partially
// signed transaction for networks that settle by transaction rather than by
// authorization.
type PaymentPayloadData struct {
	Signature     string               `json:"signature,omitempty"`
	Authorization PaymentAuthorization `json:"authorization"`
	Asset         string               `json:"asset,omitempty"`
	Transaction   string               `json:"transaction,omitempty"`
}

// PaymentAuthorization contains EIP-3009 authorization data
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Encode encodes the payment payload as base64 JSON
func (p *PaymentPayload) Encode() string {
	data, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePaymentPayload reverses Encode.
func DecodePaymentPayload(encoded string) (*PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &p, nil
}

// SettlementResponse is the receipt of one verify and settle attempt.
// Transaction holds the settlement reference on success; ErrorCode and
// ErrorReason are set on failure.
type SettlementResponse struct {
	Success     bool      `json:"success"`
	Transaction string    `json:"transaction,omitempty"`
	Network     string    `json:"network,omitempty"`
	Payer       string    `json:"payer,omitempty"`
	ErrorCode   ErrorCode `json:"errorCode,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty"`
}

// Receipt is the name used by the ledger and the audit trail.
type Receipt = SettlementResponse

// PaymentEvent represents a payment lifecycle event
type PaymentEvent struct {
	Type        PaymentEventType
	TaskID      string
	Resource    string
	Amount      *big.Int
	Network     string
	Asset       string
	Recipient   string
	Transaction string
	Code        ErrorCode
	Error       error
	Timestamp   int64
}

// PaymentEventType represents types of payment events
type PaymentEventType string

const (
	PaymentEventAttempt  PaymentEventType = "attempt"
	PaymentEventSuccess  PaymentEventType = "success"
	PaymentEventFailure  PaymentEventType = "failure"
	PaymentEventRejected PaymentEventType = "rejected"
)

// NetworkChainIDs maps network names to chain IDs
var NetworkChainIDs = map[string]*big.Int{
	"base-sepolia":   big.NewInt(84532),
	"base":           big.NewInt(8453),
	"avalanche-fuji": big.NewInt(43113),
	"avalanche":      big.NewInt(43114),
	"polygon":        big.NewInt(137),
	"polygon-amoy":   big.NewInt(80002),
	"ethereum":       big.NewInt(1),
	"sepolia":        big.NewInt(11155111),
}

// GetChainID returns the chain ID for a network name, or nil when the
// network is not an EVM network known to this package.
func GetChainID(network string) *big.Int {
	if chainID, ok := NetworkChainIDs[network]; ok {
		return new(big.Int).Set(chainID)
	}
	return nil
}

// ClientPaymentOption represents a payment method the client accepts
type ClientPaymentOption struct {
	PaymentRequirement

	// Client-specific fields
	Priority  int      `json:"-"` // Lower number = higher priority
	MaxAmount string   `json:"-"` // Client's max willing to pay with this option
	ChainID   *big.Int `json:"-"` // EVM chain id used in the EIP-712 domain
	NetworkID string   `json:"-"` // Solana cluster: mainnet-beta or devnet
}
