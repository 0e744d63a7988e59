package server

import (
	"fmt"

	"github.com/mark3labs/a2a-x402"
)

// Phase is the server-side state of one payment handshake.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseRequired  Phase = "required"
	PhaseSubmitted Phase = "submitted"
	PhaseVerified  Phase = "verified"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseRejected  Phase = "rejected"
)

// Terminal reports whether no further transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseRejected
}

// Status is the wire status reported for a record in phase p.
func (p Phase) Status() x402.PaymentStatus {
	switch p {
	case PhaseRequired:
		return x402.StatusRequired
	case PhaseSubmitted:
		return x402.StatusSubmitted
	case PhaseVerified:
		return x402.StatusVerified
	case PhaseCompleted:
		return x402.StatusCompleted
	case PhaseFailed:
		return x402.StatusFailed
	case PhaseRejected:
		return x402.StatusRejected
	default:
		return ""
	}
}

// submitted→required returns an attempt that hit an unavailable
// facilitator to the client without burning the correlation id.
var transitions = map[Phase][]Phase{
	PhaseRequired:  {PhaseSubmitted, PhaseFailed, PhaseRejected},
	PhaseSubmitted: {PhaseVerified, PhaseFailed, PhaseRequired},
	PhaseVerified:  {PhaseCompleted, PhaseFailed},
}

// CanTransition reports whether from→to is an edge of the state machine.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// VerifyRequest sent to facilitator /verify endpoint
type VerifyRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse from facilitator
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleRequest sent to facilitator /settle endpoint
type SettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirement `json:"paymentRequirements"`
}

// SettleResponse from facilitator
type SettleResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind represents a supported payment scheme/network combination.
// Extra carries network specifics such as a Solana fee payer.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}
