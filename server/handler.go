package server

import (
	"context"

	"github.com/mark3labs/a2a-x402"
)

// Request is what the middleware and the business handler see of an
// incoming message.
type Request struct {
	// CorrelationID links a challenge to its later resubmission.
	CorrelationID string
	Content       []x402.Part
	// Context is caller-supplied out-of-band data. It never contains the
	// x402.payment.* keys.
	Context map[string]any
	Payment *x402.PaymentInfo

	// Settlement is set only on the call made after a payment settled.
	// That call receives the content and context of the request that
	// discovered the payment requirement.
	Settlement *x402.SettlementResponse
}

// Text concatenates the request's text parts.
func (r *Request) Text() string {
	return x402.JoinText(r.Content)
}

// Paid reports whether the handler is being called after settlement.
func (r *Request) Paid() bool {
	return r.Settlement != nil && r.Settlement.Success
}

type resultKind int

const (
	resultOK resultKind = iota
	resultPaymentNeeded
)

// Result is what a business handler returns: either the service output or
// a request for payment.
type Result struct {
	kind         resultKind
	Artifact     *x402.Artifact
	Text         string
	Requirements []x402.PaymentRequirement
}

// OK is a completed result. artifact may be nil for text-only answers.
func OK(artifact *x402.Artifact, text string) Result {
	return Result{kind: resultOK, Artifact: artifact, Text: text}
}

// PaymentNeeded asks the middleware to challenge the caller. reason becomes
// the challenge message.
func PaymentNeeded(reason string, reqs ...x402.PaymentRequirement) Result {
	return Result{kind: resultPaymentNeeded, Text: reason, Requirements: reqs}
}

// NeedsPayment reports whether r is a PaymentNeeded result.
func (r Result) NeedsPayment() bool {
	return r.kind == resultPaymentNeeded
}

// Handler is the business logic wrapped by the middleware.
type Handler interface {
	Handle(ctx context.Context, req *Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (Result, error) {
	return f(ctx, req)
}

// ResponseStatus is the coarse outcome of a request.
type ResponseStatus string

const (
	StatusOK         ResponseStatus = "ok"
	StatusNeedsInput ResponseStatus = "needs-input"
	StatusFailed     ResponseStatus = "failed"
)

// Response is the middleware's answer. Transports encode Payment into
// their own metadata.
type Response struct {
	CorrelationID string
	Status        ResponseStatus
	// Content is the free-form part of the answer, usually one text part.
	Content  []x402.Part
	Context  map[string]any
	Artifact *x402.Artifact
	Payment  *x402.PaymentInfo
}

// Text concatenates the response's text parts.
func (r *Response) Text() string {
	return x402.JoinText(r.Content)
}
