package server

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/a2a-x402"
	"github.com/sirupsen/logrus"
)

// VerifyOnlyTransaction is the settlement reference recorded when
// settlement is skipped.
const VerifyOnlyTransaction = "verify-only-mode"

// MiddlewareConfig configures a Middleware.
type MiddlewareConfig struct {
	// Facilitator is required.
	Facilitator Facilitator
	// Ledger defaults to a MemoryLedger.
	Ledger Ledger
	Logger logrus.FieldLogger
	Now    func() time.Time

	// VerifyOnly skips settlement and completes on a valid verification.
	VerifyOnly bool
	// ResourcePrefix fills empty requirement resources with prefix+id.
	ResourcePrefix string

	OnPaymentEvent func(x402.PaymentEvent)
}

// Middleware drives the payment handshake in front of a Handler.
type Middleware struct {
	next        Handler
	facilitator Facilitator
	ledger      Ledger
	logger      logrus.FieldLogger
	now         func() time.Time
	verifyOnly  bool
	prefix      string
	onEvent     func(x402.PaymentEvent)
}

// NewMiddleware wraps next.
func NewMiddleware(next Handler, cfg MiddlewareConfig) (*Middleware, error) {
	if next == nil {
		return nil, errors.New("middleware: nil handler")
	}
	if cfg.Facilitator == nil {
		return nil, errors.New("middleware: no facilitator configured")
	}

	m := &Middleware{
		next:        next,
		facilitator: cfg.Facilitator,
		ledger:      cfg.Ledger,
		logger:      cfg.Logger,
		now:         cfg.Now,
		verifyOnly:  cfg.VerifyOnly,
		prefix:      cfg.ResourcePrefix,
		onEvent:     cfg.OnPaymentEvent,
	}
	if m.ledger == nil {
		m.ledger = NewMemoryLedger()
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.logger = m.logger.WithField("component", "x402-middleware")
	return m, nil
}

// Ledger returns the ledger records are kept in.
func (m *Middleware) Ledger() Ledger {
	return m.ledger
}

// Handle answers one request. It never returns nil and never panics on
// provider or handler failures.
func (m *Middleware) Handle(ctx context.Context, req *Request) *Response {
	id := req.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	var payment x402.PaymentInfo
	if req.Payment != nil {
		payment = *req.Payment
	}
	reqCtx := x402.StripPaymentKeys(req.Context)
	log := m.logger.WithField("task_id", id)

	unlock, err := m.ledger.Lock(ctx, id)
	if err != nil {
		log.WithError(err).Warn("could not lock payment record")
		return m.failed(id, reqCtx, "request cancelled", &x402.PaymentInfo{
			Status: x402.StatusFailed,
			Error:  x402.CodeProviderUnavailable,
		})
	}
	defer unlock()

	rec, err := m.ledger.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		if payment.Submitted() || payment.Rejected() {
			log.WithField("error_code", x402.CodeNoMatchingRequirement).Info("payment for unknown task")
			return m.failed(id, reqCtx, "no payment was requested for this task", &x402.PaymentInfo{
				Status:   x402.StatusFailed,
				Receipts: []x402.Receipt{failureReceipt(payment.Payload, x402.CodeNoMatchingRequirement, "no payment record")},
				Error:    x402.CodeNoMatchingRequirement,
			})
		}
		return m.discover(ctx, id, req.Content, reqCtx, log)
	}
	if err != nil {
		return m.ledgerFailure(id, reqCtx, err, log)
	}

	respCtx := mergeContext(rec.Original.Context, reqCtx)

	switch {
	case rec.Phase.Terminal():
		log.WithFields(logrus.Fields{"phase": rec.Phase, "error_code": x402.CodeAlreadyFinalized}).Info("payment already finalized")
		return m.recordFailure(id, respCtx, rec, x402.CodeAlreadyFinalized, "payment already finalized")
	case inFlight(rec.Phase):
		log.WithFields(logrus.Fields{"phase": rec.Phase, "error_code": x402.CodeAttemptInFlight}).Info("duplicate submission")
		return m.recordFailure(id, respCtx, rec, x402.CodeAttemptInFlight, "attempt already in flight")
	}

	// Phase required from here on.
	if payment.Rejected() {
		rec, err = m.ledger.Advance(ctx, id, PhaseRequired, PhaseRejected, nil)
		if err != nil {
			return m.ledgerFailure(id, respCtx, err, log)
		}
		log.WithField("phase", rec.Phase).Info("payment rejected by client")
		m.emit(x402.PaymentEventRejected, id, firstRequirement(rec), "", "", nil)
		return m.failed(id, respCtx, "payment rejected", &x402.PaymentInfo{
			Status:   x402.StatusRejected,
			Receipts: rec.Receipts,
		})
	}
	if !payment.Submitted() {
		return m.challenge(id, respCtx, rec, "")
	}

	return m.settle(ctx, id, rec, payment.Payload, respCtx, unlock, log)
}

// discover runs the handler for a request that has no payment record.
func (m *Middleware) discover(ctx context.Context, id string, content []x402.Part, reqCtx map[string]any, log logrus.FieldLogger) *Response {
	result, err := m.call(ctx, &Request{CorrelationID: id, Content: content, Context: reqCtx})
	if err != nil {
		log.WithError(err).Error("handler failed")
		return m.failed(id, reqCtx, "request failed", nil)
	}

	if !result.NeedsPayment() {
		return &Response{
			CorrelationID: id,
			Status:        StatusOK,
			Content:       textContent(result.Text),
			Context:       reqCtx,
			Artifact:      result.Artifact,
		}
	}

	reqs, err := m.prepare(id, result.Requirements)
	if err != nil {
		log.WithError(err).Error("handler asked for an invalid payment")
		return m.failed(id, reqCtx, "request failed", nil)
	}

	now := m.now()
	rec := &PaymentRecord{
		ID:           id,
		Requirements: reqs,
		Challenge:    result.Text,
		Phase:        PhaseRequired,
		Original:     OriginalRequest{Content: content, Context: reqCtx},
		IssuedAt:     now,
		UpdatedAt:    now,
	}
	if err := m.ledger.Create(ctx, rec); err != nil {
		return m.ledgerFailure(id, reqCtx, err, log)
	}

	log.WithFields(logrus.Fields{
		"phase":   PhaseRequired,
		"network": reqs[0].Network,
		"options": len(reqs),
	}).Info("payment required")
	return m.challenge(id, reqCtx, rec, "")
}

// prepare validates the requirements a handler returned and fills defaults.
func (m *Middleware) prepare(id string, in []x402.PaymentRequirement) ([]x402.PaymentRequirement, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no requirements", x402.ErrInvalidRequirement)
	}
	out := make([]x402.PaymentRequirement, len(in))
	for i, r := range in {
		if r.Scheme == "" || r.Network == "" || r.PayTo == "" || r.Asset == "" {
			return nil, fmt.Errorf("%w: requirement %d is incomplete", x402.ErrInvalidRequirement, i)
		}
		if _, err := r.Amount(); err != nil {
			return nil, err
		}
		if r.Resource == "" {
			r.Resource = m.prefix + id
		}
		if r.MimeType == "" {
			r.MimeType = "application/json"
		}
		out[i] = r
	}
	return out, nil
}

// settle drives a submission from required to a terminal phase. The id
// lock is held on entry and released once the record is submitted.
func (m *Middleware) settle(ctx context.Context, id string, rec *PaymentRecord, payload *x402.PaymentPayload, respCtx map[string]any, unlock func(), log logrus.FieldLogger) *Response {
	requirement := matchRequirement(rec.Requirements, payload)
	if requirement == nil {
		receipt := failureReceipt(payload, x402.CodeNoMatchingRequirement, "payment does not match any offered requirement")
		rec, err := m.ledger.Advance(ctx, id, PhaseRequired, PhaseFailed, &receipt)
		if err != nil {
			return m.ledgerFailure(id, respCtx, err, log)
		}
		log.WithFields(logrus.Fields{"phase": rec.Phase, "error_code": x402.CodeNoMatchingRequirement}).Info("payment failed")
		m.emit(x402.PaymentEventFailure, id, firstRequirement(rec), "", x402.CodeNoMatchingRequirement, nil)
		return m.recordFailure(id, respCtx, rec, x402.CodeNoMatchingRequirement, "payment does not match any offered requirement")
	}

	rec, err := m.ledger.Advance(ctx, id, PhaseRequired, PhaseSubmitted, nil)
	if err != nil {
		return m.ledgerFailure(id, respCtx, err, log)
	}
	unlock()

	// The record must leave submitted/verified even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log = log.WithField("network", requirement.Network)
	log.WithField("phase", rec.Phase).Info("payment submitted")
	m.emit(x402.PaymentEventAttempt, id, requirement, "", "", nil)

	fail := func(from Phase, code x402.ErrorCode, reason string, cause error) *Response {
		receipt := failureReceipt(payload, code, reason)
		rec, err := m.ledger.Advance(ctx, id, from, PhaseFailed, &receipt)
		if err != nil {
			return m.ledgerFailure(id, respCtx, err, log)
		}
		log.WithFields(logrus.Fields{"phase": rec.Phase, "error_code": code}).WithError(cause).Info("payment failed")
		m.emit(x402.PaymentEventFailure, id, requirement, "", code, cause)
		return m.recordFailure(id, respCtx, rec, code, reason)
	}

	if m.expired(rec, requirement, payload) {
		return fail(PhaseSubmitted, x402.CodeExpiredPayment, "payment authorization expired", nil)
	}

	verifyResp, err := m.facilitator.Verify(ctx, payload, requirement)
	if err != nil {
		receipt := failureReceipt(payload, x402.CodeProviderUnavailable, err.Error())
		rec, aerr := m.ledger.Advance(ctx, id, PhaseSubmitted, PhaseRequired, &receipt)
		if aerr != nil {
			return m.ledgerFailure(id, respCtx, aerr, log)
		}
		log.WithFields(logrus.Fields{"phase": rec.Phase, "error_code": x402.CodeProviderUnavailable}).WithError(err).Warn("verification unavailable")
		m.emit(x402.PaymentEventFailure, id, requirement, "", x402.CodeProviderUnavailable, err)
		return m.challenge(id, respCtx, rec, x402.CodeProviderUnavailable)
	}
	if !verifyResp.IsValid {
		code := ErrorCodeForReason(verifyResp.InvalidReason)
		return fail(PhaseSubmitted, code, verifyResp.InvalidReason, nil)
	}

	rec, err = m.ledger.Advance(ctx, id, PhaseSubmitted, PhaseVerified, nil)
	if err != nil {
		return m.ledgerFailure(id, respCtx, err, log)
	}
	log.WithFields(logrus.Fields{"phase": rec.Phase, "payer": verifyResp.Payer}).Info("payment verified")

	var receipt x402.Receipt
	if m.verifyOnly {
		receipt = x402.Receipt{
			Success:     true,
			Transaction: VerifyOnlyTransaction,
			Network:     payload.Network,
			Payer:       verifyResp.Payer,
		}
	} else {
		settleResp, err := m.facilitator.Settle(ctx, payload, requirement)
		if err != nil {
			code := x402.CodeSettlementFailed
			if errors.Is(err, x402.ErrProviderUnavailable) {
				code = x402.CodeProviderUnavailable
			}
			return fail(PhaseVerified, code, err.Error(), err)
		}
		if !settleResp.Success {
			return fail(PhaseVerified, x402.CodeSettlementFailed, settleResp.ErrorReason, nil)
		}
		receipt = x402.Receipt{
			Success:     true,
			Transaction: settleResp.Transaction,
			Network:     settleResp.Network,
			Payer:       settleResp.Payer,
		}
		if receipt.Network == "" {
			receipt.Network = payload.Network
		}
		if receipt.Payer == "" {
			receipt.Payer = verifyResp.Payer
		}
	}

	// Settlement cannot be undone, so the record completes whatever the
	// handler does next.
	result, herr := m.call(ctx, &Request{
		CorrelationID: id,
		Content:       rec.Original.Content,
		Context:       respCtx,
		Payment:       &x402.PaymentInfo{Status: x402.StatusVerified, Payload: payload},
		Settlement:    &receipt,
	})
	if herr == nil && result.NeedsPayment() {
		herr = errors.New("handler asked for payment after settlement")
	}

	rec, err = m.ledger.Advance(ctx, id, PhaseVerified, PhaseCompleted, &receipt)
	if err != nil {
		return m.ledgerFailure(id, respCtx, err, log)
	}
	log.WithFields(logrus.Fields{"phase": rec.Phase, "transaction": receipt.Transaction}).Info("payment completed")
	m.emit(x402.PaymentEventSuccess, id, requirement, receipt.Transaction, "", nil)

	info := &x402.PaymentInfo{Status: x402.StatusCompleted, Receipts: rec.Receipts}
	if herr != nil {
		log.WithError(herr).Error("handler failed after settlement")
		return m.failed(id, respCtx, "payment settled but the request failed", info)
	}
	return &Response{
		CorrelationID: id,
		Status:        StatusOK,
		Content:       textContent(result.Text),
		Context:       respCtx,
		Artifact:      result.Artifact,
		Payment:       info,
	}
}

// expired reports whether the submission is past the requirement's
// timeout or outside its own validity window. Transaction payloads may omit
// the window.
func (m *Middleware) expired(rec *PaymentRecord, req *x402.PaymentRequirement, payload *x402.PaymentPayload) bool {
	now := m.now()
	if req.MaxTimeoutSeconds > 0 && now.Sub(rec.IssuedAt) > time.Duration(req.MaxTimeoutSeconds)*time.Second {
		return true
	}

	auth := payload.Payload.Authorization
	if payload.Payload.Transaction != "" && auth.ValidAfter == "" && auth.ValidBefore == "" {
		return false
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return true
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return true
	}
	unix := now.Unix()
	return unix < validAfter || unix >= validBefore
}

// call runs the business handler and turns a panic into an error.
func (m *Middleware) call(ctx context.Context, req *Request) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m.next.Handle(ctx, req)
}

func (m *Middleware) challenge(id string, respCtx map[string]any, rec *PaymentRecord, code x402.ErrorCode) *Response {
	text := rec.Challenge
	if text == "" {
		text = "Payment required"
	}
	required := &x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       rec.Challenge,
		Accepts:     append([]x402.PaymentRequirement(nil), rec.Requirements...),
	}
	if code != "" {
		required.Error = string(code)
	}
	return &Response{
		CorrelationID: id,
		Status:        StatusNeedsInput,
		Content:       textContent(text),
		Context:       respCtx,
		Payment: &x402.PaymentInfo{
			Status:   x402.StatusRequired,
			Required: required,
			Receipts: rec.Receipts,
			Error:    code,
		},
	}
}

func (m *Middleware) recordFailure(id string, respCtx map[string]any, rec *PaymentRecord, code x402.ErrorCode, text string) *Response {
	return m.failed(id, respCtx, text, &x402.PaymentInfo{
		Status:   rec.Phase.Status(),
		Receipts: rec.Receipts,
		Error:    code,
	})
}

func (m *Middleware) failed(id string, respCtx map[string]any, text string, info *x402.PaymentInfo) *Response {
	return &Response{
		CorrelationID: id,
		Status:        StatusFailed,
		Content:       textContent(text),
		Context:       respCtx,
		Payment:       info,
	}
}

// ledgerFailure answers a request whose record could not be read or
// written. A phase conflict means another request moved the record first.
func (m *Middleware) ledgerFailure(id string, respCtx map[string]any, err error, log logrus.FieldLogger) *Response {
	code := x402.CodeProviderUnavailable
	text := "payment ledger unavailable"
	if errors.Is(err, ErrPhaseConflict) || errors.Is(err, ErrRecordExists) {
		code = x402.CodeAttemptInFlight
		text = "attempt already in flight"
	}
	log.WithError(err).WithField("error_code", code).Warn("ledger operation failed")
	return m.failed(id, respCtx, text, &x402.PaymentInfo{Status: x402.StatusFailed, Error: code})
}

func (m *Middleware) emit(typ x402.PaymentEventType, id string, req *x402.PaymentRequirement, tx string, code x402.ErrorCode, err error) {
	if m.onEvent == nil {
		return
	}
	event := x402.PaymentEvent{
		Type:        typ,
		TaskID:      id,
		Transaction: tx,
		Code:        code,
		Error:       err,
		Timestamp:   m.now().Unix(),
	}
	if req != nil {
		event.Resource = req.Resource
		event.Network = req.Network
		event.Asset = req.Asset
		event.Recipient = req.PayTo
		if amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10); ok {
			event.Amount = amount
		}
	}
	m.onEvent(event)
}

func matchRequirement(reqs []x402.PaymentRequirement, payload *x402.PaymentPayload) *x402.PaymentRequirement {
	if payload == nil {
		return nil
	}
	for i := range reqs {
		if reqs[i].Matches(payload) {
			r := reqs[i]
			return &r
		}
	}
	return nil
}

func firstRequirement(rec *PaymentRecord) *x402.PaymentRequirement {
	if len(rec.Requirements) == 0 {
		return nil
	}
	r := rec.Requirements[0]
	return &r
}

func failureReceipt(payload *x402.PaymentPayload, code x402.ErrorCode, reason string) x402.Receipt {
	receipt := x402.Receipt{Success: false, ErrorCode: code, ErrorReason: reason}
	if payload != nil {
		receipt.Network = payload.Network
		receipt.Payer = payload.Payload.Authorization.From
	}
	return receipt
}

// mergeContext overlays the current request's context on the original one.
func mergeContext(original, current map[string]any) map[string]any {
	out := make(map[string]any, len(original)+len(current))
	for k, v := range original {
		out[k] = v
	}
	for k, v := range current {
		out[k] = v
	}
	return out
}

func textContent(text string) []x402.Part {
	if text == "" {
		return nil
	}
	return []x402.Part{x402.TextPart(text)}
}
