package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// Selector picks one requirement out of a challenge.
type Selector func(signer PaymentSigner, accepts []PaymentRequirement) (*PaymentRequirement, error)

// Approver is asked before a payment is signed when auto-approval does not
// apply. It may block for as long as the user needs; returning false
// declines the payment.
type Approver func(ctx context.Context, req PaymentRequirement) (bool, error)

// PaymentHandler selects, approves and signs payments for the client.
type PaymentHandler struct {
	signer        PaymentSigner
	budgetManager *BudgetManager
	config        HandlerConfig
}

// HandlerConfig configures the payment handler
type HandlerConfig struct {
	MaxPaymentAmount string
	RateLimits       *RateLimits

	// AutoApprove signs every payment within budget without asking.
	AutoApprove bool
	// AutoPayThreshold signs payments at or below this amount without asking.
	AutoPayThreshold string
	Approver         Approver

	// Selector defaults to SelectFirst.
	Selector Selector
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(signer PaymentSigner, config *HandlerConfig) (*PaymentHandler, error) {
	if signer == nil {
		return nil, ErrNoSignerConfigured
	}

	if config == nil {
		config = &HandlerConfig{AutoApprove: true}
	}

	budgetManager, err := NewBudgetManager(config.MaxPaymentAmount, config.RateLimits)
	if err != nil {
		return nil, err
	}

	if config.AutoPayThreshold != "" {
		if _, ok := new(big.Int).SetString(config.AutoPayThreshold, 10); !ok {
			return nil, fmt.Errorf("invalid auto-pay threshold: %s", config.AutoPayThreshold)
		}
	}

	cfg := *config
	if cfg.Selector == nil {
		cfg.Selector = SelectFirst
	}

	return &PaymentHandler{
		signer:        signer,
		budgetManager: budgetManager,
		config:        cfg,
	}, nil
}

// Signer returns the wallet used for signing.
func (h *PaymentHandler) Signer() PaymentSigner {
	return h.signer
}

// Select picks the requirement to pay.
func (h *PaymentHandler) Select(accepts []PaymentRequirement) (*PaymentRequirement, error) {
	if len(accepts) == 0 {
		return nil, ErrNoAcceptablePayment
	}
	return h.config.Selector(h.signer, accepts)
}

// Approve decides whether req may be paid. A refusal wraps ErrPaymentDeclined.
func (h *PaymentHandler) Approve(ctx context.Context, req PaymentRequirement) error {
	amount, err := req.Amount()
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive: %s", ErrInvalidRequirement, req.MaxAmountRequired)
	}

	if err := h.budgetManager.CanSpend(amount, req.Resource); err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentDeclined, err)
	}

	if h.config.AutoApprove {
		return nil
	}

	if h.config.AutoPayThreshold != "" {
		threshold, _ := new(big.Int).SetString(h.config.AutoPayThreshold, 10)
		if amount.Cmp(threshold) <= 0 {
			return nil
		}
	}

	if h.config.Approver == nil {
		return fmt.Errorf("%w: approval required", ErrPaymentDeclined)
	}
	ok, err := h.config.Approver(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentDeclined, err)
	}
	if !ok {
		return fmt.Errorf("%w: by user", ErrPaymentDeclined)
	}
	return nil
}

// Sign signs req and charges it against the budget.
func (h *PaymentHandler) Sign(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	payment, err := h.signer.SignPayment(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment: %w", err)
	}

	amount, _ := req.Amount()
	h.budgetManager.RecordPayment(amount, req.Resource)
	return payment, nil
}

// CreatePayment runs select, approve and sign. The selected requirement is
// returned even when approval or signing fails.
func (h *PaymentHandler) CreatePayment(ctx context.Context, reqs PaymentRequirementsResponse) (*PaymentPayload, *PaymentRequirement, error) {
	selected, err := h.Select(reqs.Accepts)
	if err != nil {
		return nil, nil, err
	}
	if err := h.Approve(ctx, *selected); err != nil {
		return nil, selected, err
	}
	payment, err := h.Sign(ctx, *selected)
	if err != nil {
		return nil, selected, err
	}
	return payment, selected, nil
}

// GetMetrics returns budget metrics
func (h *PaymentHandler) GetMetrics() BudgetMetrics {
	return h.budgetManager.GetMetrics()
}

// SelectFirst picks the first offered requirement the signer can pay.
func SelectFirst(signer PaymentSigner, accepts []PaymentRequirement) (*PaymentRequirement, error) {
	for i := range accepts {
		if payable(signer, accepts[i]) != nil {
			return &accepts[i], nil
		}
	}
	return nil, ErrNoAcceptablePayment
}

// SelectByPriority picks the payable requirement whose client option has
// the best priority, breaking ties by the lower amount.
func SelectByPriority(signer PaymentSigner, accepts []PaymentRequirement) (*PaymentRequirement, error) {
	type candidate struct {
		req      *PaymentRequirement
		priority int
		amount   *big.Int
	}

	var candidates []candidate
	for i := range accepts {
		option := payable(signer, accepts[i])
		if option == nil {
			continue
		}
		amount, _ := accepts[i].Amount()
		candidates = append(candidates, candidate{
			req:      &accepts[i],
			priority: option.Priority,
			amount:   amount,
		})
	}

	if len(candidates) == 0 {
		return nil, ErrNoAcceptablePayment
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].amount.Cmp(candidates[j].amount) < 0
	})

	return candidates[0].req, nil
}

// payable returns the signer option that can pay req, or nil.
func payable(signer PaymentSigner, req PaymentRequirement) *ClientPaymentOption {
	if !signer.SupportsNetwork(req.Network) || !signer.HasAsset(req.Asset, req.Network) {
		return nil
	}
	option := signer.GetPaymentOption(req.Network, req.Asset)
	if option == nil {
		return nil
	}
	if option.Scheme != "" && option.Scheme != req.Scheme {
		return nil
	}

	amount, err := req.Amount()
	if err != nil || amount.Sign() <= 0 {
		return nil
	}
	if option.MaxAmount != "" {
		if max, ok := new(big.Int).SetString(option.MaxAmount, 10); ok && amount.Cmp(max) > 0 {
			return nil
		}
	}
	return option
}

// IsDeclined reports whether err is a client-side refusal to pay.
func IsDeclined(err error) bool {
	return errors.Is(err, ErrPaymentDeclined)
}
