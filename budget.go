package x402

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// RateLimits defines rate limiting configuration
type RateLimits struct {
	MaxPaymentsPerMinute int
	MaxAmountPerHour     string
}

// BudgetManager enforces client spending limits over rolling windows.
type BudgetManager struct {
	mu               sync.Mutex
	maxPaymentAmount *big.Int
	maxPerMinute     int
	maxPerHour       *big.Int
	now              func() time.Time

	// Payments of the last 24 hours, oldest first.
	payments []spend
}

type spend struct {
	at       time.Time
	amount   *big.Int
	resource string
}

// NewBudgetManager creates a new budget manager. An empty maxPaymentAmount
// disables the per-payment cap.
func NewBudgetManager(maxPaymentAmount string, rateLimits *RateLimits) (*BudgetManager, error) {
	bm := &BudgetManager{now: time.Now}

	if maxPaymentAmount != "" {
		max, err := parsePositive(maxPaymentAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid max payment amount: %w", err)
		}
		bm.maxPaymentAmount = max
	}

	if rateLimits != nil {
		bm.maxPerMinute = rateLimits.MaxPaymentsPerMinute
		if rateLimits.MaxAmountPerHour != "" {
			max, err := parsePositive(rateLimits.MaxAmountPerHour)
			if err != nil {
				return nil, fmt.Errorf("invalid max hourly amount: %w", err)
			}
			bm.maxPerHour = max
		}
	}

	return bm, nil
}

func parsePositive(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %s", s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("must be positive: %s", s)
	}
	return v, nil
}

// CanSpend checks if a payment is within budget limits
func (bm *BudgetManager) CanSpend(amount *big.Int, resource string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.maxPaymentAmount != nil && amount.Cmp(bm.maxPaymentAmount) > 0 {
		return ErrAmountExceedsLimit
	}

	now := bm.now()
	if bm.maxPerMinute > 0 && bm.countSince(now.Add(-time.Minute)) >= bm.maxPerMinute {
		return ErrRateLimitExceeded
	}
	if bm.maxPerHour != nil {
		total := new(big.Int).Add(bm.sumSince(now.Add(-time.Hour)), amount)
		if total.Cmp(bm.maxPerHour) > 0 {
			return ErrBudgetExceeded
		}
	}
	return nil
}

// RecordPayment records a payment that was signed and sent
func (bm *BudgetManager) RecordPayment(amount *big.Int, resource string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.now()
	bm.payments = append(bm.payments, spend{
		at:       now,
		amount:   new(big.Int).Set(amount),
		resource: resource,
	})

	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(bm.payments) && !bm.payments[i].at.After(cutoff) {
		i++
	}
	bm.payments = bm.payments[i:]
}

func (bm *BudgetManager) countSince(t time.Time) int {
	n := 0
	for _, p := range bm.payments {
		if p.at.After(t) {
			n++
		}
	}
	return n
}

func (bm *BudgetManager) sumSince(t time.Time) *big.Int {
	total := new(big.Int)
	for _, p := range bm.payments {
		if p.at.After(t) {
			total.Add(total, p.amount)
		}
	}
	return total
}

// GetMetrics returns current spending metrics
func (bm *BudgetManager) GetMetrics() BudgetMetrics {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.now()
	total := new(big.Int)
	for _, p := range bm.payments {
		total.Add(total, p.amount)
	}

	return BudgetMetrics{
		TotalSpent:   total.String(),
		HourlySpent:  bm.sumSince(now.Add(-time.Hour)).String(),
		PaymentCount: len(bm.payments),
		MinuteCount:  bm.countSince(now.Add(-time.Minute)),
	}
}

// BudgetMetrics contains spending metrics
type BudgetMetrics struct {
	TotalSpent   string
	HourlySpent  string
	PaymentCount int
	MinuteCount  int
}
