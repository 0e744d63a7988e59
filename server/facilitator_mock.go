package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/a2a-x402"
)

const (
	MockTransaction   = "0xmock1234567890abcdef1234567890abcdef1234567890abcdef1234567890"
	MockInvalidReason = "mock_invalid_payload"
	MockSettleFailure = "mock_settlement_failed"
	MockPayer         = "0xmockpayer"
)

// MockFacilitator returns configured verdicts without touching a chain.
type MockFacilitator struct {
	mu sync.Mutex
	// Valid is the verify verdict.
	Valid bool
	// Settled is the settle verdict.
	Settled bool
	// InvalidReason overrides MockInvalidReason.
	InvalidReason string
	// VerifyErr and SettleErr are returned instead of a verdict when set.
	VerifyErr error
	SettleErr error
	Supported []SupportedKind

	verifyCalls atomic.Int32
	settleCalls atomic.Int32
}

// NewMockFacilitator returns a facilitator that accepts and settles everything.
func NewMockFacilitator() *MockFacilitator {
	return &MockFacilitator{Valid: true, Settled: true}
}

// Set changes the verdicts while requests may be running.
func (m *MockFacilitator) Set(valid, settled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Valid = valid
	m.Settled = settled
}

func (m *MockFacilitator) Verify(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*VerifyResponse, error) {
	m.verifyCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.VerifyErr != nil {
		return nil, m.VerifyErr
	}
	if !m.Valid {
		reason := m.InvalidReason
		if reason == "" {
			reason = MockInvalidReason
		}
		return &VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	return &VerifyResponse{IsValid: true, Payer: payer(payment)}, nil
}

func (m *MockFacilitator) Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error) {
	m.settleCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SettleErr != nil {
		return nil, m.SettleErr
	}
	if !m.Settled {
		return &SettleResponse{
			Success:     false,
			Network:     payment.Network,
			ErrorReason: MockSettleFailure,
		}, nil
	}
	return &SettleResponse{
		Success:     true,
		Payer:       payer(payment),
		Transaction: MockTransaction,
		Network:     payment.Network,
	}, nil
}

func (m *MockFacilitator) GetSupported(ctx context.Context) ([]SupportedKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Supported != nil {
		return m.Supported, nil
	}
	return []SupportedKind{{X402Version: x402.X402Version, Scheme: "exact", Network: "base-sepolia"}}, nil
}

// VerifyCalls returns how many times Verify was called.
func (m *MockFacilitator) VerifyCalls() int {
	return int(m.verifyCalls.Load())
}

// SettleCalls returns how many times Settle was called.
func (m *MockFacilitator) SettleCalls() int {
	return int(m.settleCalls.Load())
}

func payer(p *x402.PaymentPayload) string {
	if p != nil && p.Payload.Authorization.From != "" {
		return p.Payload.Authorization.From
	}
	return MockPayer
}
