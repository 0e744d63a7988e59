// Package merchant is a demo seller: free information for anyone, products
// behind a USDC payment on Base Sepolia.
package merchant

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/a2a-x402/server"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPayTo = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"

	Network = "base-sepolia"
	// ChallengeTimeoutSeconds is how long a price quote stays payable.
	ChallengeTimeoutSeconds = 1200

	resourceBase = "https://merchant.example.com/products/"

	minPrice   = 100_000
	priceRange = 99_900_001
)

var (
	buyKeywords   = []string{"buy", "purchase", "sell me", "get me", "want", "order"}
	stripKeywords = []string{"buy", "purchase", "sell me", "get me", "i want", "order"}
	articles      = []string{"a ", "an ", "the "}
)

const publicInfo = `Merchant Information

Welcome to the x402 Merchant Demo!

- Status: Online
- Payment Protocol: x402 (EIP-3009)
- Supported Network: base-sepolia
- Accepted Token: USDC

Try asking to buy something to see the payment flow in action!
Example: "Buy a laptop"`

// OrderConfirmation is the body of the artifact returned after payment.
type OrderConfirmation struct {
	OrderID      string `json:"order_id"`
	Product      string `json:"product"`
	Price        int64  `json:"price"`
	Confirmation string `json:"confirmation"`
	Transaction  string `json:"transaction,omitempty"`
}

// Merchant implements server.Handler.
type Merchant struct {
	payTo  string
	logger logrus.FieldLogger
}

// New creates a merchant paid at payTo. An empty payTo uses DefaultPayTo.
func New(payTo string, logger logrus.FieldLogger) *Merchant {
	if payTo == "" {
		payTo = DefaultPayTo
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Merchant{payTo: payTo, logger: logger.WithField("component", "merchant")}
}

// PayTo returns the address payments go to.
func (m *Merchant) PayTo() string {
	return m.payTo
}

func (m *Merchant) Handle(ctx context.Context, req *server.Request) (server.Result, error) {
	text := req.Text()

	if req.Paid() {
		return m.confirm(req)
	}
	if !IsBuyRequest(text) {
		m.logger.Debug("returned public info")
		return server.OK(&x402.Artifact{
			ArtifactID: uuid.NewString(),
			Name:       "merchant-info",
			Parts:      []x402.Part{x402.TextPart(publicInfo)},
		}, publicInfo), nil
	}

	product := ProductName(text)
	requirement := m.Requirement(product)
	m.logger.WithFields(logrus.Fields{
		"product": product,
		"price":   requirement.MaxAmountRequired,
	}).Info("quoting product")

	return server.PaymentNeeded("Payment required for "+product, requirement), nil
}

func (m *Merchant) confirm(req *server.Request) (server.Result, error) {
	product := ProductName(req.Text())
	order := OrderConfirmation{
		OrderID:      uuid.NewString(),
		Product:      product,
		Price:        Price(product),
		Confirmation: fmt.Sprintf("Your order for %s has been placed.", product),
		Transaction:  req.Settlement.Transaction,
	}

	data, err := json.Marshal(order)
	if err != nil {
		return server.Result{}, fmt.Errorf("encode order: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return server.Result{}, fmt.Errorf("encode order: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"order_id":    order.OrderID,
		"product":     product,
		"transaction": order.Transaction,
	}).Info("order placed")

	return server.OK(&x402.Artifact{
		ArtifactID: order.OrderID,
		Name:       "order-confirmation",
		Parts: []x402.Part{
			x402.TextPart(string(data)),
			x402.DataPart(fields),
		},
	}, order.Confirmation), nil
}

// Requirement quotes product in USDC on Base Sepolia.
func (m *Merchant) Requirement(product string) x402.PaymentRequirement {
	price := Price(product)
	return x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           Network,
		Asset:             x402.USDCAddressBaseSepolia,
		PayTo:             m.payTo,
		MaxAmountRequired: fmt.Sprintf("%d", price),
		Description:       "Payment for: " + product,
		Resource:          resourceBase + product,
		MimeType:          "application/json",
		MaxTimeoutSeconds: ChallengeTimeoutSeconds,
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order_id":     map[string]any{"type": "string"},
				"product":      map[string]any{"type": "string"},
				"price":        map[string]any{"type": "number"},
				"confirmation": map[string]any{"type": "string"},
			},
			"required": []string{"order_id", "product", "confirmation"},
		},
		Extra: map[string]any{
			"version":  "1.0",
			"name":     "USDC",
			"decimals": 6,
			"product": map[string]any{
				"name":  product,
				"sku":   product + "_sku",
				"price": price,
			},
		},
	}
}

// IsBuyRequest reports whether text asks to purchase something.
func IsBuyRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range buyKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// ProductName pulls the product out of a purchase request. "Buy a laptop"
// yields "laptop"; a request naming nothing yields "item".
func ProductName(text string) string {
	name := strings.ToLower(text)
	for _, k := range stripKeywords {
		name = strings.ReplaceAll(name, k, "")
	}
	for _, a := range articles {
		name = strings.ReplaceAll(name, a, "")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "item"
	}
	return name
}

// Price is the deterministic price of product in atomic USDC units.
func Price(product string) int64 {
	sum := sha256.Sum256([]byte(strings.ToLower(product)))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, big.NewInt(priceRange))
	return n.Int64() + minPrice
}

// Skills describes the merchant for its agent card.
func Skills() []server.AgentSkill {
	return []server.AgentSkill{
		{
			ID:          "public-info",
			Name:        "Get Public Info",
			Description: "Get free public information about the merchant",
			Examples:    []string{"What's your status?", "Tell me about your service"},
		},
		{
			ID:          "buy-product",
			Name:        "Buy Product",
			Description: "Purchase a product with x402 payment",
			Tags:        []string{"x402", "payments"},
			Examples:    []string{"Buy a laptop", "I want to purchase a book", "Sell me a phone"},
		},
	}
}
