package merchant

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/a2a-x402/server"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(text string) *server.Request {
	return &server.Request{CorrelationID: "task-1", Content: []x402.Part{x402.TextPart(text)}}
}

func TestIsBuyRequest(t *testing.T) {
	for _, text := range []string{"Buy a laptop", "I want to purchase a book", "Sell me a phone", "get me coffee", "ORDER pizza"} {
		assert.True(t, IsBuyRequest(text), text)
	}
	for _, text := range []string{"What's your status?", "hello", ""} {
		assert.False(t, IsBuyRequest(text), text)
	}
}

func TestProductName(t *testing.T) {
	cases := map[string]string{
		"Buy a laptop":         "laptop",
		"buy the phone":        "phone",
		"Sell me an umbrella":  "umbrella",
		"I want a banana":      "banana",
		"get me coffee":        "coffee",
		"buy":                  "item",
		"  ORDER   a   book  ": "book",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ProductName(in))
		})
	}
}

func TestPrice(t *testing.T) {
	assert.Equal(t, int64(87202425), Price("laptop"))
	assert.Equal(t, Price("laptop"), Price("LAPTOP"))

	for _, p := range []string{"item", "book", "phone", "a very long product name"} {
		price := Price(p)
		assert.GreaterOrEqual(t, price, int64(minPrice))
		assert.Less(t, price, int64(minPrice+priceRange))
	}
}

func TestRequirement(t *testing.T) {
	m := New("", nil)
	req := m.Requirement("laptop")

	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, "base-sepolia", req.Network)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", req.Asset)
	assert.Equal(t, DefaultPayTo, req.PayTo)
	assert.Equal(t, "87202425", req.MaxAmountRequired)
	assert.Equal(t, "https://merchant.example.com/products/laptop", req.Resource)
	assert.Equal(t, "application/json", req.MimeType)
	assert.Equal(t, 1200, req.MaxTimeoutSeconds)
	assert.NotNil(t, req.OutputSchema)
	assert.Equal(t, "1.0", req.ExtraString("version"))
	assert.Equal(t, "USDC", req.ExtraString("name"))

	product, ok := req.Extra["product"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "laptop_sku", product["sku"])
	assert.Equal(t, int64(87202425), product["price"])
}

func TestMerchantHandle(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := New("0x1111111111111111111111111111111111111111", logger)

	t.Run("PublicInfo", func(t *testing.T) {
		result, err := m.Handle(t.Context(), request("What's your status?"))
		require.NoError(t, err)
		assert.False(t, result.NeedsPayment())
		require.NotNil(t, result.Artifact)
		assert.Contains(t, result.Artifact.Text(), "Merchant Information")
	})

	t.Run("BuyNeedsPayment", func(t *testing.T) {
		result, err := m.Handle(t.Context(), request("Buy a laptop"))
		require.NoError(t, err)
		require.True(t, result.NeedsPayment())
		require.Len(t, result.Requirements, 1)
		assert.Equal(t, "0x1111111111111111111111111111111111111111", result.Requirements[0].PayTo)
		assert.Equal(t, "Payment required for laptop", result.Text)
	})

	t.Run("PaidReturnsOrder", func(t *testing.T) {
		req := request("Buy a laptop")
		req.Settlement = &x402.SettlementResponse{Success: true, Transaction: "0xabc"}

		result, err := m.Handle(t.Context(), req)
		require.NoError(t, err)
		require.False(t, result.NeedsPayment())
		require.NotNil(t, result.Artifact)

		var order OrderConfirmation
		require.NoError(t, json.Unmarshal([]byte(result.Artifact.Text()), &order))
		assert.Equal(t, "laptop", order.Product)
		assert.Equal(t, int64(87202425), order.Price)
		assert.Equal(t, "0xabc", order.Transaction)
		assert.NotEmpty(t, order.Confirmation)
		_, err = uuid.Parse(order.OrderID)
		assert.NoError(t, err)
		assert.Equal(t, order.OrderID, result.Artifact.ArtifactID)

		require.Len(t, result.Artifact.Parts, 2)
		assert.Equal(t, "laptop", result.Artifact.Parts[1].Data["product"])
	})
}

func TestMerchantBehindMiddleware(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mw, err := server.NewMiddleware(New("", logger), server.MiddlewareConfig{
		Facilitator: server.NewLocalFacilitator(server.LocalFacilitatorConfig{Logger: logger}),
		Logger:      logger,
	})
	require.NoError(t, err)

	client, err := x402.NewClient(x402.ClientConfig{
		Transport: server.NewLocalTransport(mw),
		Signer:    x402.NewTestKeySigner(x402.AcceptUSDCBaseSepolia()),
		Logger:    logger,
	})
	require.NoError(t, err)

	outcome, err := client.Request(t.Context(), "Buy a laptop")
	require.NoError(t, err)
	require.Equal(t, x402.OutcomeCompleted, outcome.Kind, outcome.Reason)
	assert.NotEmpty(t, outcome.Transaction())

	var order OrderConfirmation
	require.NoError(t, json.Unmarshal([]byte(outcome.Text), &order))
	assert.Equal(t, "laptop", order.Product)
	assert.Equal(t, outcome.Transaction(), order.Transaction)
}
