package server

import (
	"sync"

	"github.com/mark3labs/a2a-x402"
)

// DefaultMaxTimeoutSeconds is the validity of a challenge built by the
// RequireUSDC helpers.
const DefaultMaxTimeoutSeconds = 60

var (
	// supportedPayments caches the facilitator's /supported answer by network.
	supportedPayments   = make(map[string]SupportedKind)
	supportedPaymentsMu sync.RWMutex
)

// SetSupportedPayments caches the payment kinds a facilitator supports.
// Requirements built afterwards pick up the kind's extra fields, such as
// the Solana fee payer.
func SetSupportedPayments(supported []SupportedKind) {
	supportedPaymentsMu.Lock()
	defer supportedPaymentsMu.Unlock()

	for _, kind := range supported {
		supportedPayments[kind.Network] = kind
	}
}

func supportedExtra(network string) map[string]any {
	supportedPaymentsMu.RLock()
	defer supportedPaymentsMu.RUnlock()

	kind, ok := supportedPayments[network]
	if !ok || len(kind.Extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(kind.Extra))
	for k, v := range kind.Extra {
		out[k] = v
	}
	return out
}

type usdcDeployment struct {
	asset string
	extra map[string]any
}

var usdcDeployments = map[string]usdcDeployment{
	"base":           {x402.USDCAddressBase, map[string]any{"name": "USD Coin", "version": "2"}},
	"base-sepolia":   {x402.USDCAddressBaseSepolia, map[string]any{"name": "USDC", "version": "2"}},
	"polygon":        {x402.USDCAddressPolygon, map[string]any{"name": "USD Coin", "version": "2"}},
	"polygon-amoy":   {x402.USDCAddressPolygonAmoy, map[string]any{"name": "USDC", "version": "2"}},
	"avalanche":      {x402.USDCAddressAvalanche, map[string]any{"name": "USD Coin", "version": "2"}},
	"avalanche-fuji": {x402.USDCAddressAvalancheFuji, map[string]any{"name": "USDC", "version": "2"}},
	"solana":         {x402.USDCMintSolana, map[string]any{"name": "USD Coin", "decimals": 6}},
	"solana-devnet":  {x402.USDCMintSolanaDevnet, map[string]any{"name": "USDC (Devnet)", "decimals": 6}},
}

// RequireUSDC builds an exact-scheme USDC requirement on network. It fails
// with x402.ErrInvalidRequirement for networks without a known deployment.
func RequireUSDC(network, payTo, amount, description string) (x402.PaymentRequirement, error) {
	dep, ok := usdcDeployments[network]
	if !ok {
		return x402.PaymentRequirement{}, x402.NewPaymentError(x402.CodeNetworkMismatch, "no USDC deployment on "+network, nil, x402.ErrInvalidRequirement)
	}

	extra := make(map[string]any, len(dep.extra))
	for k, v := range dep.extra {
		extra[k] = v
	}
	for k, v := range supportedExtra(network) {
		extra[k] = v
	}

	return x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           network,
		Asset:             dep.asset,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		Extra:             extra,
	}, nil
}

func mustRequireUSDC(network, payTo, amount, description string) x402.PaymentRequirement {
	req, err := RequireUSDC(network, payTo, amount, description)
	if err != nil {
		panic(err)
	}
	return req
}

// RequireUSDCBase creates a payment requirement for USDC on Base mainnet
func RequireUSDCBase(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("base", payTo, amount, description)
}

// RequireUSDCBaseSepolia creates a payment requirement for USDC on Base Sepolia testnet
func RequireUSDCBaseSepolia(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("base-sepolia", payTo, amount, description)
}

// RequireUSDCPolygon creates a payment requirement for USDC on Polygon mainnet
func RequireUSDCPolygon(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("polygon", payTo, amount, description)
}

// RequireUSDCPolygonAmoy creates a payment requirement for USDC on Polygon Amoy testnet
func RequireUSDCPolygonAmoy(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("polygon-amoy", payTo, amount, description)
}

// RequireUSDCAvalanche creates a payment requirement for USDC on Avalanche C-Chain mainnet
func RequireUSDCAvalanche(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("avalanche", payTo, amount, description)
}

// RequireUSDCAvalancheFuji creates a payment requirement for USDC on Avalanche Fuji testnet
func RequireUSDCAvalancheFuji(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("avalanche-fuji", payTo, amount, description)
}

// RequireUSDCSolana creates a payment requirement for USDC on Solana mainnet.
// The fee payer comes from the cached facilitator kinds.
func RequireUSDCSolana(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("solana", payTo, amount, description)
}

// RequireUSDCSolanaDevnet creates a payment requirement for USDC on Solana devnet.
func RequireUSDCSolanaDevnet(payTo, amount, description string) x402.PaymentRequirement {
	return mustRequireUSDC("solana-devnet", payTo, amount, description)
}
