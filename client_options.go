package x402

import "math/big"

// USDC contract addresses and mints
const (
	USDCAddressBase          = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	USDCAddressBaseSepolia   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	USDCAddressPolygon       = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	USDCAddressPolygonAmoy   = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
	USDCAddressAvalanche     = "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"
	USDCAddressAvalancheFuji = "0x5425890298aed601595a70AB815c96711a31Bc65"
	USDCMintSolana           = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintSolanaDevnet     = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Helper functions for common client payment options

// AcceptUSDCBase creates a client payment option for USDC on Base mainnet
func AcceptUSDCBase() ClientPaymentOption {
	return ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{
			Scheme:  "exact",
			Network: "base",
			Asset:   USDCAddressBase,
			Extra: map[string]any{
				"name":    "USD Coin",
				"version": "2",
			},
		},
		Priority: 1,
		ChainID:  big.NewInt(8453),
	}
}

// AcceptUSDCBaseSepolia creates a client payment option for USDC on Base Sepolia testnet
func AcceptUSDCBaseSepolia() ClientPaymentOption {
	return ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{
			Scheme:  "exact",
			Network: "base-sepolia",
			Asset:   USDCAddressBaseSepolia,
			Extra: map[string]any{
				"name":    "USDC",
				"version": "2",
			},
		},
		Priority: 1,
		ChainID:  big.NewInt(84532),
	}
}

// AcceptUSDCPolygon creates a client payment option for USDC on Polygon mainnet
func AcceptUSDCPolygon() ClientPaymentOption {
	return evmUSDC("polygon", USDCAddressPolygon, "USD Coin", 137)
}

// AcceptUSDCPolygonAmoy creates a client payment option for USDC on Polygon Amoy testnet
func AcceptUSDCPolygonAmoy() ClientPaymentOption {
	return evmUSDC("polygon-amoy", USDCAddressPolygonAmoy, "USDC", 80002)
}

// AcceptUSDCAvalanche creates a client payment option for USDC on Avalanche C-Chain
func AcceptUSDCAvalanche() ClientPaymentOption {
	return evmUSDC("avalanche", USDCAddressAvalanche, "USD Coin", 43114)
}

// AcceptUSDCAvalancheFuji creates a client payment option for USDC on Avalanche Fuji testnet
func AcceptUSDCAvalancheFuji() ClientPaymentOption {
	return evmUSDC("avalanche-fuji", USDCAddressAvalancheFuji, "USD Coin", 43113)
}

func evmUSDC(network, asset, name string, chainID int64) ClientPaymentOption {
	return ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{
			Scheme:  "exact",
			Network: network,
			Asset:   asset,
			Extra: map[string]any{
				"name":    name,
				"version": "2",
			},
		},
		Priority: 1,
		ChainID:  big.NewInt(chainID),
	}
}

// AcceptUSDCSolana creates a client payment option for USDC on Solana mainnet
func AcceptUSDCSolana() ClientPaymentOption {
	return ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{
			Scheme:  "exact",
			Network: "solana",
			Asset:   USDCMintSolana,
			Extra:   map[string]any{"decimals": 6},
		},
		Priority:  2,
		NetworkID: "mainnet-beta",
	}
}

// AcceptUSDCSolanaDevnet creates a client payment option for USDC on Solana devnet
func AcceptUSDCSolanaDevnet() ClientPaymentOption {
	return ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{
			Scheme:  "exact",
			Network: "solana-devnet",
			Asset:   USDCMintSolanaDevnet,
			Extra:   map[string]any{"decimals": 6},
		},
		Priority:  2,
		NetworkID: "devnet",
	}
}

// Fluent API for customization

// WithPriority sets the priority for this payment option
func (opt ClientPaymentOption) WithPriority(p int) ClientPaymentOption {
	opt.Priority = p
	return opt
}

// WithMaxAmount sets the maximum amount the client is willing to pay with this option
func (opt ClientPaymentOption) WithMaxAmount(amount string) ClientPaymentOption {
	opt.MaxAmount = amount
	return opt
}

// WithChainID overrides the chain id used for signing
func (opt ClientPaymentOption) WithChainID(chainID *big.Int) ClientPaymentOption {
	opt.ChainID = chainID
	return opt
}
