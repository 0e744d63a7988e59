package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/a2a-x402/server"
	"github.com/sirupsen/logrus"
)

// PaymentOptions maps network names onto the USDC options a wallet pays with.
func PaymentOptions(networks []string) ([]x402.ClientPaymentOption, error) {
	var options []x402.ClientPaymentOption
	for _, network := range networks {
		var opt x402.ClientPaymentOption
		switch network {
		case "base":
			opt = x402.AcceptUSDCBase()
		case "base-sepolia":
			opt = x402.AcceptUSDCBaseSepolia()
		case "polygon":
			opt = x402.AcceptUSDCPolygon()
		case "polygon-amoy":
			opt = x402.AcceptUSDCPolygonAmoy()
		case "avalanche":
			opt = x402.AcceptUSDCAvalanche()
		case "avalanche-fuji":
			opt = x402.AcceptUSDCAvalancheFuji()
		case "solana":
			opt = x402.AcceptUSDCSolana()
		case "solana-devnet":
			opt = x402.AcceptUSDCSolanaDevnet()
		default:
			return nil, fmt.Errorf("%w: no USDC option for network %q", x402.ErrInvalidRequirement, network)
		}
		options = append(options, opt)
	}
	return options, nil
}

// BuildWallet creates the signer named by cfg.Provider.
func BuildWallet(cfg WalletConfig) (x402.PaymentSigner, error) {
	options, err := PaymentOptions(cfg.Networks)
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "mock":
		addr := cfg.MockAddress
		if addr == "" {
			addr = x402.TestAddress
		}
		return x402.NewMockSigner(addr), nil

	case "key":
		if cfg.PrivateKey == "" {
			return nil, errors.New("wallet.private_key is required")
		}
		return x402.NewPrivateKeySigner(cfg.PrivateKey, options...)

	case "mnemonic":
		if cfg.Mnemonic == "" {
			return nil, errors.New("wallet.mnemonic is required")
		}
		return x402.NewMnemonicSigner(cfg.Mnemonic, cfg.DerivationPath, options...)

	case "keystore":
		data, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore: %w", err)
		}
		return x402.NewKeystoreSigner(data, cfg.KeystorePassword, options...)

	case "keyring":
		return x402.NewKeyringSigner(cfg.KeyringService, cfg.KeyringUser, options...)

	case "solana":
		signer, err := x402.NewSolanaSignerFromFile(cfg.SolanaKeyFile, options...)
		if err != nil {
			return nil, err
		}
		if cfg.SolanaRPC != "" {
			signer.WithBlockhashSource(x402.NewRPCBlockhashSource(cfg.SolanaRPC))
		}
		return signer, nil

	default:
		return nil, fmt.Errorf("unknown wallet provider %q", cfg.Provider)
	}
}

// Stores holds what BuildStores opened. The ledger owns the database:
// closing it releases the nonce store too.
type Stores struct {
	Ledger server.Ledger
	Nonces server.NonceStore
}

// BuildStores opens the ledger and the nonce store on the configured driver.
func BuildStores(cfg LedgerConfig) (*Stores, error) {
	switch cfg.Driver {
	case "memory":
		return &Stores{Ledger: server.NewMemoryLedger(), Nonces: server.NewMemoryNonceStore()}, nil

	case "sqlite":
		db, err := server.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		ledger, err := server.NewSQLLedger(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		nonces, err := server.NewSQLNonceStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &Stores{Ledger: ledger, Nonces: nonces}, nil

	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// BuildFacilitator creates the facilitator named by cfg.Provider. nonces is
// used by the local facilitator.
func BuildFacilitator(cfg FacilitatorConfig, nonces server.NonceStore, logger logrus.FieldLogger) (server.Facilitator, error) {
	switch cfg.Provider {
	case "mock":
		return server.NewMockFacilitator(), nil

	case "http":
		return server.NewHTTPFacilitator(cfg.URL), nil

	case "local":
		local := server.LocalFacilitatorConfig{
			Nonces:   nonces,
			FeePayer: cfg.FeePayer,
			Logger:   logger,
		}
		if cfg.RPCURL != "" && cfg.SettlerKey != "" {
			settler, err := server.DialChainSettler(cfg.RPCURL, cfg.SettlerKey)
			if err != nil {
				return nil, err
			}
			logger.WithField("settler", settler.Address().Hex()).Info("settling on chain")
			local.Settler = settler
		}
		return server.NewLocalFacilitator(local), nil

	default:
		return nil, fmt.Errorf("unknown facilitator provider %q", cfg.Provider)
	}
}
