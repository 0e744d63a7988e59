package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/a2a-x402/server"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "mock", cfg.Facilitator.Provider)
		assert.Equal(t, "memory", cfg.Ledger.Driver)
		assert.Equal(t, "mock", cfg.Wallet.Provider)
		assert.Equal(t, "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B", cfg.Merchant.PayTo)
		assert.Equal(t, []string{"base-sepolia"}, cfg.Wallet.Networks)
	})

	t.Run("YAMLFile", func(t *testing.T) {
		path := writeFile(t, "x402.yaml", `
log:
  level: debug
  format: json
server:
  addr: ":8080"
  verify_only: true
facilitator:
  provider: http
  url: https://facilitator.example.com
ledger:
  driver: sqlite
  dsn: /tmp/payments.db
wallet:
  provider: key
  private_key: "0x01"
  networks: [base, polygon-amoy]
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.True(t, cfg.Server.VerifyOnly)
		assert.Equal(t, "https://facilitator.example.com", cfg.Facilitator.URL)
		assert.Equal(t, "sqlite", cfg.Ledger.Driver)
		assert.Equal(t, []string{"base", "polygon-amoy"}, cfg.Wallet.Networks)
		// untouched keys keep their defaults
		assert.Equal(t, "a2a", cfg.Client.Transport)
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		path := writeFile(t, "x402.yaml", "merchant:\n  pay_to: \"0xfile\"\n")
		t.Setenv("X402_MERCHANT_PAY_TO", "0xenv")
		t.Setenv("X402_WALLET_NETWORKS", "base, solana-devnet")
		t.Setenv("X402_SERVER_TASK_CACHE_SIZE", "16")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "0xenv", cfg.Merchant.PayTo)
		assert.Equal(t, []string{"base", "solana-devnet"}, cfg.Wallet.Networks)
		assert.Equal(t, 16, cfg.Server.TaskCacheSize)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		path := writeFile(t, "x402.yaml", "facilitator:\n  provdier: mock\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("BadEnvValue", func(t *testing.T) {
		t.Setenv("X402_SERVER_VERIFY_ONLY", "maybe")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"HTTPFacilitatorWithoutURL": func(c *Config) { c.Facilitator.Provider = "http" },
		"UnknownFacilitator":        func(c *Config) { c.Facilitator.Provider = "coinbase" },
		"SQLiteWithoutDSN":          func(c *Config) { c.Ledger.Driver = "sqlite" },
		"UnknownLedger":             func(c *Config) { c.Ledger.Driver = "redis" },
		"UnknownWallet":             func(c *Config) { c.Wallet.Provider = "hsm" },
		"UnknownTransport":          func(c *Config) { c.Client.Transport = "grpc" },
		"BadLogLevel":               func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = NewLogger(LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestBuildWallet(t *testing.T) {
	t.Run("Mock", func(t *testing.T) {
		signer, err := BuildWallet(Default().Wallet)
		require.NoError(t, err)
		assert.Equal(t, x402.TestAddress, signer.GetAddress())
	})

	t.Run("Key", func(t *testing.T) {
		cfg := Default().Wallet
		cfg.Provider = "key"
		cfg.PrivateKey = x402.TestPrivateKey

		signer, err := BuildWallet(cfg)
		require.NoError(t, err)
		assert.Equal(t, x402.TestAddress, signer.GetAddress())
		assert.True(t, signer.SupportsNetwork("base-sepolia"))
		assert.False(t, signer.SupportsNetwork("base"))
	})

	t.Run("Mnemonic", func(t *testing.T) {
		cfg := Default().Wallet
		cfg.Provider = "mnemonic"
		cfg.Mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

		signer, err := BuildWallet(cfg)
		require.NoError(t, err)
		assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", signer.GetAddress())
	})

	t.Run("Keyring", func(t *testing.T) {
		keyring.MockInit()
		_, err := x402.StoreKeyringKey("a2a-x402-test", "alice", x402.TestPrivateKey)
		require.NoError(t, err)

		cfg := Default().Wallet
		cfg.Provider = "keyring"
		cfg.KeyringService = "a2a-x402-test"
		cfg.KeyringUser = "alice"

		signer, err := BuildWallet(cfg)
		require.NoError(t, err)
		assert.Equal(t, x402.TestAddress, signer.GetAddress())
	})

	t.Run("MissingSecrets", func(t *testing.T) {
		for _, provider := range []string{"key", "mnemonic", "keystore"} {
			cfg := Default().Wallet
			cfg.Provider = provider
			_, err := BuildWallet(cfg)
			assert.Error(t, err, provider)
		}
	})

	t.Run("UnknownNetwork", func(t *testing.T) {
		cfg := Default().Wallet
		cfg.Networks = []string{"dogecoin"}
		_, err := BuildWallet(cfg)
		assert.ErrorIs(t, err, x402.ErrInvalidRequirement)
	})
}

func TestPaymentOptions(t *testing.T) {
	options, err := PaymentOptions([]string{"base", "base-sepolia", "polygon", "polygon-amoy", "avalanche", "avalanche-fuji", "solana", "solana-devnet"})
	require.NoError(t, err)
	require.Len(t, options, 8)
	assert.Equal(t, "solana-devnet", options[7].Network)
	assert.Equal(t, x402.USDCAddressBase, options[0].Asset)
}

func TestBuildStores(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		stores, err := BuildStores(LedgerConfig{Driver: "memory"})
		require.NoError(t, err)
		assert.IsType(t, &server.MemoryLedger{}, stores.Ledger)
		assert.IsType(t, &server.MemoryNonceStore{}, stores.Nonces)
	})

	t.Run("SQLite", func(t *testing.T) {
		stores, err := BuildStores(LedgerConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x402.db")})
		require.NoError(t, err)
		defer stores.Ledger.Close()

		assert.IsType(t, &server.SQLLedger{}, stores.Ledger)
		require.NoError(t, stores.Nonces.Consume(t.Context(), "k"))
		seen, err := stores.Nonces.Seen(t.Context(), "k")
		require.NoError(t, err)
		assert.True(t, seen)
	})
}

func TestBuildFacilitator(t *testing.T) {
	logger, _ := test.NewNullLogger()

	f, err := BuildFacilitator(FacilitatorConfig{Provider: "mock"}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &server.MockFacilitator{}, f)

	f, err = BuildFacilitator(FacilitatorConfig{Provider: "http", URL: "https://facilitator.example.com"}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &server.HTTPFacilitator{}, f)

	f, err = BuildFacilitator(FacilitatorConfig{Provider: "local", FeePayer: "Payer1111"}, server.NewMemoryNonceStore(), logger)
	require.NoError(t, err)
	require.IsType(t, &server.LocalFacilitator{}, f)

	supported, err := f.GetSupported(t.Context())
	require.NoError(t, err)
	assert.NotEmpty(t, supported)

	_, err = BuildFacilitator(FacilitatorConfig{Provider: "stripe"}, nil, logger)
	assert.Error(t, err)
}
