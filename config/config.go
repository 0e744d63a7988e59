// Package config loads settings for the example agent and client and builds
// the providers they select: wallet, facilitator and ledger.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/a2a-x402"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const envPrefix = "X402_"

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Server      ServerConfig      `yaml:"server"`
	Merchant    MerchantConfig    `yaml:"merchant"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Client      ClientConfig      `yaml:"client"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	URL            string `yaml:"url"`
	VerifyOnly     bool   `yaml:"verify_only"`
	ResourcePrefix string `yaml:"resource_prefix"`
	TaskCacheSize  int    `yaml:"task_cache_size"`
}

type MerchantConfig struct {
	PayTo string `yaml:"pay_to"`
}

// FacilitatorConfig selects how payments are verified and settled.
// Provider is one of mock, local or http.
type FacilitatorConfig struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`

	// Local facilitator only. Settlement goes on chain when both RPCURL
	// and SettlerKey are set; otherwise it is simulated.
	RPCURL     string `yaml:"rpc_url"`
	SettlerKey string `yaml:"settler_key"`
	FeePayer   string `yaml:"fee_payer"`
}

// LedgerConfig selects the payment record store. Driver is memory or
// sqlite. Consumed nonces of a local facilitator share the same database.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// WalletConfig selects the client's signer. Provider is one of mock, key,
// mnemonic, keystore, keyring or solana.
type WalletConfig struct {
	Provider string `yaml:"provider"`

	PrivateKey       string `yaml:"private_key"`
	Mnemonic         string `yaml:"mnemonic"`
	DerivationPath   string `yaml:"derivation_path"`
	KeystorePath     string `yaml:"keystore_path"`
	KeystorePassword string `yaml:"keystore_password"`
	KeyringService   string `yaml:"keyring_service"`
	KeyringUser      string `yaml:"keyring_user"`
	SolanaKeyFile    string `yaml:"solana_key_file"`
	SolanaRPC        string `yaml:"solana_rpc"`
	MockAddress      string `yaml:"mock_address"`

	// Networks the wallet pays on, by x402 network name.
	Networks []string `yaml:"networks"`
}

type ClientConfig struct {
	AgentURL string `yaml:"agent_url"`
	// Transport is a2a or mcp.
	Transport        string `yaml:"transport"`
	MaxPaymentAmount string `yaml:"max_payment_amount"`
	AutoPayThreshold string `yaml:"auto_pay_threshold"`
}

// Default returns the settings used when nothing is configured: an
// in-memory ledger, the mock facilitator and the mock wallet.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr:          ":5001",
			URL:           "http://localhost:5001",
			TaskCacheSize: 1024,
		},
		Merchant:    MerchantConfig{PayTo: "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"},
		Facilitator: FacilitatorConfig{Provider: "mock"},
		Ledger:      LedgerConfig{Driver: "memory"},
		Wallet: WalletConfig{
			Provider:       "mock",
			DerivationPath: x402.DefaultDerivationPath,
			KeyringService: x402.DefaultKeyringService,
			KeyringUser:    "default",
			Networks:       []string{"base-sepolia"},
		},
		Client: ClientConfig{
			AgentURL:  "http://localhost:5001",
			Transport: "a2a",
		},
	}
}

// Load reads path (when not empty), then .env, then X402_* variables, each
// overriding the previous.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":                 &c.Log.Level,
		"LOG_FORMAT":                &c.Log.Format,
		"SERVER_ADDR":               &c.Server.Addr,
		"SERVER_URL":                &c.Server.URL,
		"SERVER_RESOURCE_PREFIX":    &c.Server.ResourcePrefix,
		"MERCHANT_PAY_TO":           &c.Merchant.PayTo,
		"FACILITATOR_PROVIDER":      &c.Facilitator.Provider,
		"FACILITATOR_URL":           &c.Facilitator.URL,
		"FACILITATOR_RPC_URL":       &c.Facilitator.RPCURL,
		"FACILITATOR_SETTLER_KEY":   &c.Facilitator.SettlerKey,
		"FACILITATOR_FEE_PAYER":     &c.Facilitator.FeePayer,
		"LEDGER_DRIVER":             &c.Ledger.Driver,
		"LEDGER_DSN":                &c.Ledger.DSN,
		"WALLET_PROVIDER":           &c.Wallet.Provider,
		"WALLET_PRIVATE_KEY":        &c.Wallet.PrivateKey,
		"WALLET_MNEMONIC":           &c.Wallet.Mnemonic,
		"WALLET_DERIVATION_PATH":    &c.Wallet.DerivationPath,
		"WALLET_KEYSTORE_PATH":      &c.Wallet.KeystorePath,
		"WALLET_KEYSTORE_PASSWORD":  &c.Wallet.KeystorePassword,
		"WALLET_KEYRING_SERVICE":    &c.Wallet.KeyringService,
		"WALLET_KEYRING_USER":       &c.Wallet.KeyringUser,
		"WALLET_SOLANA_KEY_FILE":    &c.Wallet.SolanaKeyFile,
		"WALLET_SOLANA_RPC":         &c.Wallet.SolanaRPC,
		"WALLET_MOCK_ADDRESS":       &c.Wallet.MockAddress,
		"CLIENT_AGENT_URL":          &c.Client.AgentURL,
		"CLIENT_TRANSPORT":          &c.Client.Transport,
		"CLIENT_MAX_PAYMENT_AMOUNT": &c.Client.MaxPaymentAmount,
		"CLIENT_AUTO_PAY_THRESHOLD": &c.Client.AutoPayThreshold,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "WALLET_NETWORKS"); ok {
		c.Wallet.Networks = splitList(v)
	}
	if v, ok := lookup(envPrefix + "SERVER_VERIFY_ONLY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSERVER_VERIFY_ONLY: %w", envPrefix, err)
		}
		c.Server.VerifyOnly = b
	}
	if v, ok := lookup(envPrefix + "SERVER_TASK_CACHE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSERVER_TASK_CACHE_SIZE: %w", envPrefix, err)
		}
		c.Server.TaskCacheSize = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks provider names and the fields each provider needs.
func (c *Config) Validate() error {
	switch c.Facilitator.Provider {
	case "mock", "local":
	case "http":
		if c.Facilitator.URL == "" {
			return errors.New("facilitator.url is required for the http facilitator")
		}
	default:
		return fmt.Errorf("unknown facilitator provider %q", c.Facilitator.Provider)
	}

	switch c.Ledger.Driver {
	case "memory":
	case "sqlite":
		if c.Ledger.DSN == "" {
			return errors.New("ledger.dsn is required for the sqlite ledger")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}

	switch c.Wallet.Provider {
	case "mock", "key", "mnemonic", "keystore", "keyring", "solana":
	default:
		return fmt.Errorf("unknown wallet provider %q", c.Wallet.Provider)
	}

	switch c.Client.Transport {
	case "a2a", "mcp":
	default:
		return fmt.Errorf("unknown client transport %q", c.Client.Transport)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// NewLogger builds a logger from the log section.
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}
