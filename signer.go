package x402

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

const (
	// TestPrivateKey is the well-known private key 1. Never fund it.
	TestPrivateKey = "0x0000000000000000000000000000000000000000000000000000000000000001"
	// TestAddress is the address of TestPrivateKey.
	TestAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"

	// clockSkew is subtracted from validAfter so a facilitator whose clock
	// runs slightly behind still accepts the authorization.
	clockSkew = 5 * time.Second

	defaultValidity = 60 * time.Second
)

// PaymentSigner signs x402 payment authorizations
type PaymentSigner interface {
	// SignPayment signs a payment authorization for the given requirement.
	// Requirements whose network or asset the signer cannot pay with fail
	// with ErrInvalidRequirement.
	SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error)

	// GetAddress returns the signer's address
	GetAddress() string

	// SupportsNetwork returns true if the signer supports the given network
	SupportsNetwork(network string) bool

	// HasAsset returns true if the signer can pay with the asset on the network
	HasAsset(asset, network string) bool

	// GetPaymentOption returns the configured option for network and asset, or nil
	GetPaymentOption(network, asset string) *ClientPaymentOption

	// GetPriority returns the signer's priority (lower = higher precedence)
	GetPriority() int
}

// paymentOptions is the option bookkeeping shared by every signer.
type paymentOptions struct {
	options  []ClientPaymentOption
	priority int
}

func newPaymentOptions(options []ClientPaymentOption) paymentOptions {
	if len(options) == 0 {
		options = []ClientPaymentOption{AcceptUSDCBaseSepolia()}
	}
	sorted := make([]ClientPaymentOption, len(options))
	copy(sorted, options)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return paymentOptions{options: sorted}
}

func (o *paymentOptions) SupportsNetwork(network string) bool {
	for _, opt := range o.options {
		if opt.Network == network {
			return true
		}
	}
	return false
}

func (o *paymentOptions) HasAsset(asset, network string) bool {
	return o.GetPaymentOption(network, asset) != nil
}

func (o *paymentOptions) GetPaymentOption(network, asset string) *ClientPaymentOption {
	for _, opt := range o.options {
		if opt.Network == network && strings.EqualFold(opt.Asset, asset) {
			optCopy := opt
			return &optCopy
		}
	}
	return nil
}

func (o *paymentOptions) GetPriority() int {
	return o.priority
}

// optionFor resolves the option a requirement must be paid with.
func (o *paymentOptions) optionFor(req PaymentRequirement) (*ClientPaymentOption, error) {
	option := o.GetPaymentOption(req.Network, req.Asset)
	if option == nil {
		return nil, fmt.Errorf("%w: no payment option configured for network=%s asset=%s",
			ErrInvalidRequirement, req.Network, req.Asset)
	}
	if option.Scheme != "" && option.Scheme != req.Scheme {
		return nil, fmt.Errorf("%w: scheme %s not supported on %s", ErrInvalidRequirement, req.Scheme, req.Network)
	}
	return option, nil
}

// PrivateKeySigner signs with a raw private key
type PrivateKeySigner struct {
	paymentOptions
	privateKey *ecdsa.PrivateKey
	address    common.Address
	now        func() time.Time
}

// NewPrivateKeySigner creates a signer from a hex-encoded private key. With
// no options the signer pays USDC on Base Sepolia.
func NewPrivateKeySigner(privateKeyHex string, options ...ClientPaymentOption) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return newKeySigner(privateKey, options), nil
}

// NewTestKeySigner returns the deterministic signer backed by TestPrivateKey.
func NewTestKeySigner(options ...ClientPaymentOption) *PrivateKeySigner {
	s, err := NewPrivateKeySigner(TestPrivateKey, options...)
	if err != nil {
		panic(err)
	}
	return s
}

func newKeySigner(privateKey *ecdsa.PrivateKey, options []ClientPaymentOption) *PrivateKeySigner {
	return &PrivateKeySigner{
		paymentOptions: newPaymentOptions(options),
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		now:            time.Now,
	}
}

// WithPriority sets the signer's priority for multi-signer configurations
func (s *PrivateKeySigner) WithPriority(priority int) *PrivateKeySigner {
	s.priority = priority
	return s
}

// WithClock replaces the clock used for the validity window.
func (s *PrivateKeySigner) WithClock(now func() time.Time) *PrivateKeySigner {
	s.now = now
	return s
}

func (s *PrivateKeySigner) GetAddress() string {
	return s.address.Hex()
}

func (s *PrivateKeySigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	option, err := s.optionFor(req)
	if err != nil {
		return nil, err
	}

	amount, err := req.Amount()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive: %s", ErrInvalidRequirement, req.MaxAmountRequired)
	}

	chainID := option.ChainID
	if chainID == nil {
		chainID = GetChainID(req.Network)
	}
	if chainID == nil {
		return nil, fmt.Errorf("%w: chain ID not configured for %s", ErrInvalidRequirement, req.Network)
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	now := s.now()
	validity := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if validity <= 0 {
		validity = defaultValidity
	}

	auth := PaymentAuthorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       amount.String(),
		ValidAfter:  fmt.Sprintf("%d", now.Add(-clockSkew).Unix()),
		ValidBefore: fmt.Sprintf("%d", now.Add(validity).Unix()),
		Nonce:       nonce,
	}

	// The token's own name/version win; fall back to the client's option.
	domain := DomainFor(req, chainID)
	if domain.Name == "" {
		domain.Name = option.ExtraString("name")
	}
	if domain.Version == "" {
		domain.Version = option.ExtraString("version")
	}

	typedData, err := TransferWithAuthorizationData(domain, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	sigHash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signature, err := crypto.Sign(sigHash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	// Adjust V value for Ethereum signature standard
	signature[64] += 27

	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
			Asset:         req.Asset,
		},
	}, nil
}

func randomNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// derivePrivateKey derives a private key from a seed using BIP-32 HD derivation
func derivePrivateKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := masterKey
	for _, n := range path {
		key, err = key.NewChildKey(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}

	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDSA key: %w", err)
	}

	return privateKey, nil
}

// DefaultDerivationPath is the first Ethereum account.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// NewMnemonicSigner creates a signer from a BIP-39 mnemonic phrase
func NewMnemonicSigner(mnemonic string, derivationPath string, options ...ClientPaymentOption) (*PrivateKeySigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}

	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path: %w", err)
	}

	seed := bip39.NewSeed(mnemonic, "")

	privateKey, err := derivePrivateKey(seed, path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key: %w", err)
	}

	return newKeySigner(privateKey, options), nil
}

// NewKeystoreSigner creates a signer from an encrypted keystore JSON
func NewKeystoreSigner(keystoreJSON []byte, password string, options ...ClientPaymentOption) (*PrivateKeySigner, error) {
	key, err := keystore.DecryptKey(keystoreJSON, password)
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}

	return newKeySigner(key.PrivateKey, options), nil
}

// MockSigner produces structurally valid payloads with a zero signature.
// Nonces come from a counter so every payload is unique and reproducible.
type MockSigner struct {
	address string
	counter atomic.Uint64
	now     func() time.Time
}

// NewMockSigner creates a mock signer for testing
func NewMockSigner(address string) *MockSigner {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return &MockSigner{address: address, now: time.Now}
}

// WithClock replaces the clock used for the validity window.
func (m *MockSigner) WithClock(now func() time.Time) *MockSigner {
	m.now = now
	return m
}

func (m *MockSigner) GetAddress() string {
	return m.address
}

func (m *MockSigner) SupportsNetwork(network string) bool {
	return true
}

func (m *MockSigner) HasAsset(asset, network string) bool {
	return true
}

func (m *MockSigner) GetPaymentOption(network, asset string) *ClientPaymentOption {
	return &ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{Network: network, Asset: asset},
	}
}

func (m *MockSigner) GetPriority() int {
	return 0
}

func (m *MockSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	amount, err := req.Amount()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive: %s", ErrInvalidRequirement, req.MaxAmountRequired)
	}

	n := m.counter.Add(1)
	now := m.now()
	validity := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if validity <= 0 {
		validity = defaultValidity
	}

	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Signature: "0x" + strings.Repeat("00", 65),
			Authorization: PaymentAuthorization{
				From:        m.address,
				To:          req.PayTo,
				Value:       amount.String(),
				ValidAfter:  fmt.Sprintf("%d", now.Add(-clockSkew).Unix()),
				ValidBefore: fmt.Sprintf("%d", now.Add(validity).Unix()),
				Nonce:       fmt.Sprintf("0x%064x", n),
			},
			Asset: req.Asset,
		},
	}, nil
}
