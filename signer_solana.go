package x402

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

var computeBudgetProgram = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// BlockhashSource supplies the recent blockhash a transaction is built on.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

type rpcBlockhashSource struct {
	client *rpc.Client
}

// NewRPCBlockhashSource fetches finalized blockhashes from a cluster endpoint.
func NewRPCBlockhashSource(endpoint string) BlockhashSource {
	return &rpcBlockhashSource{client: rpc.New(endpoint)}
}

func (s *rpcBlockhashSource) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: get blockhash: %v", ErrProviderUnavailable, err)
	}
	return recent.Value.Blockhash, nil
}

// StaticBlockhash always returns the same hash.
type StaticBlockhash solana.Hash

func (h StaticBlockhash) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash(h), nil
}

// SolanaSigner pays with an SPL token transfer that the facilitator
// co-signs as fee payer.
type SolanaSigner struct {
	paymentOptions
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	blockhash  BlockhashSource
}

// NewSolanaSigner creates a signer from a base58-encoded Solana private key
func NewSolanaSigner(privateKeyBase58 string, options ...ClientPaymentOption) (*SolanaSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newSolanaSigner(privateKey, options), nil
}

// NewSolanaSignerFromFile creates a signer from a solana-keygen keypair file
func NewSolanaSignerFromFile(path string, options ...ClientPaymentOption) (*SolanaSigner, error) {
	privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair file: %w", err)
	}
	return newSolanaSigner(privateKey, options), nil
}

func newSolanaSigner(privateKey solana.PrivateKey, options []ClientPaymentOption) *SolanaSigner {
	if len(options) == 0 {
		options = []ClientPaymentOption{AcceptUSDCSolanaDevnet()}
	}
	return &SolanaSigner{
		paymentOptions: newPaymentOptions(options),
		privateKey:     privateKey,
		publicKey:      privateKey.PublicKey(),
	}
}

// WithBlockhashSource overrides where recent blockhashes come from.
func (s *SolanaSigner) WithBlockhashSource(src BlockhashSource) *SolanaSigner {
	s.blockhash = src
	return s
}

// WithPriority sets the signer's priority for multi-signer configurations
func (s *SolanaSigner) WithPriority(priority int) *SolanaSigner {
	s.priority = priority
	return s
}

// GetAddress returns the signer's Solana address
func (s *SolanaSigner) GetAddress() string {
	return s.publicKey.String()
}

func (s *SolanaSigner) blockhashFor(option *ClientPaymentOption) (BlockhashSource, error) {
	if s.blockhash != nil {
		return s.blockhash, nil
	}
	switch option.NetworkID {
	case "mainnet-beta":
		return NewRPCBlockhashSource(rpc.MainNetBeta_RPC), nil
	case "devnet":
		return NewRPCBlockhashSource(rpc.DevNet_RPC), nil
	default:
		return nil, fmt.Errorf("%w: unsupported solana cluster %q", ErrInvalidRequirement, option.NetworkID)
	}
}

// SignPayment builds and partially signs a TransferChecked transaction
func (s *SolanaSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	option, err := s.optionFor(req)
	if err != nil {
		return nil, err
	}

	amount, err := req.Amount()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 || !amount.IsUint64() {
		return nil, fmt.Errorf("%w: amount out of range: %s", ErrInvalidRequirement, req.MaxAmountRequired)
	}

	mintAddr, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mint address: %v", ErrInvalidRequirement, err)
	}

	toAddr, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient address: %v", ErrInvalidRequirement, err)
	}

	// Without a facilitator fee payer the payer covers its own fees.
	feePayerAddr := s.publicKey
	if fp := req.ExtraString("feePayer"); fp != "" {
		feePayerAddr, err = solana.PublicKeyFromBase58(fp)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid fee payer address: %v", ErrInvalidRequirement, err)
		}
	}

	decimals := uint8(6)
	if d := req.ExtraString("decimals"); d != "" {
		parsed, err := strconv.ParseUint(d, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid decimals %q", ErrInvalidRequirement, d)
		}
		decimals = uint8(parsed)
	}

	fromATA, _, err := solana.FindAssociatedTokenAddress(s.publicKey, mintAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to derive sender ATA: %w", err)
	}

	toATA, _, err := solana.FindAssociatedTokenAddress(toAddr, mintAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient ATA: %w", err)
	}

	source, err := s.blockhashFor(option)
	if err != nil {
		return nil, err
	}
	recent, err := source.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	instructions := []solana.Instruction{
		// SetComputeUnitLimit: 200,000 units
		solana.NewInstruction(computeBudgetProgram, solana.AccountMetaSlice{},
			[]byte{2, 0x40, 0x0d, 0x03, 0x00}),
		// SetComputeUnitPrice: 10,000 microlamports
		solana.NewInstruction(computeBudgetProgram, solana.AccountMetaSlice{},
			[]byte{3, 0x10, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}),
		token.NewTransferCheckedInstructionBuilder().
			SetAmount(amount.Uint64()).
			SetDecimals(decimals).
			SetSourceAccount(fromATA).
			SetDestinationAccount(toATA).
			SetMintAccount(mintAddr).
			SetOwnerAccount(s.publicKey).
			Build(),
	}

	tx, err := solana.NewTransaction(instructions, recent, solana.TransactionPayer(feePayerAddr))
	if err != nil {
		return nil, fmt.Errorf("%w: build transaction: %v", ErrSigningFailed, err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.publicKey.Equals(key) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: partially sign transaction: %v", ErrSigningFailed, err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize transaction: %v", ErrSigningFailed, err)
	}

	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Authorization: PaymentAuthorization{
				From:  s.publicKey.String(),
				To:    req.PayTo,
				Value: amount.String(),
			},
			Asset:       req.Asset,
			Transaction: base64.StdEncoding.EncodeToString(txBytes),
		},
	}, nil
}
