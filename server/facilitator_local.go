package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/mark3labs/a2a-x402"
	"github.com/sirupsen/logrus"
)

// Settler moves the funds of a verified payment.
type Settler interface {
	Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error)
}

// SimulatedSettler settles without a chain. The transaction reference is
// the keccak256 hash of the signed material.
type SimulatedSettler struct{}

func (SimulatedSettler) Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error) {
	material := payment.Payload.Signature
	if material == "" {
		material = payment.Payload.Transaction
	}
	return &SettleResponse{
		Success:     true,
		Payer:       payment.Payload.Authorization.From,
		Transaction: hexutil.Encode(crypto.Keccak256([]byte(material))),
		Network:     payment.Network,
	}, nil
}

// LocalFacilitatorConfig configures a LocalFacilitator.
type LocalFacilitatorConfig struct {
	// Nonces defaults to a MemoryNonceStore.
	Nonces NonceStore
	// Settler defaults to SimulatedSettler.
	Settler Settler
	// FeePayer is advertised for Solana networks.
	FeePayer string
	Now      func() time.Time
	Logger   logrus.FieldLogger
}

// LocalFacilitator verifies EIP-3009 authorizations and SPL transfers in
// process.
type LocalFacilitator struct {
	nonces   NonceStore
	settler  Settler
	feePayer string
	now      func() time.Time
	logger   logrus.FieldLogger
}

func NewLocalFacilitator(cfg LocalFacilitatorConfig) *LocalFacilitator {
	f := &LocalFacilitator{
		nonces:   cfg.Nonces,
		settler:  cfg.Settler,
		feePayer: cfg.FeePayer,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if f.nonces == nil {
		f.nonces = NewMemoryNonceStore()
	}
	if f.settler == nil {
		f.settler = SimulatedSettler{}
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = logrus.StandardLogger()
	}
	f.logger = f.logger.WithField("component", "local-facilitator")
	return f
}

func invalid(reason string) (*VerifyResponse, error) {
	return &VerifyResponse{IsValid: false, InvalidReason: reason}, nil
}

func (f *LocalFacilitator) Verify(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*VerifyResponse, error) {
	if payment == nil || requirement == nil {
		return invalid(ReasonInvalidTransaction)
	}
	if payment.X402Version != x402.X402Version {
		return invalid(ReasonInvalidX402Version)
	}
	if payment.Scheme != requirement.Scheme {
		return invalid(ReasonInvalidSchemeMismatch)
	}
	if payment.Network != requirement.Network {
		return invalid(ReasonInvalidNetworkMismatch)
	}
	if payment.Payload.Asset != "" && !strings.EqualFold(payment.Payload.Asset, requirement.Asset) {
		return invalid(ReasonInvalidAssetMismatch)
	}

	var (
		resp *VerifyResponse
		err  error
	)
	if payment.Payload.Transaction != "" {
		resp, err = f.verifySolana(payment, requirement)
	} else {
		resp, err = f.verifyEVM(payment, requirement)
	}
	if err != nil || !resp.IsValid {
		return resp, err
	}

	used, err := f.nonces.Seen(ctx, nonceKey(payment))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrProviderUnavailable, err)
	}
	if used {
		return invalid(ReasonNonceAlreadyUsed)
	}
	return resp, nil
}

func (f *LocalFacilitator) verifyEVM(payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*VerifyResponse, error) {
	auth := payment.Payload.Authorization

	chainID := x402.GetChainID(payment.Network)
	if chainID == nil {
		return invalid(ReasonInvalidNetworkMismatch)
	}

	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return invalid(ReasonInvalidValidAfter)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return invalid(ReasonInvalidValidBefore)
	}
	if validAfter >= validBefore {
		return invalid(ReasonInvalidTimeWindow)
	}
	now := f.now()
	if now.Before(time.Unix(validAfter, 0)) {
		return invalid(ReasonInvalidValidAfter)
	}
	if !now.Before(time.Unix(validBefore, 0)) {
		return invalid(ReasonInvalidValidBefore)
	}

	if reason := checkValue(auth.Value, requirement.MaxAmountRequired); reason != "" {
		return invalid(reason)
	}

	if !common.IsHexAddress(auth.From) {
		return invalid(ReasonInvalidFromAddress)
	}
	if !common.IsHexAddress(auth.To) || common.HexToAddress(auth.To) != common.HexToAddress(requirement.PayTo) {
		return invalid(ReasonInvalidToAddressMismatch)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil {
		return invalid(ReasonInvalidNonce)
	}
	if len(nonceBytes) != 32 {
		return invalid(ReasonInvalidNonceLength)
	}

	if requirement.ExtraString("name") == "" {
		return invalid(ReasonInvalidExtraName)
	}
	if requirement.ExtraString("version") == "" {
		return invalid(ReasonInvalidExtraVersion)
	}

	typedData, err := x402.TransferWithAuthorizationData(x402.DomainFor(*requirement, chainID), auth)
	if err != nil {
		return invalid(ReasonInvalidTypedData)
	}
	signer, err := x402.RecoverAuthorizer(typedData, payment.Payload.Signature)
	if err != nil {
		f.logger.WithError(err).Debug("signature recovery failed")
		return invalid(ReasonInvalidSignature)
	}
	if signer != common.HexToAddress(auth.From) {
		return invalid(ReasonInvalidSenderMismatch)
	}

	return &VerifyResponse{IsValid: true, Payer: signer.Hex()}, nil
}

func (f *LocalFacilitator) verifySolana(payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*VerifyResponse, error) {
	tx, err := solana.TransactionFromBase64(payment.Payload.Transaction)
	if err != nil {
		return invalid(ReasonInvalidTransaction)
	}

	mint, err := solana.PublicKeyFromBase58(requirement.Asset)
	if err != nil {
		return invalid(ReasonInvalidAssetMismatch)
	}
	payTo, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return invalid(ReasonInvalidToAddressMismatch)
	}
	wantDest, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return invalid(ReasonInvalidToAddressMismatch)
	}

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.TokenProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		ix, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := ix.Impl.(*token.TransferChecked)
		if !ok {
			continue
		}

		if !transfer.GetMintAccount().PublicKey.Equals(mint) {
			return invalid(ReasonInvalidAssetMismatch)
		}
		if !transfer.GetDestinationAccount().PublicKey.Equals(wantDest) {
			return invalid(ReasonInvalidToAddressMismatch)
		}
		if transfer.Amount == nil {
			return invalid(ReasonInvalidValue)
		}
		if reason := checkValue(strconv.FormatUint(*transfer.Amount, 10), requirement.MaxAmountRequired); reason != "" {
			return invalid(reason)
		}

		owner := transfer.GetOwnerAccount().PublicKey
		if from := payment.Payload.Authorization.From; from != "" && from != owner.String() {
			return invalid(ReasonInvalidSenderMismatch)
		}
		if !signedBy(tx, owner) {
			return invalid(ReasonInvalidSignature)
		}
		return &VerifyResponse{IsValid: true, Payer: owner.String()}, nil
	}

	return invalid(ReasonInvalidTransactionTransfer)
}

// signedBy reports whether the transaction carries a non-empty signature
// slot for key.
func signedBy(tx *solana.Transaction, key solana.PublicKey) bool {
	for i, signer := range tx.Message.Signers() {
		if signer.Equals(key) {
			return i < len(tx.Signatures) && !tx.Signatures[i].IsZero()
		}
	}
	return false
}

func checkValue(value, maxAmount string) string {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return ReasonInvalidValue
	}
	if v.Sign() <= 0 {
		return ReasonInvalidValueNonPositive
	}
	limit, ok := new(big.Int).SetString(maxAmount, 10)
	if !ok {
		return ReasonInvalidMaxAmount
	}
	if v.Cmp(limit) > 0 {
		return ReasonInvalidValueExceeded
	}
	return ""
}

// Settle consumes the payment's nonce and hands it to the settler. A nonce
// consumed by a concurrent settle yields an unsuccessful response.
func (f *LocalFacilitator) Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error) {
	if payment == nil || requirement == nil {
		return &SettleResponse{Success: false, ErrorReason: ReasonInvalidTransaction}, nil
	}

	if err := f.nonces.Consume(ctx, nonceKey(payment)); err != nil {
		if errors.Is(err, ErrNonceUsed) {
			return &SettleResponse{
				Success:     false,
				Network:     payment.Network,
				ErrorReason: ReasonNonceAlreadyUsed,
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", x402.ErrProviderUnavailable, err)
	}

	resp, err := f.settler.Settle(ctx, payment, requirement)
	if err != nil {
		return nil, err
	}
	if resp.Network == "" {
		resp.Network = payment.Network
	}

	f.logger.WithFields(logrus.Fields{
		"network":     payment.Network,
		"transaction": resp.Transaction,
		"success":     resp.Success,
	}).Info("payment settled")
	return resp, nil
}

func (f *LocalFacilitator) GetSupported(ctx context.Context) ([]SupportedKind, error) {
	networks := make([]string, 0, len(x402.NetworkChainIDs))
	for network := range x402.NetworkChainIDs {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	var kinds []SupportedKind
	for _, network := range networks {
		kinds = append(kinds, SupportedKind{X402Version: x402.X402Version, Scheme: "exact", Network: network})
	}
	for _, network := range []string{"solana", "solana-devnet"} {
		kind := SupportedKind{X402Version: x402.X402Version, Scheme: "exact", Network: network}
		if f.feePayer != "" {
			kind.Extra = map[string]any{"feePayer": f.feePayer}
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// nonceKey identifies a payment for replay protection. Solana payments have
// no authorization nonce; their transaction bytes are unique instead.
func nonceKey(p *x402.PaymentPayload) string {
	auth := p.Payload.Authorization
	if p.Payload.Transaction != "" {
		return NonceKey(p.Network, auth.From, hexutil.Encode(crypto.Keccak256([]byte(p.Payload.Transaction))))
	}
	return NonceKey(p.Network, auth.From, auth.Nonce)
}
