package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mark3labs/a2a-x402"
)

const transferWithAuthorizationABI = `[{
	"type": "function",
	"name": "transferWithAuthorization",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": [],
	"constant": false
}]`

// EthClient is the subset of ethclient.Client used to submit settlements.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// ChainSettler submits transferWithAuthorization calls as EIP-1559
// transactions paid for by the facilitator key.
type ChainSettler struct {
	client EthClient
	key    *ecdsa.PrivateKey
	abi    abi.ABI
	// GasLimit caps the buffered gas estimate when non-zero.
	GasLimit uint64
}

// NewChainSettler creates a settler around an existing client.
func NewChainSettler(client EthClient, privateKeyHex string) (*ChainSettler, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	return &ChainSettler{client: client, key: key, abi: parsed}, nil
}

// DialChainSettler connects to an RPC endpoint.
func DialChainSettler(rpcURL, privateKeyHex string) (*ChainSettler, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC client: %w", err)
	}
	return NewChainSettler(client, privateKeyHex)
}

// Address is the account paying for settlement gas.
func (s *ChainSettler) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *ChainSettler) Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error) {
	fail := func(reason string) (*SettleResponse, error) {
		return &SettleResponse{Success: false, Network: payment.Network, ErrorReason: reason}, nil
	}

	chainID := x402.GetChainID(payment.Network)
	if chainID == nil {
		return fail(ReasonInvalidNetworkMismatch)
	}

	auth := payment.Payload.Authorization
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return fail(ReasonInvalidValue)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return fail(ReasonInvalidValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return fail(ReasonInvalidValidBefore)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return fail(ReasonInvalidNonceLength)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	sig, err := common.ParseHexOrString(payment.Payload.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fail(ReasonInvalidSignature)
	}
	var r, sv [32]byte
	copy(r[:], sig[0:32])
	copy(sv[:], sig[32:64])
	v := sig[64]
	if v == 0 || v == 1 {
		v += 27
	}

	data, err := s.abi.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		sv,
	)
	if err != nil {
		return fail(ReasonInvalidTypedData)
	}

	contract := common.HexToAddress(requirement.Asset)
	from := s.Address()

	txNonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %v", x402.ErrProviderUnavailable, err)
	}
	tipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas tip cap: %v", x402.ErrProviderUnavailable, err)
	}
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: block header: %v", x402.ErrProviderUnavailable, err)
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("block header missing base fee: network may not support EIP-1559")
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tipCap)

	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data})
	if err != nil {
		// A reverting call means the token rejected the authorization.
		return fail(fmt.Sprintf("estimate_gas_failed: %v", err))
	}
	gas = gas * 120 / 100
	if s.GasLimit > 0 && gas > s.GasLimit {
		return fail("insufficient_gas_limit")
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     txNonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send transaction: %v", x402.ErrProviderUnavailable, err)
	}

	return &SettleResponse{
		Success:     true,
		Payer:       common.HexToAddress(auth.From).Hex(),
		Transaction: signed.Hash().Hex(),
		Network:     payment.Network,
	}, nil
}
