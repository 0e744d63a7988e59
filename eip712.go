package x402

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// AuthorizationDomain is the EIP-712 domain of an EIP-3009 token.
type AuthorizationDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// DomainFor derives the signing domain of a requirement. The token name and
// version come from the requirement's extra map.
func DomainFor(req PaymentRequirement, chainID *big.Int) AuthorizationDomain {
	return AuthorizationDomain{
		Name:              req.ExtraString("name"),
		Version:           req.ExtraString("version"),
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}
}

// TransferWithAuthorizationData builds the typed data signed by the payer.
func TransferWithAuthorizationData(domain AuthorizationDomain, auth PaymentAuthorization) (apitypes.TypedData, error) {
	if domain.ChainID == nil {
		return apitypes.TypedData{}, fmt.Errorf("chain ID not configured")
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid authorization value: %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       auth.Nonce,
		},
	}, nil
}

// RecoverAuthorizer returns the address that produced signature over the
// typed data.
func RecoverAuthorizer(typedData apitypes.TypedData, signature string) (common.Address, error) {
	sighash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := common.ParseHexOrString(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Work on a copy so the caller's bytes keep their 27/28 V value.
	rsv := make([]byte, len(sig))
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(sighash, rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
