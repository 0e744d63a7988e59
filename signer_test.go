package x402

import (
	"context"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayTo = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"

func testRequirement() PaymentRequirement {
	return PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "87202425",
		Asset:             USDCAddressBaseSepolia,
		PayTo:             testPayTo,
		Resource:          "https://merchant.example.com/products/laptop",
		Description:       "Payment for: laptop",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 1200,
		Extra: map[string]any{
			"name":     "USDC",
			"version":  "1.0",
			"decimals": float64(6),
		},
	}
}

func TestPrivateKeySigner(t *testing.T) {
	t.Run("TestKeyHasWellKnownAddress", func(t *testing.T) {
		signer := NewTestKeySigner()
		assert.Equal(t, TestAddress, signer.GetAddress())
	})

	t.Run("SignatureRecoversToSigner", func(t *testing.T) {
		signer := NewTestKeySigner()
		req := testRequirement()

		payment, err := signer.SignPayment(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, X402Version, payment.X402Version)
		assert.Equal(t, "exact", payment.Scheme)
		assert.Equal(t, "base-sepolia", payment.Network)
		assert.Equal(t, req.Asset, payment.Payload.Asset)
		assert.Equal(t, "87202425", payment.Payload.Authorization.Value)
		assert.Equal(t, TestAddress, payment.Payload.Authorization.From)
		assert.True(t, req.Matches(payment))

		typedData, err := TransferWithAuthorizationData(
			DomainFor(req, GetChainID(req.Network)),
			payment.Payload.Authorization,
		)
		require.NoError(t, err)

		recovered, err := RecoverAuthorizer(typedData, payment.Payload.Signature)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(TestAddress), recovered)
	})

	t.Run("TamperedValueRecoversToSomeoneElse", func(t *testing.T) {
		signer := NewTestKeySigner()
		req := testRequirement()

		payment, err := signer.SignPayment(context.Background(), req)
		require.NoError(t, err)

		auth := payment.Payload.Authorization
		auth.Value = "1"
		typedData, err := TransferWithAuthorizationData(DomainFor(req, GetChainID(req.Network)), auth)
		require.NoError(t, err)

		recovered, err := RecoverAuthorizer(typedData, payment.Payload.Signature)
		require.NoError(t, err)
		assert.NotEqual(t, common.HexToAddress(TestAddress), recovered)
	})

	t.Run("ValidityWindowFollowsTimeout", func(t *testing.T) {
		now := time.Unix(1_700_000_000, 0)
		signer := NewTestKeySigner().WithClock(func() time.Time { return now })

		payment, err := signer.SignPayment(context.Background(), testRequirement())
		require.NoError(t, err)

		auth := payment.Payload.Authorization
		assert.Equal(t, strconv.FormatInt(now.Add(-5*time.Second).Unix(), 10), auth.ValidAfter)
		assert.Equal(t, strconv.FormatInt(now.Add(1200*time.Second).Unix(), 10), auth.ValidBefore)
		assert.Len(t, auth.Nonce, 66)
	})

	t.Run("NoncesAreUnique", func(t *testing.T) {
		signer := NewTestKeySigner()
		first, err := signer.SignPayment(context.Background(), testRequirement())
		require.NoError(t, err)
		second, err := signer.SignPayment(context.Background(), testRequirement())
		require.NoError(t, err)
		assert.NotEqual(t, first.Payload.Authorization.Nonce, second.Payload.Authorization.Nonce)
	})

	t.Run("UnsupportedNetworkIsInvalidRequirement", func(t *testing.T) {
		signer := NewTestKeySigner(AcceptUSDCBase())

		req := testRequirement()
		_, err := signer.SignPayment(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequirement)
		assert.Contains(t, err.Error(), "no payment option configured")
	})

	t.Run("UnsupportedSchemeIsInvalidRequirement", func(t *testing.T) {
		signer := NewTestKeySigner()
		req := testRequirement()
		req.Scheme = "upto"

		_, err := signer.SignPayment(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequirement)
	})

	t.Run("RequiresChainID", func(t *testing.T) {
		option := ClientPaymentOption{
			PaymentRequirement: PaymentRequirement{
				Scheme:  "exact",
				Network: "unknown-chain",
				Asset:   "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			},
		}
		signer := NewTestKeySigner(option)

		req := testRequirement()
		req.Network = "unknown-chain"
		req.Asset = option.Asset

		_, err := signer.SignPayment(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequirement)
		assert.Contains(t, err.Error(), "chain ID not configured")
	})

	t.Run("RejectsNonPositiveAmount", func(t *testing.T) {
		signer := NewTestKeySigner()
		req := testRequirement()
		req.MaxAmountRequired = "0"

		_, err := signer.SignPayment(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequirement)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		_, err := NewPrivateKeySigner("not-hex")
		assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	})

	t.Run("OptionsKeepTheirChainIDs", func(t *testing.T) {
		signer := NewTestKeySigner(AcceptUSDCBase(), AcceptUSDCBaseSepolia())

		baseOpt := signer.GetPaymentOption("base", USDCAddressBase)
		require.NotNil(t, baseOpt)
		assert.Equal(t, big.NewInt(8453), baseOpt.ChainID)

		sepoliaOpt := signer.GetPaymentOption("base-sepolia", USDCAddressBaseSepolia)
		require.NotNil(t, sepoliaOpt)
		assert.Equal(t, big.NewInt(84532), sepoliaOpt.ChainID)
	})
}

func TestMnemonicSigner(t *testing.T) {
	const mnemonic = "test test test test test test test test test test test junk"

	t.Run("DerivesFirstAccount", func(t *testing.T) {
		signer, err := NewMnemonicSigner(mnemonic, "")
		require.NoError(t, err)
		assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", signer.GetAddress())
	})

	t.Run("InvalidMnemonic", func(t *testing.T) {
		_, err := NewMnemonicSigner("not a mnemonic", "")
		assert.ErrorIs(t, err, ErrInvalidMnemonic)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		_, err := NewMnemonicSigner(mnemonic, "x/1/2")
		assert.Error(t, err)
	})
}

func TestKeystoreSigner(t *testing.T) {
	privateKey, err := crypto.HexToECDSA(TestPrivateKey[2:])
	require.NoError(t, err)

	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}
	keyJSON, err := keystore.EncryptKey(key, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	t.Run("Decrypts", func(t *testing.T) {
		signer, err := NewKeystoreSigner(keyJSON, "secret")
		require.NoError(t, err)
		assert.Equal(t, TestAddress, signer.GetAddress())
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, err := NewKeystoreSigner(keyJSON, "nope")
		assert.ErrorIs(t, err, ErrWrongPassword)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := NewKeystoreSigner([]byte("{}"), "secret")
		assert.Error(t, err)
	})
}

func TestMockSigner(t *testing.T) {
	signer := NewMockSigner("7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	assert.Equal(t, TestAddress, signer.GetAddress())
	assert.True(t, signer.SupportsNetwork("anything"))

	first, err := signer.SignPayment(context.Background(), testRequirement())
	require.NoError(t, err)
	second, err := signer.SignPayment(context.Background(), testRequirement())
	require.NoError(t, err)

	assert.Equal(t, "0x"+"0000000000000000000000000000000000000000000000000000000000000001", first.Payload.Authorization.Nonce)
	assert.NotEqual(t, first.Payload.Authorization.Nonce, second.Payload.Authorization.Nonce)
	assert.Len(t, common.FromHex(first.Payload.Signature), 65)
	assert.True(t, testRequirement().Matches(first))
}
