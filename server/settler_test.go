package server

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/mark3labs/a2a-x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settlerKey = "0x0000000000000000000000000000000000000000000000000000000000000002"

// fakeEthClient records the transaction it is asked to send.
type fakeEthClient struct {
	estimateErr error
	sendErr     error
	sent        *ethtypes.Transaction
	call        ethereum.CallMsg
}

func (c *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (c *fakeEthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (c *fakeEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{BaseFee: big.NewInt(50_000_000)}, nil
}

func (c *fakeEthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.call = msg
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return 80_000, nil
}

func (c *fakeEthClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = tx
	return nil
}

func TestChainSettler(t *testing.T) {
	clock := newTestClock()
	requirement := testRequirement(testPrice)
	signer := x402.NewTestKeySigner(x402.AcceptUSDCBaseSepolia()).WithClock(clock.Now)

	sign := func(t *testing.T) *x402.PaymentPayload {
		payload, err := signer.SignPayment(t.Context(), requirement)
		require.NoError(t, err)
		return payload
	}

	t.Run("SubmitsTransferWithAuthorization", func(t *testing.T) {
		client := &fakeEthClient{}
		settler, err := NewChainSettler(client, settlerKey)
		require.NoError(t, err)

		resp, err := settler.Settle(t.Context(), sign(t), &requirement)
		require.NoError(t, err)
		require.True(t, resp.Success, resp.ErrorReason)
		require.NotNil(t, client.sent)

		assert.Equal(t, client.sent.Hash().Hex(), resp.Transaction)
		assert.Equal(t, x402.TestAddress, resp.Payer)
		assert.Equal(t, "base-sepolia", resp.Network)
		assert.Equal(t, uint64(7), client.sent.Nonce())
		assert.Equal(t, uint64(96_000), client.sent.Gas())
		assert.Equal(t, int64(84532), client.sent.ChainId().Int64())
		assert.Equal(t, common.HexToAddress(requirement.Asset), *client.sent.To())
		assert.Equal(t, settler.Address(), client.call.From)

		method, err := settler.abi.MethodById(client.sent.Data()[:4])
		require.NoError(t, err)
		assert.Equal(t, "transferWithAuthorization", method.Name)
	})

	t.Run("RevertingCallIsUnsuccessful", func(t *testing.T) {
		settler, err := NewChainSettler(&fakeEthClient{estimateErr: errors.New("execution reverted: authorization is used")}, settlerKey)
		require.NoError(t, err)

		resp, err := settler.Settle(t.Context(), sign(t), &requirement)
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Contains(t, resp.ErrorReason, "authorization is used")
	})

	t.Run("GasLimit", func(t *testing.T) {
		settler, err := NewChainSettler(&fakeEthClient{}, settlerKey)
		require.NoError(t, err)
		settler.GasLimit = 50_000

		resp, err := settler.Settle(t.Context(), sign(t), &requirement)
		require.NoError(t, err)
		assert.False(t, resp.Success)
	})

	t.Run("SendFailureIsUnavailable", func(t *testing.T) {
		settler, err := NewChainSettler(&fakeEthClient{sendErr: errors.New("connection refused")}, settlerKey)
		require.NoError(t, err)

		_, err = settler.Settle(t.Context(), sign(t), &requirement)
		assert.ErrorIs(t, err, x402.ErrProviderUnavailable)
	})

	t.Run("BadSignature", func(t *testing.T) {
		settler, err := NewChainSettler(&fakeEthClient{}, settlerKey)
		require.NoError(t, err)
		payload := sign(t)
		payload.Payload.Signature = "0x00"

		resp, err := settler.Settle(t.Context(), payload, &requirement)
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidSignature, resp.ErrorReason)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		_, err := NewChainSettler(&fakeEthClient{}, "not-a-key")
		assert.ErrorIs(t, err, x402.ErrInvalidPrivateKey)
	})

	t.Run("BehindLocalFacilitator", func(t *testing.T) {
		client := &fakeEthClient{}
		settler, err := NewChainSettler(client, settlerKey)
		require.NoError(t, err)
		f := NewLocalFacilitator(LocalFacilitatorConfig{Settler: settler, Now: clock.Now})

		payload := sign(t)
		verified, err := f.Verify(t.Context(), payload, &requirement)
		require.NoError(t, err)
		require.True(t, verified.IsValid, verified.InvalidReason)

		resp, err := f.Settle(t.Context(), payload, &requirement)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, client.sent.Hash().Hex(), resp.Transaction)
	})
}
