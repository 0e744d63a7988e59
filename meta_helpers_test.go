package x402

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentInfoFromMetadata(t *testing.T) {
	t.Run("NilAndEmpty", func(t *testing.T) {
		assert.True(t, PaymentInfoFromMetadata(nil).IsZero())
		assert.True(t, PaymentInfoFromMetadata(map[string]any{"other": 1}).IsZero())
	})

	t.Run("TypedAndWireShapesDecodeAlike", func(t *testing.T) {
		payload, err := NewMockSigner(TestAddress).SignPayment(t.Context(), testRequirement())
		require.NoError(t, err)

		typed := PaymentInfo{
			Status:   StatusFailed,
			Payload:  payload,
			Receipts: []Receipt{{Success: false, ErrorCode: CodeExpiredPayment, ErrorReason: "expired"}},
			Error:    CodeExpiredPayment,
		}.ApplyTo(map[string]any{"note": "keep me"})

		raw, err := json.Marshal(typed)
		require.NoError(t, err)
		var wire map[string]any
		require.NoError(t, json.Unmarshal(raw, &wire))

		fromTyped := PaymentInfoFromMetadata(typed)
		fromWire := PaymentInfoFromMetadata(wire)
		assert.Equal(t, fromTyped, fromWire)

		assert.Equal(t, StatusFailed, fromWire.Status)
		assert.Equal(t, CodeExpiredPayment, fromWire.Error)
		require.NotNil(t, fromWire.Payload)
		assert.Equal(t, payload.Payload.Authorization.Nonce, fromWire.Payload.Payload.Authorization.Nonce)
		require.Len(t, fromWire.Receipts, 1)
		assert.Equal(t, "keep me", wire["note"])
	})

	t.Run("UnwrapsCustomFields", func(t *testing.T) {
		meta := map[string]any{
			"custom_fields": map[string]any{
				MetaKeyStatus: "payment-rejected",
			},
		}
		info := PaymentInfoFromMetadata(meta)
		assert.True(t, info.Rejected())
		assert.False(t, info.Submitted())
	})

	t.Run("TopLevelWinsOverCustomFields", func(t *testing.T) {
		meta := PaymentInfo{Status: StatusCompleted}.ApplyTo(map[string]any{
			"custom_fields": map[string]any{MetaKeyStatus: "payment-submitted"},
		})
		assert.Equal(t, StatusCompleted, PaymentInfoFromMetadata(meta).Status)
	})

	t.Run("MalformedValuesAreIgnored", func(t *testing.T) {
		info := PaymentInfoFromMetadata(map[string]any{
			MetaKeyStatus:   "payment-submitted",
			MetaKeyPayload:  "not an object",
			MetaKeyReceipts: 42,
		})
		assert.True(t, info.Submitted())
		assert.Nil(t, info.Payload)
		assert.Nil(t, info.Receipts)
	})
}

func TestApplyTo(t *testing.T) {
	t.Run("CopiesReceipts", func(t *testing.T) {
		receipts := []Receipt{{Success: true, Transaction: "0x1"}}
		meta := PaymentInfo{Status: StatusCompleted, Receipts: receipts}.ApplyTo(nil)

		receipts[0].Transaction = "0x2"
		stored := meta[MetaKeyReceipts].([]Receipt)
		assert.Equal(t, "0x1", stored[0].Transaction)
	})

	t.Run("LeavesOtherKeys", func(t *testing.T) {
		meta := map[string]any{"a": 1, MetaKeyError: "old"}
		PaymentInfo{Status: StatusRequired}.ApplyTo(meta)
		assert.Equal(t, 1, meta["a"])
		assert.Equal(t, "payment-required", meta[MetaKeyStatus])
		assert.Equal(t, "old", meta[MetaKeyError])
	})

	t.Run("StripPaymentKeys", func(t *testing.T) {
		meta := PaymentInfo{Status: StatusRequired, Error: CodeAlreadyFinalized}.ApplyTo(map[string]any{"a": 1})
		stripped := StripPaymentKeys(meta)
		assert.Equal(t, map[string]any{"a": 1}, stripped)
		assert.Contains(t, meta, MetaKeyStatus)
	})

	t.Run("StripCustomFields", func(t *testing.T) {
		inner := map[string]any{MetaKeyStatus: "payment-submitted", "locale": "en"}
		stripped := StripPaymentKeys(map[string]any{"custom_fields": inner})
		assert.Equal(t, map[string]any{"custom_fields": map[string]any{"locale": "en"}}, stripped)
		assert.Contains(t, inner, MetaKeyStatus)

		stripped = StripPaymentKeys(map[string]any{
			"a":             1,
			"custom_fields": map[string]any{MetaKeyStatus: "payment-submitted"},
		})
		assert.Equal(t, map[string]any{"a": 1}, stripped)
	})
}

func TestErrorCodes(t *testing.T) {
	assert.True(t, CodeExpiredPayment.Valid())
	assert.False(t, ErrorCode("nope").Valid())
	assert.True(t, CodeProviderUnavailable.Transient())
	assert.True(t, CodeAttemptInFlight.Transient())
	assert.False(t, CodeSettlementFailed.Transient())

	req := testRequirement()
	err := NewPaymentError(CodeSettlementFailed, "settle failed", &req, ErrProviderUnavailable)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "SETTLEMENT_FAILED")
	assert.Contains(t, err.Error(), "87202425")
}
