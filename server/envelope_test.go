package server

import (
	"context"
	"testing"

	"github.com/mark3labs/a2a-x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFromMessage(t *testing.T) {
	t.Run("LiftsPaymentKeys", func(t *testing.T) {
		payload := &x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base-sepolia"}
		msg := x402.NewMessage(x402.RoleUser, "task-1", x402.TextPart("buy a laptop"))
		msg.Metadata = x402.PaymentInfo{Status: x402.StatusSubmitted, Payload: payload}.ApplyTo(map[string]any{"locale": "en"})

		req := RequestFromMessage(msg)
		assert.Equal(t, "task-1", req.CorrelationID)
		assert.Equal(t, "buy a laptop", req.Text())
		assert.Equal(t, map[string]any{"locale": "en"}, req.Context)
		require.NotNil(t, req.Payment)
		assert.True(t, req.Payment.Submitted())
		assert.Equal(t, "base-sepolia", req.Payment.Payload.Network)
	})

	t.Run("WireMetadata", func(t *testing.T) {
		msg := x402.NewMessage(x402.RoleUser, "task-2", x402.TextPart("hi"))
		msg.Metadata = map[string]any{
			"custom_fields": map[string]any{
				x402.MetaKeyStatus: "payment-rejected",
			},
		}

		req := RequestFromMessage(msg)
		require.NotNil(t, req.Payment)
		assert.True(t, req.Payment.Rejected())
	})

	t.Run("WrappedSubmissionLeavesNoContext", func(t *testing.T) {
		payload := &x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base-sepolia"}
		msg := x402.NewMessage(x402.RoleUser, "task-4", x402.TextPart("buy a laptop"))
		msg.Metadata = map[string]any{
			"custom_fields": x402.PaymentInfo{Status: x402.StatusSubmitted, Payload: payload}.ApplyTo(nil),
		}

		req := RequestFromMessage(msg)
		require.NotNil(t, req.Payment)
		assert.True(t, req.Payment.Submitted())
		assert.Empty(t, req.Context)
	})

	t.Run("NoPayment", func(t *testing.T) {
		req := RequestFromMessage(x402.NewMessage(x402.RoleUser, "task-3", x402.TextPart("hello")))
		assert.Nil(t, req.Payment)
		assert.False(t, req.Paid())
	})
}

func TestTaskFromResponse(t *testing.T) {
	requirement := testRequirement(testPrice)

	t.Run("ChallengeIsInputRequired", func(t *testing.T) {
		resp := &Response{
			CorrelationID: "task-1",
			Status:        StatusNeedsInput,
			Content:       []x402.Part{x402.TextPart("Payment is required")},
			Context:       map[string]any{"locale": "en"},
			Payment: &x402.PaymentInfo{
				Status:   x402.StatusRequired,
				Required: &x402.PaymentRequirementsResponse{X402Version: x402.X402Version, Accepts: []x402.PaymentRequirement{requirement}},
			},
		}

		task := TaskFromResponse(resp, "ctx-1")
		assert.Equal(t, "task-1", task.ID)
		assert.Equal(t, "ctx-1", task.ContextID)
		assert.Equal(t, x402.TaskStateInputRequired, task.Status.State)
		assert.Empty(t, task.Artifacts)
		require.NotNil(t, task.Status.Message)
		assert.Equal(t, "en", task.Status.Message.Metadata["locale"])

		info := task.Payment()
		assert.Equal(t, x402.StatusRequired, info.Status)
		require.NotNil(t, info.Required)
		assert.Equal(t, requirement.PayTo, info.Required.Accepts[0].PayTo)
	})

	t.Run("ArtifactOnlyOnSuccess", func(t *testing.T) {
		artifact := &x402.Artifact{ArtifactID: "a", Parts: []x402.Part{x402.TextPart("secret")}}

		ok := TaskFromResponse(&Response{CorrelationID: "t", Status: StatusOK, Artifact: artifact}, "c")
		assert.Equal(t, x402.TaskStateCompleted, ok.Status.State)
		require.Len(t, ok.Artifacts, 1)
		assert.Nil(t, ok.Status.Message.Metadata)

		failed := TaskFromResponse(&Response{
			CorrelationID: "t",
			Status:        StatusFailed,
			Artifact:      artifact,
			Payment:       &x402.PaymentInfo{Status: x402.StatusFailed, Error: x402.CodeSettlementFailed},
		}, "c")
		assert.Equal(t, x402.TaskStateFailed, failed.Status.State)
		assert.Empty(t, failed.Artifacts)
		assert.Equal(t, x402.CodeSettlementFailed, failed.Payment().Error)
	})
}

func TestLocalTransport(t *testing.T) {
	t.Run("ClientCompletesPurchase", func(t *testing.T) {
		f := newFixture(t, newShopHandler(), NewMockFacilitator())
		recorder := x402.NewPaymentRecorder()

		client, err := x402.NewClient(x402.ClientConfig{
			Transport: NewLocalTransport(f.mw),
			Signer:    x402.NewMockSigner(x402.TestAddress).WithClock(f.clock.Now),
			Recorder:  recorder,
		})
		require.NoError(t, err)

		outcome, err := client.Request(t.Context(), "buy a laptop")
		require.NoError(t, err)
		require.Equal(t, x402.OutcomeCompleted, outcome.Kind, outcome.Reason)
		assert.Contains(t, outcome.Text, "order confirmed")
		assert.Equal(t, MockTransaction, outcome.Transaction())
		assert.Len(t, recorder.SuccessfulPayments(), 1)

		rec := f.record(t, outcome.TaskID)
		assert.Equal(t, PhaseCompleted, rec.Phase)
	})

	t.Run("ClientDeclinesOverBudget", func(t *testing.T) {
		f := newFixture(t, newShopHandler(), NewMockFacilitator())

		client, err := x402.NewClient(x402.ClientConfig{
			Transport: NewLocalTransport(f.mw),
			Signer:    x402.NewMockSigner(x402.TestAddress).WithClock(f.clock.Now),
			Handler:   &x402.HandlerConfig{AutoApprove: true, MaxPaymentAmount: "1000"},
		})
		require.NoError(t, err)

		outcome, err := client.Request(t.Context(), "buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, x402.OutcomeRejected, outcome.Kind)
		assert.Equal(t, PhaseRejected, f.record(t, outcome.TaskID).Phase)
		assert.Equal(t, 0, f.fac.VerifyCalls())
	})

	t.Run("WrappedSubmissionRoundTrip", func(t *testing.T) {
		f := newFixture(t, newShopHandler(), NewMockFacilitator())
		local := NewLocalTransport(f.mw)

		challenge, err := local.Send(t.Context(), x402.NewMessage(x402.RoleUser, "task-wrap", x402.TextPart("buy a laptop")))
		require.NoError(t, err)
		require.Equal(t, x402.TaskStateInputRequired, challenge.Status.State)

		msg := x402.NewMessage(x402.RoleUser, "task-wrap", x402.TextPart("buy a laptop"))
		msg.Metadata = map[string]any{
			"custom_fields": x402.PaymentInfo{
				Status:  x402.StatusSubmitted,
				Payload: f.mockSign(t, testRequirement(testPrice)),
			}.ApplyTo(map[string]any{"locale": "en"}),
		}

		task, err := local.Send(t.Context(), msg)
		require.NoError(t, err)
		assert.Equal(t, x402.TaskStateCompleted, task.Status.State)

		info := task.Payment()
		assert.Equal(t, x402.StatusCompleted, info.Status)
		assert.Nil(t, info.Payload)
		require.Len(t, info.Receipts, 1)
		assert.True(t, info.Receipts[0].Success)

		meta := task.Status.Message.Metadata
		assert.Equal(t, map[string]any{"locale": "en"}, meta["custom_fields"])
		assert.Equal(t, PhaseCompleted, f.record(t, "task-wrap").Phase)
	})

	t.Run("FreeRequest", func(t *testing.T) {
		f := newFixture(t, newShopHandler(), NewMockFacilitator())
		client, err := x402.NewClient(x402.ClientConfig{
			Transport: NewLocalTransport(f.mw),
			Signer:    x402.NewMockSigner(x402.TestAddress),
		})
		require.NoError(t, err)

		outcome, err := client.Request(t.Context(), "what do you sell?")
		require.NoError(t, err)
		assert.Equal(t, x402.OutcomeCompleted, outcome.Kind)
		assert.Equal(t, "we sell laptops", outcome.Text)
		assert.Empty(t, outcome.Receipts)
	})

	t.Run("KeepsContextID", func(t *testing.T) {
		f := newFixture(t, newShopHandler(), NewMockFacilitator())
		msg := x402.NewMessage(x402.RoleUser, "task-ctx", x402.TextPart("hello"))
		msg.ContextID = "ctx-7"

		task, err := NewLocalTransport(f.mw).Send(t.Context(), msg)
		require.NoError(t, err)
		assert.Equal(t, "ctx-7", task.ContextID)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		f := newFixture(t, newShopHandler(), NewMockFacilitator())
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := NewLocalTransport(f.mw).Send(ctx, x402.NewMessage(x402.RoleUser, "task-x", x402.TextPart("hello")))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, f.handler.calls())
	})
}
