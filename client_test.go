package x402

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport answers each message with a function of it and keeps
// what was sent.
type scriptedTransport struct {
	mu     sync.Mutex
	sent   []*Message
	answer func(n int, msg *Message) (*Task, error)
}

func (s *scriptedTransport) Send(ctx context.Context, msg *Message) (*Task, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	n := len(s.sent)
	s.mu.Unlock()
	return s.answer(n, msg)
}

func completedTask(id string, receipts ...Receipt) *Task {
	return &Task{
		ID: id,
		Status: TaskStatus{
			State: TaskStateCompleted,
			Message: &Message{
				Role:     RoleAgent,
				Parts:    []Part{TextPart("Payment verified and order confirmed!")},
				Metadata: PaymentInfo{Status: StatusCompleted, Receipts: receipts}.ApplyTo(nil),
			},
		},
		Artifacts: []Artifact{{ArtifactID: "a1", Name: "order", Parts: []Part{TextPart("order for laptop")}}},
	}
}

func failedTask(id string, code ErrorCode, receipts ...Receipt) *Task {
	return &Task{
		ID: id,
		Status: TaskStatus{
			State: TaskStateFailed,
			Message: &Message{
				Role:     RoleAgent,
				Parts:    []Part{TextPart("Payment failed")},
				Metadata: PaymentInfo{Status: StatusFailed, Error: code, Receipts: receipts}.ApplyTo(nil),
			},
		},
	}
}

// failingSigner can pay every requirement it advertises but never signs.
type failingSigner struct {
	PaymentSigner
}

func (failingSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	return nil, fmt.Errorf("%w: hardware wallet unplugged", ErrSigningFailed)
}

func TestClientRequest(t *testing.T) {
	t.Run("FreeRequestCompletesWithoutPayment", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			task := completedTask(msg.TaskID)
			task.Status.Message.Metadata = nil
			return task, nil
		}}
		client, err := NewClient(ClientConfig{Transport: tr, Signer: NewTestKeySigner()})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, out.Kind)
		assert.Equal(t, "order for laptop", out.Text)
		assert.Len(t, tr.sent, 1)
		assert.Empty(t, out.Receipts)
	})

	t.Run("PaysChallengeOnceWithSameTaskID", func(t *testing.T) {
		recorder := NewPaymentRecorder()
		var attempts, successes int

		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			return completedTask(msg.TaskID, Receipt{Success: true, Transaction: "0x1234", Network: "base-sepolia"}), nil
		}}
		client, err := NewClient(ClientConfig{
			Transport:        tr,
			Signer:           NewTestKeySigner(),
			Recorder:         recorder,
			OnPaymentAttempt: func(PaymentEvent) { attempts++ },
			OnPaymentSuccess: func(PaymentEvent) { successes++ },
		})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "Buy a laptop")
		require.NoError(t, err)

		assert.Equal(t, OutcomeCompleted, out.Kind)
		assert.Equal(t, "0x1234", out.Transaction())
		require.NotNil(t, out.Artifact)
		require.NotNil(t, out.Requirement)
		assert.Equal(t, "base-sepolia", out.Requirement.Network)

		require.Len(t, tr.sent, 2)
		first, second := tr.sent[0], tr.sent[1]
		assert.NotEmpty(t, first.TaskID)
		assert.Equal(t, first.TaskID, second.TaskID)
		assert.NotEqual(t, first.MessageID, second.MessageID)

		info := PaymentInfoFromMetadata(second.Metadata)
		assert.Equal(t, StatusSubmitted, info.Status)
		require.NotNil(t, info.Payload)
		assert.Equal(t, "87202425", info.Payload.Payload.Authorization.Value)
		assert.Equal(t, TestAddress, info.Payload.Payload.Authorization.From)

		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, successes)
		assert.Len(t, recorder.SuccessfulPayments(), 1)
		assert.Equal(t, "87202425", recorder.TotalAmount())
		assert.Len(t, recorder.EventsFor(first.TaskID), 2)
	})

	t.Run("PreservesCallerMetadata", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			return completedTask(msg.TaskID), nil
		}}
		client, err := NewClient(ClientConfig{Transport: tr, Signer: NewTestKeySigner()})
		require.NoError(t, err)

		msg := NewMessage(RoleUser, "fixed-id", TextPart("Buy a laptop"))
		msg.Metadata = map[string]any{"session": "abc"}
		_, err = client.Send(context.Background(), msg)
		require.NoError(t, err)

		require.Len(t, tr.sent, 2)
		assert.Equal(t, "fixed-id", tr.sent[1].TaskID)
		assert.Equal(t, "abc", tr.sent[1].Metadata["session"])
		assert.Equal(t, "Buy a laptop", tr.sent[1].Text())
	})

	t.Run("FailureIsReportedNotRetried", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			return failedTask(msg.TaskID, CodeInvalidAmount,
				Receipt{Success: false, ErrorCode: CodeInvalidAmount, ErrorReason: "invalid_authorization_value_too_high"}), nil
		}}
		recorder := NewPaymentRecorder()
		var failures int
		client, err := NewClient(ClientConfig{
			Transport:        tr,
			Signer:           NewTestKeySigner(),
			Recorder:         recorder,
			OnPaymentFailure: func(PaymentEvent, error) { failures++ },
		})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "Buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, out.Kind)
		assert.Equal(t, CodeInvalidAmount, out.Code)
		assert.Equal(t, "invalid_authorization_value_too_high", out.Reason)
		assert.Len(t, out.Receipts, 1)
		assert.Len(t, tr.sent, 2)
		assert.Equal(t, 1, failures)
		assert.Len(t, recorder.FailedPayments(), 1)
		assert.Equal(t, "", out.Transaction())
	})

	t.Run("DeclineSendsRejection", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			task := failedTask(msg.TaskID, "")
			task.Status.Message.Metadata = PaymentInfo{Status: StatusRejected}.ApplyTo(nil)
			return task, nil
		}}
		recorder := NewPaymentRecorder()
		client, err := NewClient(ClientConfig{
			Transport: tr,
			Signer:    NewTestKeySigner(),
			Handler: &HandlerConfig{
				Approver: func(ctx context.Context, req PaymentRequirement) (bool, error) {
					return false, nil
				},
			},
			Recorder: recorder,
		})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "Buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out.Kind)
		assert.Equal(t, CodeDeclinedByUser, out.Code)
		assert.Contains(t, out.Reason, "payment declined")

		require.Len(t, tr.sent, 2)
		info := PaymentInfoFromMetadata(tr.sent[1].Metadata)
		assert.Equal(t, StatusRejected, info.Status)
		assert.Nil(t, info.Payload)
		assert.Equal(t, tr.sent[0].TaskID, tr.sent[1].TaskID)
		assert.Len(t, recorder.RejectedPayments(), 1)
	})

	t.Run("OverBudgetIsRejected", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			return failedTask(msg.TaskID, ""), nil
		}}
		client, err := NewClient(ClientConfig{
			Transport: tr,
			Signer:    NewTestKeySigner(),
			Handler:   &HandlerConfig{AutoApprove: true, MaxPaymentAmount: "1000"},
		})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "Buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out.Kind)
		assert.Equal(t, CodeBudgetExceeded, out.Code)
		assert.Contains(t, out.Reason, ErrAmountExceedsLimit.Error())
	})

	t.Run("UnpayableChallengeFails", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			return failedTask(msg.TaskID, ""), nil
		}}
		recorder := NewPaymentRecorder()
		client, err := NewClient(ClientConfig{
			Transport: tr,
			Signer:    NewTestKeySigner(AcceptUSDCPolygon()),
			Recorder:  recorder,
		})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "Buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, out.Kind)
		assert.Equal(t, CodeInvalidRequirement, out.Code)
		assert.Contains(t, out.Reason, ErrNoAcceptablePayment.Error())
		assert.Len(t, tr.sent, 1)
		assert.Empty(t, recorder.RejectedPayments())
		assert.Len(t, recorder.FailedPayments(), 1)
	})

	t.Run("SigningFailureFails", func(t *testing.T) {
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			return challengeTask(msg.TaskID), nil
		}}
		client, err := NewClient(ClientConfig{
			Transport: tr,
			Signer:    failingSigner{PaymentSigner: NewTestKeySigner()},
		})
		require.NoError(t, err)

		out, err := client.Request(context.Background(), "Buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, out.Kind)
		assert.Equal(t, CodeSigningFailed, out.Code)
		assert.Len(t, tr.sent, 1)
	})

	t.Run("RejectionStillSentAfterCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			if n == 1 {
				return challengeTask(msg.TaskID), nil
			}
			return failedTask(msg.TaskID, ""), nil
		}}
		client, err := NewClient(ClientConfig{
			Transport: tr,
			Signer:    NewTestKeySigner(),
			Handler: &HandlerConfig{
				Approver: func(ctx context.Context, req PaymentRequirement) (bool, error) {
					cancel()
					return false, ctx.Err()
				},
			},
		})
		require.NoError(t, err)

		out, err := client.Request(ctx, "Buy a laptop")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out.Kind)
		assert.Len(t, tr.sent, 2)
	})

	t.Run("TransportErrorSurfaces", func(t *testing.T) {
		boom := errors.New("connection refused")
		tr := &scriptedTransport{answer: func(n int, msg *Message) (*Task, error) {
			return nil, boom
		}}
		client, err := NewClient(ClientConfig{Transport: tr, Signer: NewTestKeySigner()})
		require.NoError(t, err)

		_, err = client.Request(context.Background(), "Buy a laptop")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("RequiresTransport", func(t *testing.T) {
		_, err := NewClient(ClientConfig{Signer: NewTestKeySigner()})
		assert.Error(t, err)
	})
}
