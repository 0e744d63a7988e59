package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/a2a-x402"
)

// RequestFromMessage decodes an incoming message. The task id is the
// correlation id and the payment keys are lifted out of the metadata.
func RequestFromMessage(msg *x402.Message) *Request {
	req := &Request{
		CorrelationID: msg.TaskID,
		Content:       append([]x402.Part(nil), msg.Parts...),
		Context:       x402.StripPaymentKeys(msg.Metadata),
	}
	if info := x402.PaymentInfoFromMetadata(msg.Metadata); !info.IsZero() {
		req.Payment = &info
	}
	return req
}

// TaskFromResponse encodes a middleware response as a task. The payment
// sub-object and the caller's context travel in the status message's
// metadata; the artifact is attached only to successful responses.
func TaskFromResponse(resp *Response, contextID string) *x402.Task {
	state := x402.TaskStateCompleted
	switch resp.Status {
	case StatusNeedsInput:
		state = x402.TaskStateInputRequired
	case StatusFailed:
		state = x402.TaskStateFailed
	}

	meta := x402.StripPaymentKeys(resp.Context)
	if resp.Payment != nil {
		meta = resp.Payment.ApplyTo(meta)
	}
	if len(meta) == 0 {
		meta = nil
	}

	task := &x402.Task{
		ID:        resp.CorrelationID,
		ContextID: contextID,
		Status: x402.TaskStatus{
			State: state,
			Message: &x402.Message{
				MessageID: uuid.NewString(),
				Role:      x402.RoleAgent,
				Parts:     resp.Content,
				TaskID:    resp.CorrelationID,
				ContextID: contextID,
				Metadata:  meta,
			},
			Timestamp: x402.Now(),
		},
	}
	if resp.Status == StatusOK && resp.Artifact != nil {
		task.Artifacts = []x402.Artifact{*resp.Artifact}
	}
	return task
}

// LocalTransport delivers messages to a middleware in the same process.
type LocalTransport struct {
	mw *Middleware
}

func NewLocalTransport(mw *Middleware) *LocalTransport {
	return &LocalTransport{mw: mw}
}

// Send implements x402.Transport.
func (t *LocalTransport) Send(ctx context.Context, msg *x402.Message) (*x402.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	return TaskFromResponse(t.mw.Handle(ctx, RequestFromMessage(msg)), contextID), nil
}
