package x402

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const rejectTimeout = 10 * time.Second

// OutcomeKind classifies how a paid request ended.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeRejected  OutcomeKind = "rejected"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the client's interpretation of the final task.
type Outcome struct {
	Kind   OutcomeKind
	TaskID string

	// Completed
	Artifact *Artifact
	Text     string

	// Failed or rejected
	Code   ErrorCode
	Reason string

	Receipts    []Receipt
	Requirement *PaymentRequirement
	Task        *Task
}

// Transaction returns the settlement reference of the last successful receipt.
func (o *Outcome) Transaction() string {
	for i := len(o.Receipts) - 1; i >= 0; i-- {
		if o.Receipts[i].Success {
			return o.Receipts[i].Transaction
		}
	}
	return ""
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Transport Transport
	Signer    PaymentSigner

	// Handler configures approval and budgets. Nil approves every payment.
	Handler *HandlerConfig

	OnPaymentAttempt func(PaymentEvent)
	OnPaymentSuccess func(PaymentEvent)
	OnPaymentFailure func(PaymentEvent, error)

	Recorder *PaymentRecorder
	Logger   logrus.FieldLogger
}

// Client drives the client side of the payment handshake: it sends a
// request, pays a payment-required challenge at most once and reports the
// outcome. It never retries.
type Client struct {
	transport Transport
	handler   *PaymentHandler
	logger    logrus.FieldLogger

	onPaymentAttempt func(PaymentEvent)
	onPaymentSuccess func(PaymentEvent)
	onPaymentFailure func(PaymentEvent, error)
	recorder         *PaymentRecorder
}

// NewClient creates a payment-aware client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	handler, err := NewPaymentHandler(config.Signer, config.Handler)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		transport:        config.Transport,
		handler:          handler,
		logger:           logger.WithField("component", "x402-client"),
		onPaymentAttempt: config.OnPaymentAttempt,
		onPaymentSuccess: config.OnPaymentSuccess,
		onPaymentFailure: config.OnPaymentFailure,
		recorder:         config.Recorder,
	}, nil
}

// Handler exposes the payment handler, mostly for budget metrics.
func (c *Client) Handler() *PaymentHandler {
	return c.handler
}

// Request sends content as a new task.
func (c *Client) Request(ctx context.Context, content string) (*Outcome, error) {
	return c.Send(ctx, NewMessage(RoleUser, uuid.NewString(), TextPart(content)))
}

// Send sends msg and pays the challenge if one comes back. An empty task
// id is replaced with a fresh one. Errors are transport failures only;
// payment failures are reported in the Outcome.
func (c *Client) Send(ctx context.Context, msg *Message) (*Outcome, error) {
	if msg.TaskID == "" {
		msg.TaskID = uuid.NewString()
	}
	log := c.logger.WithField("task_id", msg.TaskID)

	task, err := c.transport.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	info := task.Payment()
	if task.Status.State != TaskStateInputRequired || info.Status != StatusRequired {
		return interpret(task, nil), nil
	}

	if info.Required == nil || len(info.Required.Accepts) == 0 {
		log.Warn("payment challenge without requirements")
		return &Outcome{
			Kind:   OutcomeFailed,
			TaskID: task.ID,
			Reason: "payment challenge without requirements",
			Task:   task,
		}, nil
	}

	log.WithField("accepts", len(info.Required.Accepts)).Info("payment required")

	payload, selected, err := c.handler.CreatePayment(ctx, *info.Required)
	if err != nil {
		if IsDeclined(err) {
			return c.reject(ctx, task, selected, err), nil
		}
		return c.cannotPay(task, selected, err), nil
	}

	event := c.event(PaymentEventAttempt, task.ID, selected)
	if c.onPaymentAttempt != nil {
		c.onPaymentAttempt(event)
	}
	c.record(event)

	resubmit := NewMessage(RoleUser, task.ID, msg.Parts...)
	resubmit.ContextID = task.ContextID
	resubmit.Metadata = PaymentInfo{
		Status:  StatusSubmitted,
		Payload: payload,
	}.ApplyTo(StripPaymentKeys(msg.Metadata))

	log.WithFields(logrus.Fields{
		"network": selected.Network,
		"amount":  selected.MaxAmountRequired,
	}).Info("submitting payment")

	final, err := c.transport.Send(ctx, resubmit)
	if err != nil {
		c.failure(task.ID, selected, "", err)
		return nil, fmt.Errorf("submit payment: %w", err)
	}

	outcome := interpret(final, selected)
	switch outcome.Kind {
	case OutcomeCompleted:
		event := c.event(PaymentEventSuccess, task.ID, selected)
		event.Transaction = outcome.Transaction()
		if c.onPaymentSuccess != nil {
			c.onPaymentSuccess(event)
		}
		c.record(event)
		log.WithField("transaction", event.Transaction).Info("payment completed")
	default:
		c.failure(task.ID, selected, outcome.Code, fmt.Errorf("%s: %s", outcome.Code, outcome.Reason))
		log.WithFields(logrus.Fields{
			"error_code": outcome.Code,
			"reason":     outcome.Reason,
		}).Warn("payment did not complete")
	}
	return outcome, nil
}

// reject tells the agent the challenge is declined so it can close the
// record, then reports a Rejected outcome.
func (c *Client) reject(ctx context.Context, task *Task, selected *PaymentRequirement, cause error) *Outcome {
	log := c.logger.WithField("task_id", task.ID).WithError(cause)
	log.Info("declining payment")

	// The caller may have cancelled while deciding; the rejection still
	// has to reach the agent.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rejectTimeout)
	defer cancel()

	msg := NewMessage(RoleUser, task.ID, TextPart("payment declined"))
	msg.ContextID = task.ContextID
	msg.Metadata = PaymentInfo{Status: StatusRejected}.ApplyTo(nil)

	final, err := c.transport.Send(sendCtx, msg)
	if err != nil {
		log.WithField("send_error", err.Error()).Warn("failed to notify agent of rejection")
		final = task
	}

	event := c.event(PaymentEventRejected, task.ID, selected)
	event.Error = cause
	if c.onPaymentFailure != nil {
		c.onPaymentFailure(event, cause)
	}
	c.record(event)

	return &Outcome{
		Kind:        OutcomeRejected,
		TaskID:      task.ID,
		Code:        ClientErrorCode(cause),
		Reason:      cause.Error(),
		Receipts:    final.Payment().Receipts,
		Requirement: selected,
		Task:        final,
	}
}

// cannotPay reports a challenge the wallet could not pay. Nothing is sent;
// the agent's record stays open until its deadline.
func (c *Client) cannotPay(task *Task, selected *PaymentRequirement, cause error) *Outcome {
	code := ClientErrorCode(cause)
	c.logger.WithField("task_id", task.ID).WithField("error_code", code).WithError(cause).Warn("cannot pay challenge")
	c.failure(task.ID, selected, code, cause)

	return &Outcome{
		Kind:        OutcomeFailed,
		TaskID:      task.ID,
		Code:        code,
		Reason:      cause.Error(),
		Receipts:    task.Payment().Receipts,
		Requirement: selected,
		Task:        task,
	}
}

func (c *Client) failure(taskID string, req *PaymentRequirement, code ErrorCode, err error) {
	event := c.event(PaymentEventFailure, taskID, req)
	event.Code = code
	event.Error = err
	if c.onPaymentFailure != nil {
		c.onPaymentFailure(event, err)
	}
	c.record(event)
}

func (c *Client) event(eventType PaymentEventType, taskID string, req *PaymentRequirement) PaymentEvent {
	event := PaymentEvent{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().Unix(),
	}
	if req != nil {
		event.Resource = req.Resource
		event.Network = req.Network
		event.Asset = req.Asset
		event.Recipient = req.PayTo
		if amount, err := req.Amount(); err == nil {
			event.Amount = amount
		}
	}
	return event
}

func (c *Client) record(event PaymentEvent) {
	if c.recorder != nil {
		c.recorder.Record(event)
	}
}

// interpret maps a task onto an Outcome.
func interpret(task *Task, selected *PaymentRequirement) *Outcome {
	info := task.Payment()
	out := &Outcome{
		TaskID:      task.ID,
		Receipts:    info.Receipts,
		Requirement: selected,
		Task:        task,
		Code:        info.Error,
	}

	if task.Status.State == TaskStateCompleted && info.Error == "" {
		out.Kind = OutcomeCompleted
		if len(task.Artifacts) > 0 {
			out.Artifact = &task.Artifacts[0]
			out.Text = out.Artifact.Text()
		}
		if out.Text == "" {
			out.Text = task.Status.Message.Text()
		}
		return out
	}

	if info.Status == StatusRejected {
		out.Kind = OutcomeRejected
	} else {
		out.Kind = OutcomeFailed
	}

	out.Reason = task.Status.Message.Text()
	if n := len(info.Receipts); n > 0 && info.Receipts[n-1].ErrorReason != "" {
		out.Reason = info.Receipts[n-1].ErrorReason
	}
	if out.Reason == "" {
		out.Reason = string(task.Status.State)
	}
	return out
}
