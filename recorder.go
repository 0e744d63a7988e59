package x402

import (
	"math/big"
	"sync"
)

// PaymentRecorder keeps payment events in order. It plugs into a Client's
// Recorder or a server middleware's OnPaymentEvent.
type PaymentRecorder struct {
	mu     sync.RWMutex
	events []PaymentEvent
}

// NewPaymentRecorder creates a new payment recorder
func NewPaymentRecorder() *PaymentRecorder {
	return &PaymentRecorder{}
}

// Record records a payment event
func (r *PaymentRecorder) Record(event PaymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, copyEvent(event))
}

// EventsFor returns the events of one task, in order.
func (r *PaymentRecorder) EventsFor(taskID string) []PaymentEvent {
	return r.filter(func(e PaymentEvent) bool { return e.TaskID == taskID })
}

// SuccessfulPayments returns only successful payment events
func (r *PaymentRecorder) SuccessfulPayments() []PaymentEvent {
	return r.filter(func(e PaymentEvent) bool { return e.Type == PaymentEventSuccess })
}

// FailedPayments returns only failed payment events
func (r *PaymentRecorder) FailedPayments() []PaymentEvent {
	return r.filter(func(e PaymentEvent) bool { return e.Type == PaymentEventFailure })
}

// RejectedPayments returns challenges the client declined.
func (r *PaymentRecorder) RejectedPayments() []PaymentEvent {
	return r.filter(func(e PaymentEvent) bool { return e.Type == PaymentEventRejected })
}

// TotalAmount sums the amounts of successful payments.
func (r *PaymentRecorder) TotalAmount() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := big.NewInt(0)
	for _, event := range r.events {
		if event.Type == PaymentEventSuccess && event.Amount != nil {
			total.Add(total, event.Amount)
		}
	}
	return total.String()
}

func (r *PaymentRecorder) filter(keep func(PaymentEvent) bool) []PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PaymentEvent
	for _, event := range r.events {
		if keep(event) {
			out = append(out, copyEvent(event))
		}
	}
	return out
}

// copyEvent deep-copies the amount so callers cannot mutate recorded events.
func copyEvent(event PaymentEvent) PaymentEvent {
	if event.Amount != nil {
		event.Amount = new(big.Int).Set(event.Amount)
	}
	return event
}
