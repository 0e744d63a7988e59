package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/a2a-x402"
)

var (
	ErrRecordNotFound    = errors.New("ledger: record not found")
	ErrRecordExists      = errors.New("ledger: record already exists")
	ErrPhaseConflict     = errors.New("ledger: record is not in the expected phase")
	ErrInvalidTransition = errors.New("ledger: invalid phase transition")
	ErrLedgerClosed      = errors.New("ledger: closed")
)

// OriginalRequest is the request that discovered a payment requirement.
// The post-settlement handler call is made with it.
type OriginalRequest struct {
	Content []x402.Part    `json:"content"`
	Context map[string]any `json:"context,omitempty"`
}

// PaymentRecord is the ledger entry of one correlation id.
type PaymentRecord struct {
	ID           string
	Requirements []x402.PaymentRequirement
	// Challenge is the message shown with the requirements.
	Challenge string
	Phase     Phase
	// Receipts is append-only.
	Receipts  []x402.Receipt
	Original  OriginalRequest
	IssuedAt  time.Time
	UpdatedAt time.Time
}

// Clone returns a copy whose slices can be modified freely.
func (r *PaymentRecord) Clone() *PaymentRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Requirements = append([]x402.PaymentRequirement(nil), r.Requirements...)
	out.Receipts = append([]x402.Receipt(nil), r.Receipts...)
	out.Original.Content = append([]x402.Part(nil), r.Original.Content...)
	return &out
}

// Ledger stores payment records. Advance is the only way a record changes
// after Create; it compares the phase and appends at most one receipt
// atomically.
type Ledger interface {
	// Lock serializes work on one correlation id. The returned function
	// releases the lock and may be called more than once.
	Lock(ctx context.Context, id string) (unlock func(), err error)
	Get(ctx context.Context, id string) (*PaymentRecord, error)
	Create(ctx context.Context, rec *PaymentRecord) error
	Advance(ctx context.Context, id string, from, to Phase, receipt *x402.Receipt) (*PaymentRecord, error)
	// Evict removes a record. Reclamation policy belongs to the caller.
	Evict(ctx context.Context, id string) error
	// Sweep evicts records not updated since before, except those with an
	// attempt in flight. It returns how many were removed.
	Sweep(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func inFlight(p Phase) bool {
	return p == PhaseSubmitted || p == PhaseVerified
}
