package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/a2a-x402"
)

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	locks keyedMutex

	mu      sync.RWMutex
	records map[string]*PaymentRecord
	closed  bool
	now     func() time.Time

	onEvict func(PaymentRecord)
}

// MemoryLedgerOption configures a MemoryLedger.
type MemoryLedgerOption func(*MemoryLedger)

// WithEvictHook is called with every record removed by Evict or Sweep.
func WithEvictHook(hook func(PaymentRecord)) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		l.onEvict = hook
	}
}

// WithLedgerClock replaces the clock used for UpdatedAt.
func WithLedgerClock(now func() time.Time) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		l.now = now
	}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...MemoryLedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		records: make(map[string]*PaymentRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) Lock(ctx context.Context, id string) (func(), error) {
	return l.locks.Lock(ctx, id)
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*PaymentRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLedgerClosed
	}
	rec, ok := l.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (l *MemoryLedger) Create(ctx context.Context, rec *PaymentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("ledger: record without id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLedgerClosed
	}
	if _, ok := l.records[rec.ID]; ok {
		return ErrRecordExists
	}

	stored := rec.Clone()
	if stored.Phase == "" {
		stored.Phase = PhaseRequired
	}
	if stored.IssuedAt.IsZero() {
		stored.IssuedAt = l.now()
	}
	stored.UpdatedAt = stored.IssuedAt
	l.records[rec.ID] = stored
	return nil
}

func (l *MemoryLedger) Advance(ctx context.Context, id string, from, to Phase, receipt *x402.Receipt) (*PaymentRecord, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLedgerClosed
	}
	rec, ok := l.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.Phase != from {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrPhaseConflict, id, rec.Phase, from)
	}

	rec.Phase = to
	rec.UpdatedAt = l.now()
	if receipt != nil {
		// A fresh slice keeps clones handed out earlier unchanged.
		receipts := make([]x402.Receipt, len(rec.Receipts), len(rec.Receipts)+1)
		copy(receipts, rec.Receipts)
		rec.Receipts = append(receipts, *receipt)
	}
	return rec.Clone(), nil
}

func (l *MemoryLedger) Evict(ctx context.Context, id string) error {
	l.mu.Lock()
	rec, ok := l.records[id]
	if ok {
		delete(l.records, id)
	}
	l.mu.Unlock()

	if !ok {
		return ErrRecordNotFound
	}
	if l.onEvict != nil {
		l.onEvict(*rec.Clone())
	}
	return nil
}

func (l *MemoryLedger) Sweep(ctx context.Context, before time.Time) (int, error) {
	var evicted []*PaymentRecord

	l.mu.Lock()
	for id, rec := range l.records {
		if inFlight(rec.Phase) || !rec.UpdatedAt.Before(before) {
			continue
		}
		delete(l.records, id)
		evicted = append(evicted, rec)
	}
	l.mu.Unlock()

	if l.onEvict != nil {
		for _, rec := range evicted {
			l.onEvict(*rec.Clone())
		}
	}
	return len(evicted), nil
}

// Len returns the number of records held.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
