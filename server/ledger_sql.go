package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/a2a-x402"
	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS payment_records (
	id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	requirements TEXT NOT NULL,
	challenge TEXT NOT NULL DEFAULT '',
	original TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS payment_receipts (
	record_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	receipt TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (record_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_payment_records_updated ON payment_records(updated_at);
`

// OpenSQLite opens a SQLite database with the pure-Go driver. The pool is
// limited to one connection so ":memory:" databases are shared and writes
// never contend.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}

// SQLLedger persists records with database/sql. Advance is a conditional
// UPDATE inside a transaction, so several processes may share one
// database; Lock only serializes callers within this process.
type SQLLedger struct {
	db    *sql.DB
	locks keyedMutex
	now   func() time.Time
}

// NewSQLLedger creates the tables if needed. The ledger owns db.
func NewSQLLedger(db *sql.DB) (*SQLLedger, error) {
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	return &SQLLedger{db: db, now: time.Now}, nil
}

// WithClock replaces the clock used for timestamps.
func (l *SQLLedger) WithClock(now func() time.Time) *SQLLedger {
	l.now = now
	return l
}

func (l *SQLLedger) Lock(ctx context.Context, id string) (func(), error) {
	return l.locks.Lock(ctx, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (l *SQLLedger) Get(ctx context.Context, id string) (*PaymentRecord, error) {
	return getRecord(ctx, l.db, id)
}

func getRecord(ctx context.Context, q querier, id string) (*PaymentRecord, error) {
	var (
		rec                 PaymentRecord
		phase               string
		requirements, orig  string
		issuedAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, phase, requirements, challenge, original, issued_at, updated_at
		 FROM payment_records WHERE id = ?`, id,
	).Scan(&rec.ID, &phase, &requirements, &rec.Challenge, &orig, &issuedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment record: %w", err)
	}

	rec.Phase = Phase(phase)
	rec.IssuedAt = time.Unix(0, issuedAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	if err := json.Unmarshal([]byte(requirements), &rec.Requirements); err != nil {
		return nil, fmt.Errorf("failed to decode requirements: %w", err)
	}
	if err := json.Unmarshal([]byte(orig), &rec.Original); err != nil {
		return nil, fmt.Errorf("failed to decode original request: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT receipt FROM payment_receipts WHERE record_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		var receipt x402.Receipt
		if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		rec.Receipts = append(rec.Receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read receipts: %w", err)
	}
	return &rec, nil
}

func (l *SQLLedger) Create(ctx context.Context, rec *PaymentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("ledger: record without id")
	}

	requirements, err := json.Marshal(rec.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	orig, err := json.Marshal(rec.Original)
	if err != nil {
		return fmt.Errorf("failed to encode original request: %w", err)
	}

	phase := rec.Phase
	if phase == "" {
		phase = PhaseRequired
	}
	issuedAt := rec.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = l.now()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO payment_records (id, phase, requirements, challenge, original, issued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(phase), string(requirements), rec.Challenge, string(orig),
		issuedAt.UnixNano(), issuedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordExists
	}
	return nil
}

func (l *SQLLedger) Advance(ctx context.Context, id string, from, to Phase, receipt *x402.Receipt) (*PaymentRecord, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	var receiptJSON []byte
	if receipt != nil {
		var err error
		if receiptJSON, err = json.Marshal(receipt); err != nil {
			return nil, fmt.Errorf("failed to encode receipt: %w", err)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE payment_records SET phase = ?, updated_at = ? WHERE id = ? AND phase = ?`,
		string(to), now, id, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to update payment record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update payment record: %w", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT phase FROM payment_records WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load payment record: %w", err)
		}
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrPhaseConflict, id, current, from)
	}

	if receipt != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO payment_receipts (record_id, seq, receipt, created_at)
			 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM payment_receipts WHERE record_id = ?`,
			id, string(receiptJSON), now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to append receipt: %w", err)
		}
	}

	rec, err := getRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return rec, nil
}

func (l *SQLLedger) Evict(ctx context.Context, id string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payment_receipts WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete receipts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM payment_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return tx.Commit()
}

func (l *SQLLedger) Sweep(ctx context.Context, before time.Time) (int, error) {
	const stale = `updated_at < ? AND phase NOT IN ('submitted', 'verified')`

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UnixNano()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM payment_receipts WHERE record_id IN (SELECT id FROM payment_records WHERE `+stale+`)`,
		cutoff); err != nil {
		return 0, fmt.Errorf("failed to sweep receipts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM payment_records WHERE `+stale, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep payment records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep payment records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return int(n), nil
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}
