package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNonceUsed is returned by Consume when the nonce was consumed before.
var ErrNonceUsed = errors.New("nonce already used")

// NonceStore remembers consumed authorization nonces.
type NonceStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	// Consume marks key as used. Exactly one concurrent caller succeeds;
	// the others get ErrNonceUsed.
	Consume(ctx context.Context, key string) error
}

// NonceKey scopes a nonce to its network and signer.
func NonceKey(network, from, nonce string) string {
	return strings.ToLower(network + ":" + from + ":" + nonce)
}

// MemoryNonceStore keeps consumed nonces in process memory.
type MemoryNonceStore struct {
	mu   sync.Mutex
	used map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{used: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[key]
	return ok, nil
}

func (s *MemoryNonceStore) Consume(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[key]; ok {
		return ErrNonceUsed
	}
	s.used[key] = time.Now()
	return nil
}

const nonceSchema = `
CREATE TABLE IF NOT EXISTS consumed_nonces (
	nonce_key TEXT PRIMARY KEY,
	consumed_at INTEGER NOT NULL
);
`

// SQLNonceStore keeps consumed nonces in a database table so that several
// facilitator processes agree on them.
type SQLNonceStore struct {
	db *sql.DB
}

func NewSQLNonceStore(db *sql.DB) (*SQLNonceStore, error) {
	if _, err := db.Exec(nonceSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate nonce table: %w", err)
	}
	return &SQLNonceStore{db: db}, nil
}

func (s *SQLNonceStore) Seen(ctx context.Context, key string) (bool, error) {
	var consumedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT consumed_at FROM consumed_nonces WHERE nonce_key = ?`, key).Scan(&consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query nonce: %w", err)
	}
	return true, nil
}

func (s *SQLNonceStore) Consume(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consumed_nonces (nonce_key, consumed_at) VALUES (?, ?) ON CONFLICT(nonce_key) DO NOTHING`,
		key, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	if n == 0 {
		return ErrNonceUsed
	}
	return nil
}
