package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/intake/dbopen"
)

// Status is the outcome of a delivery.
type Status string

const (
	StatusDelivered        Status = "delivered"
	StatusRejected         Status = "rejected"
	StatusTransientFailure Status = "transient_failure"
)

// Receipt records what the downstream platform did with a batch.
type Receipt struct {
	Status         Status    `json:"status"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	Attempts       int       `json:"attempts"`
	IdempotencyKey string    `json:"idempotency_key"`
	Records        int       `json:"records"`
	Replayed       bool      `json:"replayed,omitempty"`
	Response       string    `json:"response,omitempty"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// ReceiptStore remembers Delivered receipts by idempotency key. Get returns
// (nil, nil) for an unknown key.
type ReceiptStore interface {
	Get(ctx context.Context, key string) (*Receipt, error)
	Put(ctx context.Context, r *Receipt) error
}

// MemoryReceipts is a process-local ReceiptStore.
type MemoryReceipts struct {
	mu sync.RWMutex
	m  map[string]Receipt
}

// NewMemoryReceipts creates an empty store.
func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{m: make(map[string]Receipt)}
}

func (s *MemoryReceipts) Get(_ context.Context, key string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryReceipts) Put(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[r.IdempotencyKey] = *r
	return nil
}

// Schema holds the receipts table used by SQLiteReceipts.
const Schema = `
CREATE TABLE IF NOT EXISTS receipts (
    idempotency_key TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    reference_id    TEXT,
    body            TEXT NOT NULL,
    created_at      INTEGER NOT NULL
);
`

// SQLiteReceipts persists receipts so a restart does not forget which
// uploads were already delivered.
type SQLiteReceipts struct {
	db *sql.DB
}

// NewSQLiteReceipts creates the receipts table if needed.
func NewSQLiteReceipts(db *sql.DB) (*SQLiteReceipts, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("delivery: init receipts: %w", err)
	}
	return &SQLiteReceipts{db: db}, nil
}

func (s *SQLiteReceipts) Get(ctx context.Context, key string) (*Receipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM receipts WHERE idempotency_key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: get receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("delivery: decode receipt %s: %w", key, err)
	}
	return &r, nil
}

func (s *SQLiteReceipts) Put(ctx context.Context, r *Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("delivery: encode receipt: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO receipts (idempotency_key, status, reference_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = excluded.status,
			reference_id = excluded.reference_id,
			body = excluded.body`,
		r.IdempotencyKey, string(r.Status), r.ReferenceID, string(body), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("delivery: put receipt: %w", err)
	}
	return nil
}
