package shield

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/intake/dbopen"
)

// SQLiteLimiter is the durable limiter: quotas survive restarts and are
// shared by every process using the same database file. Each TryAcquire is
// a single upsert, so check-and-increment is atomic in SQLite.
type SQLiteLimiter struct {
	db  *sql.DB
	cfg RateLimitConfig
	now func() time.Time
}

// NewSQLiteLimiter creates the rate_counters table if needed.
func NewSQLiteLimiter(db *sql.DB, cfg RateLimitConfig, opts ...LimiterOption) (*SQLiteLimiter, error) {
	if err := Init(db); err != nil {
		return nil, fmt.Errorf("shield: init schema: %w", err)
	}
	o := buildOpts(opts)
	return &SQLiteLimiter{db: db, cfg: cfg, now: o.now}, nil
}

const acquireSQL = `
INSERT INTO rate_counters (key, count, reset_at) VALUES (?1, 1, ?2)
ON CONFLICT(key) DO UPDATE SET
    count    = CASE WHEN rate_counters.reset_at <= ?3 THEN 1 ELSE rate_counters.count + 1 END,
    reset_at = CASE WHEN rate_counters.reset_at <= ?3 THEN ?2 ELSE rate_counters.reset_at END
RETURNING count`

// TryAcquire consumes one unit of key's quota.
func (l *SQLiteLimiter) TryAcquire(ctx context.Context, key string) (bool, error) {
	now := l.now()
	resetAt := now.Add(l.cfg.Window).UnixMilli()

	var count int
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, acquireSQL, key, resetAt, now.UnixMilli()).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("shield: acquire %s: %w", key, err)
	}
	return count <= l.cfg.MaxRequests, nil
}

// Purge deletes counters whose window has ended.
func (l *SQLiteLimiter) Purge(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, l.db, `DELETE FROM rate_counters WHERE reset_at <= ?`, l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("shield: purge: %w", err)
	}
	return res.RowsAffected()
}
