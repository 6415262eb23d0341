package shield

import "database/sql"

// Schema holds the rate_counters table used by SQLiteLimiter: one row per
// client key with the running count and the end of the current window in
// unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_counters (
    key      TEXT PRIMARY KEY,
    count    INTEGER NOT NULL,
    reset_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_counters_reset ON rate_counters(reset_at);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
