package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/intake/dbopen"
	"github.com/hazyhaar/intake/idgen"
)

// AuditEntry is one upload in the audit trail: who sent which file and
// what came of it.
type AuditEntry struct {
	EntryID   string
	Timestamp time.Time
	Operation string // "upload.ingest"
	ClientID  string
	RunID     string
	Filename  string
	Format    string
	Status    string // Success, PartialSuccess, Failed
	ErrorKind string

	Parsed    int
	Valid     int
	Invalid   int
	Delivered int

	DurationMs int64
}

// AuditFilter narrows Query results. Zero fields match everything.
type AuditFilter struct {
	ClientID string
	Status   string
	Since    time.Time
	Limit    int // default 100
}

// AuditLogger persists audit entries through a buffered channel drained
// by a single writer goroutine.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the generator for entry ids.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger starts the writer. Typical bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues an entry. A full buffer falls back to a synchronous
// insert so no upload goes unaudited.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		slog.Warn("observability: audit buffer full, sync fallback", "run_id", e.RunID)
		if err := a.insert(context.Background(), e); err != nil {
			slog.Error("observability: audit insert failed", "error", err, "run_id", e.RunID)
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT entry_id, timestamp, operation, client_id, run_id, filename,
		format, status, error_kind, parsed, valid, invalid, delivered, duration_ms
		FROM audit_log WHERE 1=1`
	var args []any
	if f.ClientID != "" {
		q += " AND client_id = ?"
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                         AuditEntry
			ts                        int64
			format, errKind, filename sql.NullString
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &e.ClientID, &e.RunID, &filename,
			&format, &e.Status, &errKind, &e.Parsed, &e.Valid, &e.Invalid, &e.Delivered, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("observability: scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.Filename, e.Format, e.ErrorKind = filename.String, format.String, errKind.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close drains the buffer and stops the writer. Safe to call twice.
func (a *AuditLogger) Close() error {
	a.once.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Operation == "" {
		e.Operation = "upload.ingest"
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if _, err := tx.ExecContext(ctx, auditInsert, auditArgs(e)...); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("observability: audit flush failed", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := dbopen.Exec(ctx, a.db, auditInsert, auditArgs(e)...)
	return err
}

const auditInsert = `INSERT INTO audit_log (
	entry_id, timestamp, operation, client_id, run_id, filename, format,
	status, error_kind, parsed, valid, invalid, delivered, duration_ms
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func auditArgs(e *AuditEntry) []any {
	return []any{e.EntryID, e.Timestamp.Unix(), e.Operation, e.ClientID, e.RunID, e.Filename, e.Format,
		e.Status, e.ErrorKind, e.Parsed, e.Valid, e.Invalid, e.Delivered, e.DurationMs}
}
