package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/intake/dbopen"
	"github.com/hazyhaar/intake/idgen"
)

// BusinessEvent is a domain-level event, one per terminal pipeline run.
type BusinessEvent struct {
	EventType   string    `json:"event_type"` // "upload.delivered", "upload.failed"
	ServiceName string    `json:"service_name"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	Action      string    `json:"action"`
	Details     any       `json:"details,omitempty"` // stored as JSON
	Success     bool      `json:"success"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventLogger writes business events.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the generator for event ids.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. Failures are logged, never returned.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	var details sql.NullString
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			slog.Warn("observability: encode event details", "error", err, "event_type", ev.EventType)
		} else {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			client_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, ev.ServiceName, ev.EntityType, ev.EntityID,
		ev.ClientID, ev.Action, details, ev.Success, ev.CreatedAt.Unix())
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", ev.EventType)
	}
}

// Recent returns the latest events of a client, newest first. Details come
// back as raw JSON.
func (l *EventLogger) Recent(ctx context.Context, clientID string, limit int) ([]BusinessEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, service_name, entity_type, entity_id, client_id,
		       action, details, success, created_at
		FROM business_event_logs WHERE client_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()

	var out []BusinessEvent
	for rows.Next() {
		var (
			ev                        BusinessEvent
			entityType, entityID, cid sql.NullString
			details                   sql.NullString
			created                   int64
		)
		if err := rows.Scan(&ev.EventType, &ev.ServiceName, &entityType, &entityID, &cid,
			&ev.Action, &details, &ev.Success, &created); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.EntityType, ev.EntityID, ev.ClientID = entityType.String, entityID.String, cid.String
		if details.Valid {
			ev.Details = json.RawMessage(details.String)
		}
		ev.CreatedAt = time.Unix(created, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig is the per-table retention. Zero keeps everything.
type RetentionConfig struct {
	Metrics time.Duration
	Events  time.Duration
	Audit   time.Duration
}

// Cleanup deletes rows past their retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	if cfg.Metrics > 0 {
		if _, err := dbopen.Exec(ctx, db, "DELETE FROM metrics_timeseries WHERE timestamp < ?", now.Add(-cfg.Metrics).UnixMilli()); err != nil {
			return fmt.Errorf("observability: cleanup metrics: %w", err)
		}
	}
	if cfg.Events > 0 {
		if _, err := dbopen.Exec(ctx, db, "DELETE FROM business_event_logs WHERE created_at < ?", now.Add(-cfg.Events).Unix()); err != nil {
			return fmt.Errorf("observability: cleanup events: %w", err)
		}
	}
	if cfg.Audit > 0 {
		if _, err := dbopen.Exec(ctx, db, "DELETE FROM audit_log WHERE timestamp < ?", now.Add(-cfg.Audit).Unix()); err != nil {
			return fmt.Errorf("observability: cleanup audit log: %w", err)
		}
	}
	return nil
}
