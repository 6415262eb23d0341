package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/hazyhaar/intake/dbopen"
	"github.com/hazyhaar/intake/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init should be idempotent: %v", err)
	}
	for _, table := range []string{"metrics_timeseries", "business_event_logs", "audit_log"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.RecordLabeled(MetricRecordsParsed, 3, "count", map[string]string{"format": "csv"})
	mm.RecordSimple(MetricRunDurationMs, 12.5, "milliseconds")
	mm.Close()

	metrics, err := mm.Query(context.Background(), "", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(metrics))
	}

	parsed, err := mm.Query(context.Background(), MetricRecordsParsed, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 1 || parsed[0].Value != 3 || parsed[0].Labels["format"] != "csv" {
		t.Fatalf("parsed metric = %+v", parsed)
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple(MetricRunsFailed, 1, "count")
	mm.RecordSimple(MetricRunsFailed, 1, "count")

	var count int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&count)
	if count != 2 {
		t.Fatalf("expected buffer flush at capacity, got %d rows", count)
	}
}

func TestMetricsManager_QueryTimeRangeAndCleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	now := time.Now()
	mm.Record(&Metric{Name: MetricRecordsDelivered, Timestamp: now.Add(-48 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: MetricRecordsDelivered, Timestamp: now, Value: 2})
	mm.Close()

	recent, err := mm.Query(context.Background(), MetricRecordsDelivered, now.Add(-time.Hour), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Value != 2 {
		t.Fatalf("recent = %+v", recent)
	}

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
}

func TestMetricsManager_DoubleClose(t *testing.T) {
	mm := NewMetricsManager(setupObsDB(t), 10, time.Hour)
	mm.Close()
	mm.Close()
}

// --- EventLogger ---

func TestEventLogger_LogAndRecent(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, WithEventIDGenerator(idgen.Sequence("evt")))
	ctx := context.Background()

	el.LogEvent(ctx, BusinessEvent{
		EventType:   "upload.delivered",
		ServiceName: "intake",
		EntityType:  "run",
		EntityID:    "run-1",
		ClientID:    "acme",
		Action:      "ingest",
		Details:     map[string]int{"delivered": 2},
		Success:     true,
	})
	el.LogEvent(ctx, BusinessEvent{EventType: "upload.failed", ServiceName: "intake", ClientID: "other", Action: "ingest"})

	events, err := el.Recent(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.EntityID != "run-1" || !ev.Success || ev.EventType != "upload.delivered" {
		t.Errorf("event = %+v", ev)
	}
	var details map[string]int
	if err := json.Unmarshal(ev.Details.(json.RawMessage), &details); err != nil || details["delivered"] != 2 {
		t.Errorf("details = %s (%v)", ev.Details, err)
	}

	var id string
	db.QueryRow("SELECT event_id FROM business_event_logs WHERE client_id = 'acme'").Scan(&id)
	if id != "evt-1" {
		t.Errorf("event_id = %q, want evt-1", id)
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-72 * time.Hour).Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('e1', 't', 's', 'a', ?)`, old)
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action) VALUES ('e2', 't', 's', 'a')`)

	if err := Cleanup(context.Background(), db, RetentionConfig{Events: 24 * time.Hour}); err != nil {
		t.Fatal(err)
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&count)
	if count != 1 {
		t.Fatalf("events left = %d, want 1", count)
	}

	if err := Cleanup(context.Background(), db, RetentionConfig{}); err != nil {
		t.Fatalf("zero retention should be a no-op: %v", err)
	}
}

// --- AuditLogger ---

func TestAuditLogger_LogAndQuery(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10, WithAuditIDGenerator(idgen.Sequence("audit")))
	defer al.Close()
	ctx := context.Background()

	first := &AuditEntry{ClientID: "acme", RunID: "run-1", Filename: "users.csv", Format: "csv",
		Status: "PartialSuccess", Parsed: 3, Valid: 2, Invalid: 1, Delivered: 2, DurationMs: 4}
	if err := al.Log(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.EntryID != "audit-1" || first.Operation != "upload.ingest" {
		t.Fatalf("defaults not filled: %+v", first)
	}
	al.Log(ctx, &AuditEntry{ClientID: "acme", RunID: "run-2", Filename: "x.pdf", Status: "Failed", ErrorKind: "ParseError"})
	al.Log(ctx, &AuditEntry{ClientID: "globex", RunID: "run-3", Status: "Success"})

	got, err := al.Query(ctx, AuditFilter{ClientID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RunID != "run-2" || got[1].RunID != "run-1" {
		t.Fatalf("entries = %+v", got)
	}
	if e := got[1]; e.Filename != "users.csv" || e.Parsed != 3 || e.Valid != 2 || e.Invalid != 1 || e.Delivered != 2 {
		t.Errorf("round trip = %+v", e)
	}

	failed, err := al.Query(ctx, AuditFilter{Status: "Failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ErrorKind != "ParseError" || failed[0].Format != "" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestAuditLogger_AsyncFlushedOnClose(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10)
	for i := 0; i < 3; i++ {
		al.LogAsync(&AuditEntry{ClientID: "acme", RunID: "run", Status: "Success"})
	}
	al.Close()
	al.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	if count != 3 {
		t.Fatalf("audit rows = %d, want 3", count)
	}
}

func TestAuditLogger_FullBufferFallsBackToSync(t *testing.T) {
	db := setupObsDB(t)
	al := &AuditLogger{db: db, newID: idgen.Sequence("a"), ch: make(chan *AuditEntry)}
	al.LogAsync(&AuditEntry{ClientID: "acme", RunID: "run", Status: "Success"})

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	if count != 1 {
		t.Fatalf("audit rows = %d, want 1", count)
	}
}

func TestCleanup_AuditRetention(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10)
	defer al.Close()
	ctx := context.Background()
	al.Log(ctx, &AuditEntry{ClientID: "acme", RunID: "old", Status: "Success", Timestamp: time.Now().Add(-72 * time.Hour)})
	al.Log(ctx, &AuditEntry{ClientID: "acme", RunID: "new", Status: "Success"})

	if err := Cleanup(ctx, db, RetentionConfig{Audit: 24 * time.Hour}); err != nil {
		t.Fatal(err)
	}
	got, err := al.Query(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RunID != "new" {
		t.Fatalf("entries = %+v", got)
	}
}
