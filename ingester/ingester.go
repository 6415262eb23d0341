// Package ingester runs one upload through the whole pipeline:
// admission, detection, parsing, validation, transformation and delivery.
//
// Ingest never returns an error. Every failure becomes Result.Failure with
// the stage and Kind that caused it, and the run always ends in either
// StateDelivered or StateFailed. Runs share nothing mutable except the rate
// limiter and the receipt store behind the delivery client.
package ingester

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/intake/archive"
	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/idgen"
	"github.com/hazyhaar/intake/observability"
	"github.com/hazyhaar/intake/transform"
	"github.com/hazyhaar/intake/validate"
)

// Limiter admits or refuses one upload for a client. Both
// shield.RateLimiter and shield.SQLiteLimiter satisfy it.
type Limiter interface {
	TryAcquire(ctx context.Context, clientID string) (bool, error)
}

// Deliverer sends canonical records downstream. *delivery.Client satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, records []transform.CanonicalRecord, key string) (*delivery.Receipt, error)
}

// Policy decides what happens when some records are invalid.
type Policy string

const (
	// PolicyProceed delivers the valid subset.
	PolicyProceed Policy = "proceed"
	// PolicyReject fails the run on any invalid record.
	PolicyReject Policy = "reject"
)

// ParsePolicy accepts "", "proceed" and "reject". Empty means proceed.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyProceed:
		return PolicyProceed, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unsupported policy %q (use proceed or reject)", s)
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLimiter sets the rate limiter. Without one every upload is admitted.
func WithLimiter(l Limiter) Option { return func(ing *Ingester) { ing.limiter = l } }

// WithMaxBytes sets the artifact size ceiling. Default: 10 MiB.
func WithMaxBytes(n int64) Option { return func(ing *Ingester) { ing.maxBytes = n } }

// WithPolicy sets the mixed-outcome policy. Default: PolicyProceed.
func WithPolicy(p Policy) Option { return func(ing *Ingester) { ing.policy = p } }

// WithArchive archives artifacts of runs selected by policy.
func WithArchive(s *archive.Store, p archive.Policy) Option {
	return func(ing *Ingester) { ing.archive, ing.archivePolicy = s, p }
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(ing *Ingester) { ing.metrics = m }
}

// WithEvents sets the event logger.
func WithEvents(e *observability.EventLogger) Option {
	return func(ing *Ingester) { ing.events = e }
}

// WithAudit records every delivered or failed upload in the audit trail.
func WithAudit(a *observability.AuditLogger) Option {
	return func(ing *Ingester) { ing.audit = a }
}

// WithIDGenerator sets the run id generator. Default: "run_" + UUIDv7.
func WithIDGenerator(g idgen.Generator) Option { return func(ing *Ingester) { ing.newID = g } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(ing *Ingester) { ing.logger = l } }

// Ingester is the pipeline orchestrator. It is safe for concurrent use.
type Ingester struct {
	pipe      *docpipe.Pipeline
	rules     *validate.Ruleset
	tr        *transform.Transformer
	deliverer Deliverer

	limiter       Limiter
	maxBytes      int64
	policy        Policy
	archive       *archive.Store
	archivePolicy archive.Policy
	metrics       *observability.MetricsManager
	events        *observability.EventLogger
	audit         *observability.AuditLogger
	newID         idgen.Generator
	logger        *slog.Logger
}

// New wires an ingester. dict and rules are checked against each other by
// transform.New. deliverer may be nil for an ingester that only serves
// Check.
func New(pipe *docpipe.Pipeline, rules *validate.Ruleset, dict *transform.Dictionary, deliverer Deliverer, opts ...Option) (*Ingester, error) {
	tr, err := transform.New(dict, rules)
	if err != nil {
		return nil, err
	}
	ing := &Ingester{
		pipe:          pipe,
		rules:         rules,
		tr:            tr,
		deliverer:     deliverer,
		maxBytes:      10 << 20,
		policy:        PolicyProceed,
		archivePolicy: archive.PolicyNever,
		newID:         idgen.Prefixed("run_", idgen.Default),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(ing)
	}
	if _, err := ParsePolicy(string(ing.policy)); err != nil {
		return nil, err
	}
	return ing, nil
}

// Ingest runs the full pipeline for one upload.
//
// The rate limiter is consulted exactly once, before anything else; the
// size ceiling comes next. Parsing and validation stop on cancellation and
// no delivery starts after it, but a delivery already started runs to the
// end on a detached context so its receipt is recorded.
func (ing *Ingester) Ingest(ctx context.Context, clientID string, a docpipe.Artifact) *Result {
	start := time.Now()
	res := &Result{RunID: ing.newID(), ClientID: clientID, Name: a.Name}
	res.enter(StateReceived)
	defer ing.finish(ctx, res, a, start)

	if ing.limiter != nil {
		ok, err := ing.limiter.TryAcquire(ctx, clientID)
		if err != nil {
			ing.fail(res, StageAdmission, fmt.Errorf("rate limiter: %w", err))
			return res
		}
		if !ok {
			ing.fail(res, StageAdmission, ErrRateLimited)
			return res
		}
	}
	if !ing.admitSize(res, a) {
		return res
	}

	records, ok := ing.prepare(ctx, res, a)
	if !ok {
		return res
	}
	if ing.deliverer == nil {
		ing.fail(res, StageDeliver, fmt.Errorf("no delivery client configured"))
		return res
	}
	if err := ctx.Err(); err != nil {
		ing.fail(res, StageDeliver, err)
		return res
	}

	res.IdempotencyKey = IdempotencyKey(clientID, a.Data)
	receipt, err := ing.deliverer.Deliver(context.WithoutCancel(ctx), records, res.IdempotencyKey)
	res.Receipt = receipt
	if err != nil {
		ing.fail(res, StageDeliver, err)
		return res
	}
	res.Delivered = len(records)
	res.enter(StateDelivered)
	return res
}

// Check is a dry run: detection through transformation, with the size
// ceiling but no rate limit and no delivery. The canonical records are
// returned in Result.Records. A successful check ends in StateTransformed.
func (ing *Ingester) Check(ctx context.Context, clientID string, a docpipe.Artifact) *Result {
	start := time.Now()
	res := &Result{RunID: ing.newID(), ClientID: clientID, Name: a.Name, DryRun: true}
	res.enter(StateReceived)
	defer ing.finish(ctx, res, a, start)

	if !ing.admitSize(res, a) {
		return res
	}
	records, ok := ing.prepare(ctx, res, a)
	if ok {
		res.Records = records
	}
	return res
}

func (ing *Ingester) admitSize(res *Result, a docpipe.Artifact) bool {
	if a.Size() > ing.maxBytes {
		ing.fail(res, StageAdmission, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrPayloadTooLarge, a.Size(), ing.maxBytes))
		return false
	}
	return true
}

// prepare runs detection, parsing, validation and transformation.
func (ing *Ingester) prepare(ctx context.Context, res *Result, a docpipe.Artifact) ([]transform.CanonicalRecord, bool) {
	format, err := ing.pipe.Detect(a)
	if err != nil {
		ing.fail(res, StageDetect, err)
		return nil, false
	}
	res.Format = format
	res.enter(StateDetected)

	set, err := ing.pipe.Parse(ctx, format, a)
	if err != nil {
		ing.fail(res, StageParse, err)
		return nil, false
	}
	res.Parsed = set.Len()
	res.enter(StateParsed)

	outcomes, err := validate.Validate(ctx, set, ing.rules)
	if err != nil {
		ing.fail(res, StageValidate, err)
		return nil, false
	}
	valid, invalid := validate.Partition(outcomes)
	res.Valid, res.Invalid = len(valid), len(invalid)
	res.Violations = validate.Violations(outcomes)
	res.enter(StateValidated)

	switch {
	case len(valid) == 0:
		ing.fail(res, StageValidate, validationError("no valid records", res.Violations))
		return nil, false
	case len(invalid) > 0 && ing.policy == PolicyReject:
		ing.fail(res, StageValidate, validationError(fmt.Sprintf("%d invalid records", len(invalid)), res.Violations))
		return nil, false
	}

	records, err := ing.tr.TransformAll(ctx, set.Subset(valid).Records)
	if err != nil {
		ing.fail(res, StageTransform, err)
		return nil, false
	}
	res.enter(StateTransformed)
	return records, true
}

// validationError names the first violations: row, field and rule.
func validationError(what string, vs []validate.Violation) error {
	const shown = 3
	parts := make([]string, 0, shown)
	for i, v := range vs {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(vs)-shown))
			break
		}
		parts = append(parts, fmt.Sprintf("row %d field %s rule %s", v.Row, v.Field, v.Rule))
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: %s", ErrValidationFailure, what)
	}
	return fmt.Errorf("%w: %s (%s)", ErrValidationFailure, what, strings.Join(parts, "; "))
}

func (ing *Ingester) fail(res *Result, stage Stage, err error) {
	kind := Classify(err)
	res.err = err
	res.Failure = &Failure{Stage: stage, Kind: kind, Message: userMessage(stage, kind, err)}
	res.enter(StateFailed)
}

// finish logs the terminal state, records metrics and events, and archives
// the artifact when the policy asks for it.
func (ing *Ingester) finish(ctx context.Context, res *Result, a docpipe.Artifact, start time.Time) {
	res.Duration = time.Since(start)
	detached := context.WithoutCancel(ctx)

	if !res.DryRun && ing.archive != nil && ing.archivePolicy.Applies(res.Failed()) {
		name, err := ing.archive.Put(detached, archive.Entry{
			Name:           a.Name,
			ContentType:    a.ContentType,
			ClientID:       res.ClientID,
			RunID:          res.RunID,
			IdempotencyKey: IdempotencyKey(res.ClientID, a.Data),
			Format:         string(res.Format),
			State:          string(res.State),
			Payload:        a.Data,
		})
		if err != nil {
			ing.logger.Warn("ingester: archive failed", "run_id", res.RunID, "error", err)
		} else {
			res.Archived = name
		}
	}

	attrs := []any{
		"run_id", res.RunID, "client", res.ClientID, "name", a.Name, "format", res.Format,
		"state", res.State, "parsed", res.Parsed, "valid", res.Valid, "invalid", res.Invalid,
		"delivered", res.Delivered, "dry_run", res.DryRun, "duration_ms", res.Duration.Milliseconds(),
	}
	switch {
	case res.Failure == nil:
		ing.logger.Info("ingester: run complete", attrs...)
	case res.Failure.Kind == KindInternalTransformError || res.Failure.Kind == KindInternal:
		ing.logger.Error("ingester: run failed", append(attrs, "kind", res.Failure.Kind, "stage", res.Failure.Stage, "defect", true, "error", res.err)...)
	default:
		ing.logger.Warn("ingester: run failed", append(attrs, "kind", res.Failure.Kind, "stage", res.Failure.Stage, "error", res.err)...)
	}

	if res.DryRun {
		return
	}
	ing.recordMetrics(res)
	ing.recordEvent(detached, res)
	ing.recordAudit(res, a.Name)
}

func (ing *Ingester) recordMetrics(res *Result) {
	if ing.metrics == nil {
		return
	}
	labels := map[string]string{"client": res.ClientID, "format": string(res.Format), "state": string(res.State)}
	ing.metrics.RecordLabeled(observability.MetricRunDurationMs, float64(res.Duration.Milliseconds()), "milliseconds", labels)
	ing.metrics.RecordLabeled(observability.MetricRecordsParsed, float64(res.Parsed), "count", labels)
	ing.metrics.RecordLabeled(observability.MetricRecordsInvalid, float64(res.Invalid), "count", labels)
	ing.metrics.RecordLabeled(observability.MetricRecordsDelivered, float64(res.Delivered), "count", labels)
	if res.Failure != nil {
		ing.metrics.RecordLabeled(observability.MetricRunsFailed, 1, "count",
			map[string]string{"client": res.ClientID, "kind": string(res.Failure.Kind)})
	}
}

func (ing *Ingester) recordEvent(ctx context.Context, res *Result) {
	if ing.events == nil {
		return
	}
	s := res.Summary()
	ing.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   "upload." + string(res.State),
		ServiceName: "intake",
		EntityType:  "run",
		EntityID:    res.RunID,
		ClientID:    res.ClientID,
		Action:      string(s.Status),
		Details: map[string]any{
			"kind":         s.Kind,
			"parsed":       res.Parsed,
			"delivered":    res.Delivered,
			"reference_id": s.ReferenceID,
		},
		Success: res.Failure == nil,
	})
}

func (ing *Ingester) recordAudit(res *Result, filename string) {
	if ing.audit == nil {
		return
	}
	s := res.Summary()
	ing.audit.LogAsync(&observability.AuditEntry{
		ClientID:   res.ClientID,
		RunID:      res.RunID,
		Filename:   filename,
		Format:     string(res.Format),
		Status:     string(s.Status),
		ErrorKind:  string(s.Kind),
		Parsed:     res.Parsed,
		Valid:      res.Valid,
		Invalid:    res.Invalid,
		Delivered:  res.Delivered,
		DurationMs: res.Duration.Milliseconds(),
	})
}
