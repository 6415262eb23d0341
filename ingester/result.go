package ingester

import (
	"fmt"
	"time"

	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/transform"
	"github.com/hazyhaar/intake/validate"
)

// State is a step of the per-upload state machine:
// received → detected → parsed → validated → transformed → delivered | failed.
type State string

const (
	StateReceived    State = "received"
	StateDetected    State = "detected"
	StateParsed      State = "parsed"
	StateValidated   State = "validated"
	StateTransformed State = "transformed"
	StateDelivered   State = "delivered"
	StateFailed      State = "failed"
)

// Result is the outcome of one run. It is always produced, whatever failed.
type Result struct {
	RunID          string                      `json:"run_id"`
	ClientID       string                      `json:"client_id"`
	Name           string                      `json:"name"`
	Format         docpipe.Format              `json:"format,omitempty"`
	State          State                       `json:"state"`
	States         []State                     `json:"states"`
	DryRun         bool                        `json:"dry_run,omitempty"`
	Parsed         int                         `json:"parsed"`
	Valid          int                         `json:"valid"`
	Invalid        int                         `json:"invalid"`
	Delivered      int                         `json:"delivered"`
	Violations     []validate.Violation        `json:"violations,omitempty"`
	IdempotencyKey string                      `json:"idempotency_key,omitempty"`
	Receipt        *delivery.Receipt           `json:"receipt,omitempty"`
	Failure        *Failure                    `json:"failure,omitempty"`
	Archived       string                      `json:"archived,omitempty"`
	Records        []transform.CanonicalRecord `json:"records,omitempty"`
	Duration       time.Duration               `json:"-"`

	err error
}

func (r *Result) enter(s State) {
	r.State = s
	r.States = append(r.States, s)
}

// Err returns the error that failed the run, or nil.
func (r *Result) Err() error { return r.err }

// Failed reports whether the run ended in StateFailed.
func (r *Result) Failed() bool { return r.State == StateFailed }

// Status is the uploader-facing verdict of a run.
type Status string

const (
	StatusSuccess        Status = "Success"
	StatusPartialSuccess Status = "PartialSuccess"
	StatusFailed         Status = "Failed"
)

// Summary is the response body returned to the uploader.
type Summary struct {
	Status      Status               `json:"status"`
	Message     string               `json:"message"`
	RunID       string               `json:"run_id"`
	Stage       Stage                `json:"stage,omitempty"`
	Kind        Kind                 `json:"kind,omitempty"`
	Parsed      int                  `json:"parsed"`
	Valid       int                  `json:"valid"`
	Invalid     int                  `json:"invalid"`
	Delivered   int                  `json:"delivered"`
	ReferenceID string               `json:"reference_id,omitempty"`
	Violations  []validate.Violation `json:"violations,omitempty"`
}

// Summary condenses the result. Violations are listed for partial
// successes and validation failures only.
func (r *Result) Summary() Summary {
	s := Summary{
		RunID:     r.RunID,
		Parsed:    r.Parsed,
		Valid:     r.Valid,
		Invalid:   r.Invalid,
		Delivered: r.Delivered,
	}
	if r.Receipt != nil {
		s.ReferenceID = r.Receipt.ReferenceID
	}

	if r.Failure != nil {
		s.Status = StatusFailed
		s.Message = r.Failure.Message
		s.Stage = r.Failure.Stage
		s.Kind = r.Failure.Kind
		if r.Failure.Kind == KindValidationFailure {
			s.Violations = r.Violations
		}
		return s
	}

	verb := "delivered"
	done := r.Delivered
	if r.DryRun {
		verb = "would deliver"
		done = r.Valid
	}
	if r.Invalid > 0 {
		s.Status = StatusPartialSuccess
		s.Message = fmt.Sprintf("%s %d of %d records; %d invalid", verb, done, r.Parsed, r.Invalid)
		s.Violations = r.Violations
		return s
	}
	s.Status = StatusSuccess
	s.Message = fmt.Sprintf("%s %d records", verb, done)
	if r.Receipt != nil && r.Receipt.Replayed {
		s.Message += " (already delivered)"
	}
	return s
}
