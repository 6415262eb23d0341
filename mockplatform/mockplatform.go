// Package mockplatform is an in-process stand-in for the downstream platform
// API. It is used by tests and by intaked in dev mode.
//
// It checks the x-api-key header, optionally verifies X-Signature-256,
// deduplicates submissions by Idempotency-Key and issues reference ids.
// FailNext makes the next n requests answer with a chosen status, which is
// how delivery retry paths are exercised end to end.
package mockplatform

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/horosafe"
	"github.com/hazyhaar/intake/idgen"
)

// Submission is one accepted batch.
type Submission struct {
	ReferenceID    string            `json:"reference_id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Records        []json.RawMessage `json:"records"`
}

// Option configures a Server.
type Option func(*Server)

// WithSigningSecret requires a valid X-Signature-256 on every request.
func WithSigningSecret(secret []byte) Option { return func(s *Server) { s.secret = secret } }

// WithIDGenerator sets the reference id generator. Default: "ref_" + NanoID(12).
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Server) { s.newID = gen } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server implements the platform submit endpoint.
type Server struct {
	apiKey string
	secret []byte
	newID  idgen.Generator
	logger *slog.Logger

	failCount  atomic.Int64
	failStatus atomic.Int64
	requests   atomic.Int64

	mu          sync.Mutex
	submissions []Submission
	byKey       map[string]int // idempotency key -> index in submissions
}

// New creates a server accepting apiKey. An empty apiKey disables the check.
func New(apiKey string, opts ...Option) *Server {
	s := &Server{
		apiKey: apiKey,
		newID:  idgen.Prefixed("ref_", idgen.NanoID(12)),
		logger: slog.Default(),
		byKey:  make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailNext makes the next n requests answer with status before any other
// check runs.
func (s *Server) FailNext(n int, status int) {
	s.failStatus.Store(int64(status))
	s.failCount.Store(int64(n))
}

// Requests returns the number of requests received, including failed ones.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// Submissions returns a copy of the accepted batches in arrival order.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// RecordCount returns the total number of records accepted.
func (s *Server) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.submissions {
		n += len(sub.Records)
	}
	return n
}

type response struct {
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id,omitempty"`
	Received    int    `json:"received,omitempty"`
	Replayed    bool   `json:"replayed,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if s.failCount.Load() > 0 && s.failCount.Add(-1) >= 0 {
		writeJSON(w, int(s.failStatus.Load()), response{Status: "error", Error: "injected failure"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Error: "method not allowed"})
		return
	}
	if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("x-api-key")), []byte(s.apiKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, response{Status: "error", Error: "invalid api key"})
		return
	}

	body, err := horosafe.LimitedReadAll(r.Body, 32<<20)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "error", Error: "payload too large"})
		return
	}
	if s.secret != nil && !delivery.VerifySignature(s.secret, body, r.Header.Get("X-Signature-256")) {
		writeJSON(w, http.StatusUnauthorized, response{Status: "error", Error: "invalid signature"})
		return
	}

	var req struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Data == nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "body must be {\"data\": [...]}"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	s.mu.Lock()
	if i, ok := s.byKey[key]; ok && key != "" {
		sub := s.submissions[i]
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, response{Status: "accepted", ReferenceID: sub.ReferenceID, Received: len(sub.Records), Replayed: true})
		return
	}
	sub := Submission{ReferenceID: s.newID(), IdempotencyKey: key, Records: req.Data}
	s.submissions = append(s.submissions, sub)
	if key != "" {
		s.byKey[key] = len(s.submissions) - 1
	}
	s.mu.Unlock()

	s.logger.Info("mockplatform: accepted", "reference_id", sub.ReferenceID, "records", len(sub.Records), "key", key)
	writeJSON(w, http.StatusOK, response{Status: "accepted", ReferenceID: sub.ReferenceID, Received: len(sub.Records)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
