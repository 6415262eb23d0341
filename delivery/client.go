// Package delivery sends canonical records to the downstream platform.
//
// One Deliver call is one logical submission identified by an idempotency
// key. Transient failures (network errors, timeouts, 408, 429, 5xx) are
// retried with capped exponential backoff; other 4xx answers are final.
// Delivered receipts are kept in a ReceiptStore so a repeated key returns
// the first receipt without calling the platform again.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/intake/horosafe"
	"github.com/hazyhaar/intake/transform"
)

var (
	// ErrRejected is returned when the platform refuses the batch.
	ErrRejected = errors.New("delivery: rejected by platform")

	// ErrRetryExhausted is returned when every attempt failed transiently.
	ErrRetryExhausted = errors.New("delivery: retries exhausted")
)

// maxStoredResponse bounds the response excerpt kept on a receipt.
const maxStoredResponse = 4 << 10

// Config describes the downstream endpoint.
type Config struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	SigningSecret string        `yaml:"signing_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Validate checks the endpoint settings.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("delivery: endpoint is required")
	}
	if c.SigningSecret != "" {
		if err := horosafe.ValidateSecret([]byte(c.SigningSecret)); err != nil {
			return fmt.Errorf("delivery: signing_secret: %w", err)
		}
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithReceipts sets the receipt store. Default: MemoryReceipts.
func WithReceipts(s ReceiptStore) Option { return func(c *Client) { c.receipts = s } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// Client delivers batches. It is safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	receipts ReceiptStore
	logger   *slog.Logger
	locks    keyLocks
}

// NewClient creates a client. Zero durations and attempts take defaults.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		receipts: NewMemoryReceipts(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// payload is the request body expected by the platform.
type payload struct {
	Data []transform.CanonicalRecord `json:"data"`
}

// Deliver submits records under key. The returned receipt is non-nil
// whenever the platform was consulted or a stored receipt exists; the error
// wraps ErrRejected or ErrRetryExhausted for unsuccessful outcomes.
func (c *Client) Deliver(ctx context.Context, records []transform.CanonicalRecord, key string) (*Receipt, error) {
	if key == "" {
		return nil, fmt.Errorf("delivery: idempotency key is required")
	}

	unlock := c.locks.lock(key)
	defer unlock()

	stored, err := c.receipts.Get(ctx, key)
	if err != nil {
		c.logger.Warn("delivery: receipt lookup failed", "key", key, "error", err)
	}
	if stored != nil && stored.Status == StatusDelivered {
		stored.Replayed = true
		c.logger.Info("delivery: replayed stored receipt", "key", key, "reference_id", stored.ReferenceID)
		return stored, nil
	}

	body, err := json.Marshal(payload{Data: records})
	if err != nil {
		return nil, fmt.Errorf("delivery: encode payload: %w", err)
	}

	rec := &Receipt{IdempotencyKey: key, Records: len(records)}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		res, err := c.attempt(ctx, body, key)
		if err != nil {
			lastErr = err
			c.logger.Warn("delivery: attempt failed", "key", key, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				break
			}
		} else {
			rec.StatusCode = res.code
			rec.Response = res.excerpt
			switch {
			case res.code >= 200 && res.code < 300:
				rec.Status = StatusDelivered
				rec.ReferenceID = res.referenceID
				rec.CompletedAt = time.Now().UTC()
				if err := c.receipts.Put(ctx, rec); err != nil {
					c.logger.Error("delivery: store receipt", "key", key, "error", err)
				}
				c.logger.Info("delivery: delivered", "key", key, "attempts", attempt,
					"records", rec.Records, "reference_id", rec.ReferenceID)
				return rec, nil
			case !transientStatus(res.code):
				rec.Status = StatusRejected
				rec.Error = fmt.Sprintf("http %d", res.code)
				rec.CompletedAt = time.Now().UTC()
				return rec, fmt.Errorf("%w: http %d", ErrRejected, res.code)
			}
			lastErr = fmt.Errorf("http %d", res.code)
			c.logger.Warn("delivery: transient status", "key", key, "attempt", attempt, "status", res.code)
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		wait := c.backoff(attempt)
		if res != nil && res.retryAfter > 0 && res.retryAfter <= c.cfg.BackoffMax {
			wait = res.retryAfter
		}
		if err := sleepCtx(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	rec.Status = StatusTransientFailure
	rec.Error = lastErr.Error()
	rec.CompletedAt = time.Now().UTC()
	return rec, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, rec.Attempts, lastErr)
}

type attemptResult struct {
	code        int
	referenceID string
	excerpt     string
	retryAfter  time.Duration
}

// attempt performs one POST under the per-call timeout.
func (c *Client) attempt(ctx context.Context, body []byte, key string) (*attemptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	if c.cfg.SigningSecret != "" {
		req.Header.Set("X-Signature-256", Sign([]byte(c.cfg.SigningSecret), body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil && !errors.Is(err, horosafe.ErrTooLarge) {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &attemptResult{code: resp.StatusCode}
	if len(data) > maxStoredResponse {
		res.excerpt = string(data[:maxStoredResponse])
	} else {
		res.excerpt = string(data)
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		res.retryAfter = time.Duration(secs) * time.Second
	}
	var ref struct {
		ReferenceID string `json:"reference_id"`
		ID          string `json:"id"`
	}
	if json.Unmarshal(data, &ref) == nil {
		res.referenceID = ref.ReferenceID
		if res.referenceID == "" {
			res.referenceID = ref.ID
		}
	}
	return res, nil
}

// backoff returns base*2^(attempt-1), capped at BackoffMax.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	return min(d, c.cfg.BackoffMax)
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Sign returns the X-Signature-256 header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Signature-256 header value in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// keyLocks serializes deliveries that share an idempotency key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLock)
	}
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
