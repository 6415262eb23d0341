package shield

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/intake/dbopen"
	"github.com/hazyhaar/intake/kit"
)

// fakeClock is a manually advanced clock shared by limiter tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// acquirer is satisfied by both limiters.
type acquirer interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
}

var limiterKinds = []string{"memory", "sqlite"}

func newLimiter(t *testing.T, kind string, cfg RateLimitConfig, clock *fakeClock) acquirer {
	t.Helper()
	if kind == "memory" {
		return NewRateLimiter(cfg, WithClock(clock.Now))
	}
	sl, err := NewSQLiteLimiter(dbopen.OpenMemory(t), cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewSQLiteLimiter: %v", err)
	}
	return sl
}

func TestLimiter_QuotaAndReset(t *testing.T) {
	cfg := RateLimitConfig{MaxRequests: 3, Window: time.Minute}
	for _, kind := range limiterKinds {
		t.Run(kind, func(t *testing.T) {
			clock := newFakeClock()
			l := newLimiter(t, kind, cfg, clock)
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				if ok, err := l.TryAcquire(ctx, "client-a"); err != nil || !ok {
					t.Fatalf("request %d denied (err=%v)", i, err)
				}
			}
			if ok, _ := l.TryAcquire(ctx, "client-a"); ok {
				t.Fatal("request 4 should be denied")
			}
			if ok, _ := l.TryAcquire(ctx, "client-b"); !ok {
				t.Fatal("other client should have its own quota")
			}

			clock.Advance(59 * time.Second)
			if ok, _ := l.TryAcquire(ctx, "client-a"); ok {
				t.Fatal("window has not ended yet")
			}
			clock.Advance(time.Second)
			if ok, _ := l.TryAcquire(ctx, "client-a"); !ok {
				t.Fatal("quota should reset after the window")
			}
		})
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	cfg := RateLimitConfig{MaxRequests: 10, Window: time.Hour}
	for _, kind := range limiterKinds {
		t.Run(kind, func(t *testing.T) {
			l := newLimiter(t, kind, cfg, newFakeClock())
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.TryAcquire(context.Background(), "burst")
					if err != nil {
						t.Error(err)
						return
					}
					if ok {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := allowed.Load(); got != 10 {
				t.Fatalf("allowed = %d, want exactly 10", got)
			}
		})
	}
}

func TestRateLimiter_GC(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 1, Window: time.Minute}, WithClock(clock.Now))
	rl.TryAcquire(context.Background(), "a")
	rl.TryAcquire(context.Background(), "b")
	clock.Advance(2 * time.Minute)
	if n := rl.gc(); n != 2 {
		t.Fatalf("gc removed %d, want 2", n)
	}
}

func TestSQLiteLimiter_Purge(t *testing.T) {
	clock := newFakeClock()
	l, err := NewSQLiteLimiter(dbopen.OpenMemory(t), RateLimitConfig{MaxRequests: 1, Window: time.Minute}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	l.TryAcquire(ctx, "a")
	clock.Advance(30 * time.Second)
	l.TryAcquire(ctx, "b")
	clock.Advance(40 * time.Second)

	n, err := l.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	if err := (RateLimitConfig{MaxRequests: 0, Window: time.Minute}).Validate(); err == nil {
		t.Error("expected error for zero quota")
	}
	if err := (RateLimitConfig{MaxRequests: 1}).Validate(); err == nil {
		t.Error("expected error for zero window")
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_Middleware(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 1, Window: time.Minute}, WithClock(clock.Now))
	h := rl.Middleware(okHandler())

	send := func(clientID, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", nil)
		req.RemoteAddr = ip + ":5000"
		if clientID != "" {
			req = req.WithContext(kit.WithClientID(req.Context(), clientID))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := send("acme", "10.0.0.1"); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := send("acme", "10.0.0.2")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same client: %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if !strings.Contains(w.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %q", w.Body.String())
	}
	if w := send("", "10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("anonymous request keyed by IP should pass: %d", w.Code)
	}
}

func TestExtractIP_IgnoresForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := ExtractIP(req); got != "192.0.2.7" {
		t.Errorf("RemoteAddr: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ExtractIP(req); got != "192.0.2.7" {
		t.Errorf("spoofed X-Forwarded-For was trusted: got %q", got)
	}
}

func TestTrustedProxies_ClientIP(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8", "2001:db8::1"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		proxies TrustedProxies
		remote  string
		xff     string
		want    string
	}{
		{"no proxies configured", nil, "192.0.2.7:1234", "203.0.113.9", "192.0.2.7"},
		{"untrusted peer", tp, "192.0.2.7:1234", "203.0.113.9", "192.0.2.7"},
		{"trusted peer", tp, "10.0.0.5:1234", "203.0.113.9", "203.0.113.9"},
		{"trusted ipv6 peer", tp, "[2001:db8::1]:443", "203.0.113.9", "203.0.113.9"},
		{"rightmost untrusted hop", tp, "10.0.0.5:1234", "198.51.100.1, 203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"all hops trusted", tp, "10.0.0.5:1234", "10.1.1.1, 10.0.0.2", "10.1.1.1"},
		{"malformed hop", tp, "10.0.0.5:1234", "203.0.113.9, not-an-ip", "10.0.0.5"},
		{"trusted peer without header", tp, "10.0.0.5:1234", "", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := tt.proxies.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTrustedProxies_Errors(t *testing.T) {
	for _, spec := range []string{"not-an-ip", "10.0.0.0/33", ""} {
		if _, err := ParseTrustedProxies([]string{spec}); err == nil {
			t.Errorf("ParseTrustedProxies(%q): expected error", spec)
		}
	}
}

func TestRateLimiter_Middleware_ForwardedFor(t *testing.T) {
	send := func(h http.Handler, remote, xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	cfg := RateLimitConfig{MaxRequests: 1, Window: time.Minute}

	direct := NewRateLimiter(cfg).Middleware(okHandler())
	if code := send(direct, "192.0.2.7:1000", "203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send(direct, "192.0.2.7:1001", "203.0.113.2"); code != http.StatusTooManyRequests {
		t.Errorf("rotating X-Forwarded-For must not reset the quota: %d", code)
	}

	tp, err := ParseTrustedProxies([]string{"10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	proxied := NewRateLimiter(cfg, WithTrustedProxies(tp)).Middleware(okHandler())
	if code := send(proxied, "10.0.0.1:1000", "203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first proxied client: %d", code)
	}
	if code := send(proxied, "10.0.0.1:1001", "203.0.113.2"); code != http.StatusOK {
		t.Errorf("second proxied client shares the proxy quota: %d", code)
	}
	if code := send(proxied, "10.0.0.1:1002", "203.0.113.1"); code != http.StatusTooManyRequests {
		t.Errorf("repeat proxied client: %d, want 429", code)
	}
}

func TestDefaultAPIStack(t *testing.T) {
	var traceInCtx string
	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceInCtx = kit.GetTraceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	stack := DefaultAPIStack(1024)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	req := httptest.NewRequest(http.MethodHead, "/v1/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	checks := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
	}
	for header, want := range checks {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
	traceID := w.Header().Get("X-Trace-ID")
	if len(traceID) != 8 || traceID != traceInCtx {
		t.Errorf("X-Trace-ID = %q, context = %q", traceID, traceInCtx)
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(strings.Repeat("x", 64)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("small"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
}

func TestGetLogger_Default(t *testing.T) {
	if GetLogger(context.Background()) == nil {
		t.Fatal("GetLogger returned nil")
	}
}
