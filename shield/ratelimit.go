package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/intake/kit"
)

// RateLimitConfig is a fixed-window quota: at most MaxRequests per key
// within Window, the window starting at the key's first request.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// Validate rejects quotas that would block or allow everything by accident.
func (c RateLimitConfig) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("shield: max_requests must be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("shield: window must be positive, got %s", c.Window)
	}
	return nil
}

// LimiterOption customises a limiter.
type LimiterOption func(*limiterOpts)

type limiterOpts struct {
	now     func() time.Time
	proxies TrustedProxies
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(o *limiterOpts) { o.now = now }
}

// WithTrustedProxies lets Middleware key anonymous requests by the
// forwarded client address when they arrive through one of tp.
func WithTrustedProxies(tp TrustedProxies) LimiterOption {
	return func(o *limiterOpts) { o.proxies = tp }
}

func buildOpts(opts []LimiterOption) limiterOpts {
	o := limiterOpts{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is the in-memory limiter. Check-and-increment happens under
// one mutex, so concurrent uploads from the same client never exceed the
// quota. Denied attempts still count toward the window.
type RateLimiter struct {
	cfg     RateLimitConfig
	now     func() time.Time
	proxies TrustedProxies

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates an in-memory limiter. Call StartGC to drop expired
// buckets in long-running processes.
func NewRateLimiter(cfg RateLimitConfig, opts ...LimiterOption) *RateLimiter {
	o := buildOpts(opts)
	return &RateLimiter{
		cfg:     cfg,
		now:     o.now,
		proxies: o.proxies,
		buckets: make(map[string]*bucket),
	}
}

// TryAcquire consumes one unit of key's quota and reports whether the call
// is within it. The error is always nil; it exists for parity with
// SQLiteLimiter.
func (rl *RateLimiter) TryAcquire(_ context.Context, key string) (bool, error) {
	ok, _ := rl.allow(key)
	return ok, nil
}

// allow returns the verdict and the time the key's window ends.
func (rl *RateLimiter) allow(key string) (bool, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, found := rl.buckets[key]
	if !found || !now.Before(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(rl.cfg.Window)}
		rl.buckets[key] = b
		return true, b.resetAt
	}
	b.count++
	return b.count <= rl.cfg.MaxRequests, b.resetAt
}

// StartGC removes expired buckets once per window until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(rl.cfg.Window)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// Middleware limits requests per authenticated client (kit.GetClientID) or,
// for anonymous requests, per client IP as resolved by the limiter's
// trusted proxies. Refusals are 429 JSON responses with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := kit.GetClientID(r.Context())
		if key == "" {
			key = "ip:" + rl.proxies.ClientIP(r)
		}

		ok, resetAt := rl.allow(key)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "key", key)
		retry := int(math.Ceil(resetAt.Sub(rl.now()).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// ExtractIP returns the peer address of r. X-Forwarded-For is ignored: any
// client can set it. Use TrustedProxies.ClientIP behind a reverse proxy.
func ExtractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustedProxies lists the networks whose X-Forwarded-For header is believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses CIDR prefixes or bare addresses.
func ParseTrustedProxies(specs []string) (TrustedProxies, error) {
	tp := make(TrustedProxies, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if strings.Contains(spec, "/") {
			p, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, fmt.Errorf("shield: trusted proxy %q: %w", spec, err)
			}
			tp = append(tp, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, fmt.Errorf("shield: trusted proxy %q: %w", spec, err)
		}
		a = a.Unmap()
		tp = append(tp, netip.PrefixFrom(a, a.BitLen()))
	}
	return tp, nil
}

func (tp TrustedProxies) trusts(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range tp {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is a trusted proxy. In
// that case X-Forwarded-For is walked from the right and the first hop that
// is not itself a trusted proxy is the client. Malformed hops stop the walk
// and the peer address is returned.
func (tp TrustedProxies) ClientIP(r *http.Request) string {
	peer := ExtractIP(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !tp.trusts(addr) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		a, err := netip.ParseAddr(hop)
		if err != nil {
			return peer
		}
		client = a.Unmap().String()
		if !tp.trusts(a) {
			return client
		}
	}
	return client
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Debug("shield: write error response", "error", err)
	}
}
