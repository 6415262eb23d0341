package mockplatform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/idgen"
	"github.com/hazyhaar/intake/transform"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func setup(t *testing.T, opts ...Option) (*Server, *delivery.Client) {
	t.Helper()
	mock := New("k-test", append([]Option{WithIDGenerator(idgen.Sequence("ref"))}, opts...)...)
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	c, err := delivery.NewClient(delivery.Config{
		Endpoint:      srv.URL,
		APIKey:        "k-test",
		SigningSecret: string(secret),
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    2 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return mock, c
}

var records = []transform.CanonicalRecord{{Name: "Ann", Email: "a@b.co"}, {Name: "Bob", Email: "b@b.co"}}

func TestServer_Accepts(t *testing.T) {
	mock, c := setup(t, WithSigningSecret(secret))
	rec, err := c.Deliver(context.Background(), records, "key-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if rec.ReferenceID != "ref-1" {
		t.Errorf("reference = %q", rec.ReferenceID)
	}
	if mock.RecordCount() != 2 {
		t.Errorf("records = %d", mock.RecordCount())
	}
}

func TestServer_IdempotentByKey(t *testing.T) {
	mock, _ := setup(t)
	srv := httptest.NewServer(mock)
	defer srv.Close()

	post := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"data":[{"name":"Ann"}]}`))
		req.Header.Set("x-api-key", "k-test")
		req.Header.Set("Idempotency-Key", "dup")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}
	post()
	post()
	if got := len(mock.Submissions()); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if mock.Requests() != 2 {
		t.Errorf("requests = %d, want 2", mock.Requests())
	}
}

func TestServer_Rejections(t *testing.T) {
	mock := New("k-test", WithSigningSecret(secret))
	srv := httptest.NewServer(mock)
	defer srv.Close()

	body := `{"data":[]}`
	tests := []struct {
		name   string
		method string
		key    string
		sig    string
		body   string
		want   int
	}{
		{"wrong key", http.MethodPost, "nope", delivery.Sign(secret, []byte(body)), body, http.StatusUnauthorized},
		{"bad signature", http.MethodPost, "k-test", "sha256=00", body, http.StatusUnauthorized},
		{"no data", http.MethodPost, "k-test", delivery.Sign(secret, []byte(`{}`)), `{}`, http.StatusBadRequest},
		{"get", http.MethodGet, "k-test", "", "", http.StatusMethodNotAllowed},
		{"ok", http.MethodPost, "k-test", delivery.Sign(secret, []byte(body)), body, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL, strings.NewReader(tt.body))
			req.Header.Set("x-api-key", tt.key)
			req.Header.Set("X-Signature-256", tt.sig)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServer_FailureInjection(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		status   int
		wantErr  error
		requests int
	}{
		{"recovers after transient", 2, http.StatusServiceUnavailable, nil, 3},
		{"exhausts", 5, http.StatusBadGateway, delivery.ErrRetryExhausted, 3},
		{"rejects", 1, http.StatusUnprocessableEntity, delivery.ErrRejected, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, c := setup(t)
			mock.FailNext(tt.n, tt.status)
			_, err := c.Deliver(context.Background(), records, "k")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if mock.Requests() != tt.requests {
				t.Errorf("requests = %d, want %d", mock.Requests(), tt.requests)
			}
		})
	}
}
