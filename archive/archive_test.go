package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/intake/idgen"
)

func newStore(t *testing.T, c Compression) *Store {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := New(t.TempDir(), c, WithIDGenerator(idgen.Sequence("e")), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGet(t *testing.T) {
	payload := []byte(strings.Repeat("name,email\nAnn,ann@example.com\n", 200))
	tests := []struct {
		compression Compression
		data        []byte
		want        Compression
	}{
		{CompressionNone, payload, CompressionNone},
		{CompressionZstd, payload, CompressionZstd},
		{CompressionLZ4, payload, CompressionLZ4},
		{CompressionLZ4, []byte("x"), CompressionNone},
		{CompressionZstd, nil, CompressionZstd},
	}
	for _, tt := range tests {
		t.Run(string(tt.compression), func(t *testing.T) {
			s := newStore(t, tt.compression)
			name, err := s.Put(context.Background(), Entry{
				Name:           "data.csv",
				ContentType:    "text/csv",
				ClientID:       "acme",
				IdempotencyKey: "k1",
				Format:         "csv",
				State:          "failed",
				Payload:        tt.data,
			})
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if name != "e-1.cbor" {
				t.Errorf("name = %q", name)
			}
			got, err := s.Get(name)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got.Payload, tt.data) {
				t.Errorf("payload mismatch: %d bytes, want %d", len(got.Payload), len(tt.data))
			}
			if got.Compression != tt.want {
				t.Errorf("compression = %s, want %s", got.Compression, tt.want)
			}
			if got.ClientID != "acme" || got.State != "failed" || got.Name != "data.csv" {
				t.Errorf("envelope = %+v", got)
			}
			if !got.ArchivedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
				t.Errorf("archived_at = %v", got.ArchivedAt)
			}
		})
	}
}

func TestCompressionShrinksText(t *testing.T) {
	payload := []byte(strings.Repeat("name,email\nAnn,ann@example.com\n", 500))
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		s := newStore(t, c)
		name, err := s.Put(context.Background(), Entry{Payload: payload})
		if err != nil {
			t.Fatal(err)
		}
		info, err := os.Stat(filepath.Join(s.Dir(), name))
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() >= int64(len(payload)) {
			t.Errorf("%s: file is %d bytes for %d byte payload", c, info.Size(), len(payload))
		}
	}
}

func TestGet_RejectsBadNames(t *testing.T) {
	s := newStore(t, CompressionNone)
	for _, name := range []string{"../etc/passwd.cbor", "sub/x.cbor", "x.txt", ""} {
		if _, err := s.Get(name); err == nil {
			t.Errorf("Get(%q): expected error", name)
		}
	}
}

func TestList_Order(t *testing.T) {
	s, err := New(t.TempDir(), CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	var want []string
	for i := 0; i < 3; i++ {
		name, err := s.Put(context.Background(), Entry{Payload: []byte{byte(i)}})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, name)
		time.Sleep(2 * time.Millisecond)
	}
	got, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List = %v, want %v", got, want)
	}
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		in     string
		failed bool
		want   bool
	}{
		{"", true, false},
		{"never", true, false},
		{"failed", true, true},
		{"failed", false, false},
		{"always", false, true},
	}
	for _, tt := range tests {
		p, err := ParsePolicy(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := p.Applies(tt.failed); got != tt.want {
			t.Errorf("%q.Applies(%v) = %v, want %v", tt.in, tt.failed, got, tt.want)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := New(t.TempDir(), "brotli"); err == nil {
		t.Error("expected error for unknown compression")
	}
}

func TestPut_Cancelled(t *testing.T) {
	s := newStore(t, CompressionNone)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Put(ctx, Entry{Payload: []byte("x")}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
