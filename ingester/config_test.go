package ingester

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/intake/archive"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MockPlatform.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with mock platform should be valid: %v", err)
	}
	if cfg.MaxFileBytes() != 10*1024*1024 {
		t.Errorf("MaxFileBytes = %d", cfg.MaxFileBytes())
	}
	if cfg.Delimiter() != ',' {
		t.Errorf("Delimiter = %q", cfg.Delimiter())
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
listen: ":9090"
jwt_secret: "0123456789abcdef0123456789abcdef"
max_file_mb: 5
csv_delimiter: ";"
policy: reject
rate_limit:
  max_requests: 10
  window_seconds: 30
  backend: sqlite
  db_path: /tmp/limits.db
  ip_max_requests: 40
  trusted_proxies: ["10.0.0.0/8", "127.0.0.1"]
platform:
  endpoint: "https://platform.example.com/submit"
  api_key: "k"
  timeout: 3s
  max_attempts: 5
  backoff_base: 250ms
  backoff_max: 10s
  receipts_db: /tmp/receipts.db
archive:
  policy: failed
  dir: /tmp/archive
  compression: lz4
`
	path := filepath.Join(t.TempDir(), "intake.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" || cfg.MaxFileMB != 5 || cfg.Delimiter() != ';' || cfg.Policy != PolicyReject {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.RateLimit.Limits().Window != 30*time.Second || cfg.RateLimit.Backend != "sqlite" {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if ip := cfg.RateLimit.IPLimits(); ip.MaxRequests != 40 || ip.Window != 30*time.Second || len(cfg.RateLimit.TrustedProxies) != 2 {
		t.Errorf("ip quota = %+v, proxies %v", ip, cfg.RateLimit.TrustedProxies)
	}
	p := cfg.Platform
	if p.Endpoint != "https://platform.example.com/submit" || p.Timeout != 3*time.Second ||
		p.MaxAttempts != 5 || p.BackoffBase != 250*time.Millisecond || p.ReceiptsDB != "/tmp/receipts.db" {
		t.Errorf("platform = %+v", p)
	}
	if cfg.Archive.Policy != archive.PolicyFailed || cfg.Archive.Compression != archive.CompressionLZ4 {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if cfg.Observability.RetentionDays != 30 {
		t.Errorf("defaults lost: %+v", cfg.Observability)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no endpoint", func(c *Config) { c.MockPlatform.Enabled = false }, "platform.endpoint"},
		{"size", func(c *Config) { c.MaxFileMB = 0 }, "max_file_mb"},
		{"delimiter", func(c *Config) { c.CSVDelimiter = ";;" }, "csv_delimiter"},
		{"policy", func(c *Config) { c.Policy = "maybe" }, "policy"},
		{"short jwt", func(c *Config) { c.JWTSecret = "short" }, "jwt_secret"},
		{"rate window", func(c *Config) { c.RateLimit.WindowSeconds = 0 }, "rate_limit"},
		{"rate backend", func(c *Config) { c.RateLimit.Backend = "redis" }, "unsupported backend"},
		{"sqlite without path", func(c *Config) { c.RateLimit.Backend = "sqlite" }, "db_path"},
		{"ip quota", func(c *Config) { c.RateLimit.IPMaxRequests = -1 }, "ip_max_requests"},
		{"trusted proxy", func(c *Config) { c.RateLimit.TrustedProxies = []string{"proxy.local"} }, "trusted proxy"},
		{"short signing secret", func(c *Config) { c.Platform.Endpoint = "http://x"; c.Platform.SigningSecret = "s" }, "signing_secret"},
		{"archive policy", func(c *Config) { c.Archive.Policy = "sometimes" }, "archive"},
		{"archive compression", func(c *Config) { c.Archive.Compression = "brotli" }, "compression"},
		{"archive dir", func(c *Config) { c.Archive.Policy = archive.PolicyAlways; c.Archive.Dir = "" }, "archive.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MockPlatform.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
