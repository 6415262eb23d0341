package ingester

import (
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/intake/archive"
	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/horosafe"
	"github.com/hazyhaar/intake/shield"
)

// Config holds the full intake configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	JWTSecret     string              `yaml:"jwt_secret"`
	MaxFileMB     int                 `yaml:"max_file_mb"`
	CSVDelimiter  string              `yaml:"csv_delimiter"`
	Policy        Policy              `yaml:"policy"`
	RulesPath     string              `yaml:"rules_path"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Platform      PlatformConfig      `yaml:"platform"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
	MockPlatform  MockPlatformConfig  `yaml:"mock_platform"`
}

// RateLimitConfig configures the per-client upload quota and the per-IP
// quota applied to upload requests before authentication.
type RateLimitConfig struct {
	MaxRequests   int    `yaml:"max_requests"`
	WindowSeconds int    `yaml:"window_seconds"`
	Backend       string `yaml:"backend"` // memory | sqlite
	DBPath        string `yaml:"db_path"`

	IPMaxRequests  int      `yaml:"ip_max_requests"` // 0 disables the per-IP quota
	TrustedProxies []string `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
}

// Limits returns the quota in shield form.
func (c RateLimitConfig) Limits() shield.RateLimitConfig {
	return shield.RateLimitConfig{
		MaxRequests: c.MaxRequests,
		Window:      time.Duration(c.WindowSeconds) * time.Second,
	}
}

// IPLimits returns the per-IP quota, which shares the client window.
func (c RateLimitConfig) IPLimits() shield.RateLimitConfig {
	return shield.RateLimitConfig{
		MaxRequests: c.IPMaxRequests,
		Window:      time.Duration(c.WindowSeconds) * time.Second,
	}
}

// PlatformConfig is the downstream endpoint plus where receipts live.
type PlatformConfig struct {
	delivery.Config `yaml:",inline"`
	ReceiptsDB      string `yaml:"receipts_db"` // empty keeps receipts in memory
}

// ArchiveConfig configures artifact archival.
type ArchiveConfig struct {
	Policy      archive.Policy      `yaml:"policy"`
	Dir         string              `yaml:"dir"`
	Compression archive.Compression `yaml:"compression"`
}

// ObservabilityConfig points at the metrics, events and audit database.
type ObservabilityConfig struct {
	DBPath        string `yaml:"db_path"` // empty disables metrics, events and audit
	RetentionDays int    `yaml:"retention_days"`
}

// MockPlatformConfig enables the in-process platform stand-in.
type MockPlatformConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		MaxFileMB:    10,
		CSVDelimiter: ",",
		Policy:       PolicyProceed,
		RateLimit: RateLimitConfig{
			MaxRequests:   60,
			WindowSeconds: 60,
			Backend:       "memory",
			IPMaxRequests: 300,
		},
		Platform: PlatformConfig{
			Config: delivery.Config{
				Timeout:     10 * time.Second,
				MaxAttempts: 4,
				BackoffBase: 500 * time.Millisecond,
				BackoffMax:  30 * time.Second,
			},
		},
		Archive: ArchiveConfig{
			Policy:      archive.PolicyNever,
			Dir:         "archive",
			Compression: archive.CompressionZstd,
		},
		Observability: ObservabilityConfig{RetentionDays: 30},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.MaxFileMB <= 0 {
		return fmt.Errorf("max_file_mb must be > 0")
	}
	if utf8.RuneCountInString(c.CSVDelimiter) != 1 {
		return fmt.Errorf("csv_delimiter must be a single character, got %q", c.CSVDelimiter)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.JWTSecret != "" {
		if err := horosafe.ValidateSecret([]byte(c.JWTSecret)); err != nil {
			return fmt.Errorf("jwt_secret: %w", err)
		}
	}
	if err := c.RateLimit.Limits().Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	switch c.RateLimit.Backend {
	case "memory", "":
	case "sqlite":
		if c.RateLimit.DBPath == "" {
			return fmt.Errorf("rate_limit: db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("rate_limit: unsupported backend %q (use memory or sqlite)", c.RateLimit.Backend)
	}
	if c.RateLimit.IPMaxRequests < 0 {
		return fmt.Errorf("rate_limit: ip_max_requests must be >= 0")
	}
	if _, err := shield.ParseTrustedProxies(c.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if c.Platform.Endpoint == "" && !c.MockPlatform.Enabled {
		return fmt.Errorf("platform.endpoint is required unless mock_platform is enabled")
	}
	if c.Platform.Endpoint != "" {
		if err := c.Platform.Config.Validate(); err != nil {
			return fmt.Errorf("platform: %w", err)
		}
	}
	if c.Platform.MaxAttempts <= 0 {
		return fmt.Errorf("platform.max_attempts must be > 0")
	}
	if _, err := archive.ParsePolicy(string(c.Archive.Policy)); err != nil {
		return err
	}
	if _, err := archive.ParseCompression(string(c.Archive.Compression)); err != nil {
		return err
	}
	if c.Archive.Policy != archive.PolicyNever && c.Archive.Policy != "" && c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir is required when archive.policy is %q", c.Archive.Policy)
	}
	return nil
}

// MaxFileBytes returns max file size in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.MaxFileMB) * 1024 * 1024 }

// Delimiter returns the CSV delimiter as a rune.
func (c *Config) Delimiter() rune {
	r, _ := utf8.DecodeRuneInString(c.CSVDelimiter)
	return r
}
