// Command intaked is the intake daemon: it accepts document uploads from
// authenticated clients, extracts and validates their records and delivers
// them to the downstream platform.
//
//	intaked --config intake.yaml
//	intaked --config intake.yaml --listen :9090
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/intake/archive"
	"github.com/hazyhaar/intake/auth"
	"github.com/hazyhaar/intake/dbopen"
	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/idgen"
	"github.com/hazyhaar/intake/ingester"
	"github.com/hazyhaar/intake/mockplatform"
	"github.com/hazyhaar/intake/observability"
	"github.com/hazyhaar/intake/shield"
	"github.com/hazyhaar/intake/transform"
	"github.com/hazyhaar/intake/validate"
)

const mockPath = "/mock/platform/submit"

func main() {
	if err := run(); err != nil {
		slog.Error("intaked", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("intaked", pflag.ContinueOnError)
	cfgPath := flags.String("config", "intake.yaml", "path to the YAML config file")
	listen := flags.String("listen", "", "listen address, overrides the config file")
	logLevel := flags.String("log-level", "info", "debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := ingester.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required to serve uploads")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rules := validate.DefaultRuleset()
	if cfg.RulesPath != "" {
		if rules, err = validate.Load(cfg.RulesPath); err != nil {
			return err
		}
	}
	pipe := docpipe.New(docpipe.Config{CSVDelimiter: cfg.Delimiter(), Logger: logger})

	r := chi.NewRouter()

	// The mock platform is mounted outside the API stack: it receives
	// record payloads, not uploads, and has its own key check.
	if cfg.MockPlatform.Enabled {
		var mockOpts []mockplatform.Option
		if cfg.Platform.SigningSecret != "" {
			mockOpts = append(mockOpts, mockplatform.WithSigningSecret([]byte(cfg.Platform.SigningSecret)))
		}
		mock := mockplatform.New(cfg.MockPlatform.APIKey, append(mockOpts, mockplatform.WithLogger(logger))...)
		r.Handle(mockPath, mock)
		if cfg.Platform.Endpoint == "" {
			cfg.Platform.Endpoint = "http://" + loopback(cfg.Listen) + mockPath
		}
		if cfg.Platform.APIKey == "" {
			cfg.Platform.APIKey = cfg.MockPlatform.APIKey
		}
		logger.Info("mock platform enabled", "endpoint", cfg.Platform.Endpoint)
	}

	// --- Receipts ---
	var receipts delivery.ReceiptStore = delivery.NewMemoryReceipts()
	if cfg.Platform.ReceiptsDB != "" {
		db, err := dbopen.Open(cfg.Platform.ReceiptsDB, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("receipts db: %w", err)
		}
		defer db.Close()
		store, err := delivery.NewSQLiteReceipts(db)
		if err != nil {
			return err
		}
		receipts = store
	}
	client, err := delivery.NewClient(cfg.Platform.Config, delivery.WithReceipts(receipts), delivery.WithLogger(logger))
	if err != nil {
		return err
	}

	opts := []ingester.Option{
		ingester.WithLogger(logger),
		ingester.WithMaxBytes(cfg.MaxFileBytes()),
		ingester.WithPolicy(cfg.Policy),
		ingester.WithIDGenerator(idgen.Prefixed("run_", idgen.Default)),
	}

	// --- Rate limiter ---
	limiter, stopLimiter, err := openLimiter(ctx, cfg.RateLimit, logger)
	if err != nil {
		return err
	}
	defer stopLimiter()
	opts = append(opts, ingester.WithLimiter(limiter))

	// --- Archive ---
	if cfg.Archive.Policy != archive.PolicyNever && cfg.Archive.Policy != "" {
		store, err := archive.New(cfg.Archive.Dir, cfg.Archive.Compression)
		if err != nil {
			return err
		}
		opts = append(opts, ingester.WithArchive(store, cfg.Archive.Policy))
		logger.Info("archive enabled", "dir", store.Dir(), "policy", cfg.Archive.Policy, "compression", cfg.Archive.Compression)
	}

	// --- Observability ---
	var obsDB *sql.DB
	if cfg.Observability.DBPath != "" {
		obsDB, err = dbopen.Open(cfg.Observability.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("observability db: %w", err)
		}
		defer obsDB.Close()
		if err := observability.Init(obsDB); err != nil {
			return fmt.Errorf("observability schema: %w", err)
		}
		metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
		defer metrics.Close()
		events := observability.NewEventLogger(obsDB,
			observability.WithEventIDGenerator(idgen.Prefixed("evt_", idgen.Default)),
		)
		audit := observability.NewAuditLogger(obsDB, 1000,
			observability.WithAuditIDGenerator(idgen.Prefixed("audit_", idgen.Default)),
		)
		defer audit.Close()
		opts = append(opts, ingester.WithMetrics(metrics), ingester.WithEvents(events), ingester.WithAudit(audit))
		go retentionLoop(ctx, obsDB, cfg.Observability.RetentionDays, logger)
	}

	ing, err := ingester.New(pipe, rules, transform.DefaultDictionary(), client, opts...)
	if err != nil {
		return err
	}

	// --- Router ---
	ipLimiter, err := newIPLimiter(cfg.RateLimit)
	if err != nil {
		return err
	}
	if ipLimiter != nil {
		done := make(chan struct{})
		ipLimiter.StartGC(done)
		defer close(done)
	}
	mountAPI(r, cfg, ing, ipLimiter, obsDB)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("intaked listening", "addr", cfg.Listen, "policy", cfg.Policy, "max_file_mb", cfg.MaxFileMB)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// mountAPI serves health and uploads behind the shield stack. Uploads are
// rate limited per IP before the token is even looked at, then per client
// by the ingester.
func mountAPI(r chi.Router, cfg *ingester.Config, ing *ingester.Ingester, ipLimiter *shield.RateLimiter, obsDB *sql.DB) {
	r.Group(func(r chi.Router) {
		// Multipart framing adds a little to the file itself.
		for _, mw := range shield.DefaultAPIStack(cfg.MaxFileBytes() + 1<<20) {
			r.Use(mw)
		}
		r.Get("/v1/health", healthHandler(cfg, obsDB))

		r.Group(func(r chi.Router) {
			if ipLimiter != nil {
				r.Use(ipLimiter.Middleware)
			}
			r.Use(auth.Middleware([]byte(cfg.JWTSecret)))
			r.Use(auth.RequireClient)
			r.Method(http.MethodPost, "/v1/uploads", ingester.UploadHandler(ing))
			r.Method(http.MethodPost, "/v1/uploads/check", ingester.CheckHandler(ing))
		})
	})
}

// newIPLimiter returns nil when the per-IP quota is disabled.
func newIPLimiter(cfg ingester.RateLimitConfig) (*shield.RateLimiter, error) {
	if cfg.IPMaxRequests == 0 {
		return nil, nil
	}
	proxies, err := shield.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return shield.NewRateLimiter(cfg.IPLimits(), shield.WithTrustedProxies(proxies)), nil
}

// openLimiter builds the admission limiter for the configured backend and
// starts its housekeeping. The returned func releases it.
func openLimiter(ctx context.Context, cfg ingester.RateLimitConfig, logger *slog.Logger) (ingester.Limiter, func(), error) {
	if cfg.Backend != "sqlite" {
		rl := shield.NewRateLimiter(cfg.Limits())
		done := make(chan struct{})
		rl.StartGC(done)
		return rl, func() { close(done) }, nil
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, fmt.Errorf("rate limit db: %w", err)
	}
	l, err := shield.NewSQLiteLimiter(db, cfg.Limits())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	go func() {
		tick := time.NewTicker(cfg.Limits().Window)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if n, err := l.Purge(ctx); err != nil {
					logger.Warn("rate limit purge", "error", err)
				} else if n > 0 {
					logger.Debug("rate limit purge", "removed", n)
				}
			}
		}
	}()
	return l, func() { db.Close() }, nil
}

func retentionLoop(ctx context.Context, db *sql.DB, days int, logger *slog.Logger) {
	if days <= 0 {
		return
	}
	keep := time.Duration(days) * 24 * time.Hour
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := observability.Cleanup(ctx, db, observability.RetentionConfig{Metrics: keep, Events: keep, Audit: keep}); err != nil {
				logger.Warn("observability cleanup", "error", err)
			}
		}
	}
}

func healthHandler(cfg *ingester.Config, obsDB *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":         "ok",
			"formats":        docpipe.SupportedFormats(),
			"max_file_bytes": cfg.MaxFileBytes(),
			"policy":         cfg.Policy,
			"archive":        cfg.Archive.Policy,
		}
		code := http.StatusOK
		if obsDB != nil {
			if err := obsDB.PingContext(r.Context()); err != nil {
				resp["status"] = "degraded"
				resp["observability"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	}
}

// loopback turns a listen address into one the daemon can dial itself on.
func loopback(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
