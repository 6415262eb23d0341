// Command intakectl runs the intake pipeline from the command line.
//
//	intakectl detect FILE
//	intakectl check [--config intake.yaml] FILE
//	intakectl send --config intake.yaml --client acme FILE
//	intakectl token --config intake.yaml --client acme [--ttl 24h]
//	intakectl mcp [--config intake.yaml]
//
// check and mcp never deliver anything. send runs the full pipeline against
// the platform named in the config, without a rate limit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/intake/auth"
	"github.com/hazyhaar/intake/dbopen"
	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/horosafe"
	"github.com/hazyhaar/intake/idgen"
	"github.com/hazyhaar/intake/ingester"
	"github.com/hazyhaar/intake/transform"
	"github.com/hazyhaar/intake/validate"
)

const usage = `usage: intakectl <command> [flags]

commands:
  detect FILE           print the detected format
  check FILE            dry run: parse, validate and transform, print JSON
  send FILE             run the full pipeline and deliver to the platform
  token                 mint a client JWT signed with the config's jwt_secret
  mcp                   serve the intake MCP tools on stdin/stdout
`

// exitError carries a process exit code for failed runs.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		var coded exitError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		fmt.Fprintf(os.Stderr, "intakectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitError{2}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "detect":
		return detectCmd(rest)
	case "check":
		return checkCmd(ctx, rest, logger)
	case "send":
		return sendCmd(ctx, rest, logger)
	case "token":
		return tokenCmd(rest)
	case "mcp":
		return mcpCmd(ctx, rest, logger)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func detectCmd(args []string) error {
	fs := pflag.NewFlagSet("detect", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("detect: exactly one FILE expected")
	}
	a, err := readArtifact(fs.Arg(0), 0)
	if err != nil {
		return err
	}
	format, err := docpipe.Detect(a)
	if err != nil {
		return err
	}
	fmt.Println(format)
	return nil
}

func checkCmd(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file (defaults apply when empty)")
	client := fs.String("client", "cli", "client id recorded on the run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("check: exactly one FILE expected")
	}
	cfg, err := loadConfig(*cfgPath, false)
	if err != nil {
		return err
	}
	ing, err := newIngester(cfg, nil, logger)
	if err != nil {
		return err
	}
	a, err := readArtifact(fs.Arg(0), cfg.MaxFileBytes())
	if err != nil {
		return err
	}

	res := ing.Check(ctx, *client, a)
	printJSON(struct {
		ingester.Summary
		States  []ingester.State            `json:"states"`
		Records []transform.CanonicalRecord `json:"records,omitempty"`
	}{res.Summary(), res.States, res.Records})
	if res.Failed() {
		return exitError{1}
	}
	return nil
}

func sendCmd(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	cfgPath := fs.String("config", "intake.yaml", "YAML config file")
	client := fs.String("client", "", "client id the upload is sent for (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("send: exactly one FILE expected")
	}
	if *client == "" {
		return fmt.Errorf("send: --client is required")
	}
	cfg, err := loadConfig(*cfgPath, true)
	if err != nil {
		return err
	}
	if cfg.Platform.Endpoint == "" {
		return fmt.Errorf("send: platform.endpoint is not configured")
	}

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
	dc, err := delivery.NewClient(cfg.Platform.Config, delivery.WithReceipts(receipts), delivery.WithLogger(logger))
	if err != nil {
		return err
	}
	ing, err := newIngester(cfg, dc, logger)
	if err != nil {
		return err
	}
	a, err := readArtifact(fs.Arg(0), cfg.MaxFileBytes())
	if err != nil {
		return err
	}

	res := ing.Ingest(ctx, *client, a)
	printJSON(res.Summary())
	if res.Failed() {
		return exitError{1}
	}
	return nil
}

func tokenCmd(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	cfgPath := fs.String("config", "intake.yaml", "YAML config file holding jwt_secret")
	client := fs.String("client", "", "client id to put in the token (required)")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *client == "" {
		return fmt.Errorf("token: --client is required")
	}
	cfg, err := loadConfig(*cfgPath, true)
	if err != nil {
		return err
	}
	if err := horosafe.ValidateIdentifier(*client); err != nil {
		return fmt.Errorf("token: client: %w", err)
	}
	claims := &auth.ClientClaims{ClientID: *client, Name: *name}
	claims.Subject = *client
	tok, err := auth.GenerateToken([]byte(cfg.JWTSecret), claims, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func mcpCmd(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("mcp", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file (defaults apply when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath, false)
	if err != nil {
		return err
	}
	pipe := docpipe.New(docpipe.Config{CSVDelimiter: cfg.Delimiter(), Logger: logger})
	ing, err := newIngesterWith(cfg, pipe, nil, logger)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(&mcp.Implementation{Name: "intake", Version: "1.0.0"}, nil)
	pipe.RegisterMCP(srv)
	ing.RegisterMCP(srv)
	logger.Info("mcp: serving on stdio")
	return srv.Run(ctx, &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout})
}

// loadConfig reads path, or returns validated defaults when path is empty
// and not required.
func loadConfig(path string, required bool) (*ingester.Config, error) {
	if path == "" {
		if required {
			return nil, fmt.Errorf("--config is required")
		}
		cfg := ingester.DefaultConfig()
		cfg.MockPlatform.Enabled = true
		return cfg, cfg.Validate()
	}
	return ingester.LoadConfig(path)
}

func newIngester(cfg *ingester.Config, d ingester.Deliverer, logger *slog.Logger) (*ingester.Ingester, error) {
	pipe := docpipe.New(docpipe.Config{CSVDelimiter: cfg.Delimiter(), Logger: logger})
	return newIngesterWith(cfg, pipe, d, logger)
}

func newIngesterWith(cfg *ingester.Config, pipe *docpipe.Pipeline, d ingester.Deliverer, logger *slog.Logger) (*ingester.Ingester, error) {
	rules := validate.DefaultRuleset()
	if cfg.RulesPath != "" {
		var err error
		if rules, err = validate.Load(cfg.RulesPath); err != nil {
			return nil, err
		}
	}
	return ingester.New(pipe, rules, transform.DefaultDictionary(), d,
		ingester.WithLogger(logger),
		ingester.WithMaxBytes(cfg.MaxFileBytes()),
		ingester.WithPolicy(cfg.Policy),
		ingester.WithIDGenerator(idgen.Prefixed("run_", idgen.Default)),
	)
}

// readArtifact reads at most max+1 bytes of path so the ingester can refuse
// oversized files itself. max <= 0 reads everything.
func readArtifact(path string, max int64) (docpipe.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return docpipe.Artifact{}, err
	}
	defer f.Close()
	var r io.Reader = f
	if max > 0 {
		r = io.LimitReader(f, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return docpipe.Artifact{}, fmt.Errorf("read %s: %w", path, err)
	}
	return docpipe.Artifact{Name: horosafe.BaseName(path), Data: data}, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
