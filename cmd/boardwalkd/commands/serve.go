package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/audit"
	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/notify"
	"github.com/boardwalk/boardwalk/pkg/policy"
	"github.com/boardwalk/boardwalk/pkg/server"
	"github.com/boardwalk/boardwalk/pkg/telemetry"
)

// Environment variables carrying secrets, kept off the command line.
const (
	EnvSecret                  = "BOARDWALK_SECRET"
	EnvGoogleOAuthClientID     = "BOARDWALK_GOOGLE_OAUTH_CLIENT_ID"
	EnvGoogleOAuthClientSecret = "BOARDWALK_GOOGLE_OAUTH_SECRET"
)

type serveFlags struct {
	url               string
	port              int
	tlsPort           int
	tlsCert           string
	tlsKey            string
	hostHeaderPattern string
	authMethod        string
	authExpireDays    int
	owner             string
	staleThreshold    time.Duration
	slackWebhook      string
	slackErrorWebhook string
	stateDir          string
	auditDB           string
	policyDir         string
	metrics           bool
	logFormat         string
	otlpEndpoint      string
}

// config maps the flags and the secret environment onto a server.Config.
func (f *serveFlags) config(getenv func(string) string) server.Config {
	cfg := server.DefaultConfig()
	cfg.URL = f.url
	if f.port > 0 {
		cfg.Listen = fmt.Sprintf(":%d", f.port)
	}
	if f.tlsPort > 0 {
		cfg.TLSListen = fmt.Sprintf(":%d", f.tlsPort)
		cfg.TLSCert = f.tlsCert
		cfg.TLSKey = f.tlsKey
	}
	cfg.HostHeaderPattern = f.hostHeaderPattern
	cfg.AuthMethod = f.authMethod
	cfg.AuthExpiry = time.Duration(f.authExpireDays) * 24 * time.Hour
	cfg.Owner = f.owner
	cfg.StaleThreshold = f.staleThreshold
	cfg.SlackWebhookURL = f.slackWebhook
	cfg.SlackErrorWebhookURL = f.slackErrorWebhook
	cfg.StateDir = f.stateDir
	cfg.AuditDBPath = f.auditDB
	cfg.PolicyDir = f.policyDir
	cfg.MetricsEnabled = f.metrics
	cfg.Secret = getenv(EnvSecret)
	cfg.GoogleClientID = getenv(EnvGoogleOAuthClientID)
	cfg.GoogleClientSecret = getenv(EnvGoogleOAuthClientSecret)
	return cfg
}

func (f *serveFlags) telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig("boardwalkd")
	tc.ServiceVersion = version
	tc.Logging.Format = f.logFormat
	tc.Logging.Level = zerolog.GlobalLevel().String()
	tc.Metrics.Enabled = f.metrics
	if f.otlpEndpoint != "" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = "otlp"
		tc.Tracing.Endpoint = f.otlpEndpoint
	}
	return tc
}

func newServeCommand() *cobra.Command {
	return newServeCommandWith(&serveFlags{})
}

func newServeCommandWith(flags *serveFlags) *cobra.Command {
	defaults := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the boardwalkd server",
		Long: `Run the boardwalkd server until interrupted.

The secret keying API tokens and UI cookies is read from BOARDWALK_SECRET and
is required unless --auth-method is anonymous. Google OAuth credentials are
read from BOARDWALK_GOOGLE_OAUTH_CLIENT_ID and BOARDWALK_GOOGLE_OAUTH_SECRET.`,
		Example: `  # Local development server without authentication
  boardwalkd serve --url http://localhost:8888 --port 8888 \
    --host-header-pattern '^localhost:8888$'

  # Google OAuth behind TLS, posting broadcasts to Slack
  BOARDWALK_SECRET=... boardwalkd serve --url https://boardwalk.example.com \
    --tls-port 443 --tls-crt server.crt --tls-key server.key \
    --host-header-pattern '^boardwalk\.example\.com$' \
    --auth-method google_oauth --owner ops@example.com \
    --slack-webhook-url https://hooks.slack.com/services/...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags.config(os.Getenv), flags.telemetry(cmd.Root().Version))
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.url, "url", "", "externally reachable base URL of the server (required)")
	fs.IntVar(&flags.port, "port", 0, "plain HTTP port; 0 disables it")
	fs.IntVar(&flags.tlsPort, "tls-port", 0, "TLS port; 0 disables it")
	fs.StringVar(&flags.tlsCert, "tls-crt", "", "TLS certificate path")
	fs.StringVar(&flags.tlsKey, "tls-key", "", "TLS private key path")
	fs.StringVar(&flags.hostHeaderPattern, "host-header-pattern", "", "regular expression every request Host header must match (required)")
	fs.StringVar(&flags.authMethod, "auth-method", defaults.AuthMethod, "UI authentication: anonymous or google_oauth")
	fs.IntVar(&flags.authExpireDays, "auth-expire-days", int(defaults.AuthExpiry/(24*time.Hour)), "lifetime of UI sessions and API tokens in days")
	fs.StringVar(&flags.owner, "owner", "", "email of the user made admin on every start")
	fs.DurationVar(&flags.staleThreshold, "stale-threshold", defaults.StaleThreshold, "worker silence after which the UI may force-unlock a workspace")
	fs.StringVar(&flags.slackWebhook, "slack-webhook-url", "", "webhook receiving workspace broadcasts")
	fs.StringVar(&flags.slackErrorWebhook, "slack-error-webhook-url", "", "webhook receiving error broadcasts; defaults to --slack-webhook-url")
	fs.StringVar(&flags.stateDir, "state-dir", defaults.StateDir, "directory holding the statefile")
	fs.StringVar(&flags.auditDB, "audit-db", "", "audit database path (default <state-dir>/audit.db)")
	fs.StringVar(&flags.policyDir, "policy-dir", "", "directory of extra Rego policies, reloaded on change")
	fs.BoolVar(&flags.metrics, "metrics", defaults.MetricsEnabled, "serve Prometheus metrics on /metrics")
	fs.StringVar(&flags.logFormat, "log-format", "console", "server log format: console or json")
	fs.StringVar(&flags.otlpEndpoint, "otlp-endpoint", "", "export traces to this OTLP gRPC collector")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("host-header-pattern")
	cmd.MarkFlagsRequiredTogether("tls-port", "tls-crt", "tls-key")

	return cmd
}

func serve(ctx context.Context, cfg server.Config, tc *telemetry.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.Zerolog()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	state, err := server.LoadState(cfg.StateDir, clock.Real())
	if err != nil {
		return err
	}

	auditPath := cfg.AuditDBPath
	if auditPath == "" {
		auditPath = filepath.Join(cfg.StateDir, "audit.db")
	}
	store, err := audit.Open(ctx, audit.Config{Path: auditPath})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close audit database")
		}
	}()

	engine, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if cfg.PolicyDir != "" {
		paths := []string{cfg.PolicyDir}
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return err
		}
		if err := engine.Watch(ctx, paths); err != nil {
			return err
		}
	}

	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackWebhook(cfg.SlackWebhookURL, cfg.SlackErrorWebhookURL))
	}
	dispatcher := notify.NewDispatcher(100, logger, notifiers...)
	dispatcher.OnResult = func(err error) {
		if err != nil {
			tel.Metrics.RecordBroadcast("failed")
			return
		}
		tel.Metrics.RecordBroadcast("delivered")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Pending broadcasts were dropped")
		}
	}()

	srv, err := server.New(cfg, state, server.Options{
		Audit:     store,
		Publisher: dispatcher,
		Policy:    engine,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("url", cfg.URL).
		Str("auth_method", cfg.AuthMethod).
		Str("state_dir", cfg.StateDir).
		Msg("Starting boardwalkd")
	return srv.Run(ctx)
}
