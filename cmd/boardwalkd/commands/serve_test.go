package commands

import (
	"testing"
	"time"

	"github.com/boardwalk/boardwalk/pkg/server"
)

func TestServeFlagsConfig(t *testing.T) {
	f := &serveFlags{}
	cmd := newServeCommandWith(f)
	err := cmd.Flags().Parse([]string{
		"--url", "https://boardwalk.example.com",
		"--tls-port", "8443",
		"--tls-crt", "server.crt",
		"--tls-key", "server.key",
		"--host-header-pattern", `^boardwalk\.example\.com$`,
		"--auth-method", "google_oauth",
		"--auth-expire-days", "2",
		"--owner", "ops@example.com",
		"--stale-threshold", "30s",
		"--metrics=false",
	})
	if err != nil {
		t.Fatal(err)
	}

	env := map[string]string{
		EnvSecret:                  "s3cret",
		EnvGoogleOAuthClientID:     "id",
		EnvGoogleOAuthClientSecret: "secret",
	}
	cfg := f.config(func(k string) string { return env[k] })

	if cfg.Listen != "" || cfg.TLSListen != ":8443" {
		t.Errorf("listen = %q / %q", cfg.Listen, cfg.TLSListen)
	}
	if cfg.AuthExpiry != 48*time.Hour {
		t.Errorf("auth expiry = %s, want 48h", cfg.AuthExpiry)
	}
	if cfg.StaleThreshold != 30*time.Second {
		t.Errorf("stale threshold = %s", cfg.StaleThreshold)
	}
	if cfg.StateDir != server.DefaultConfig().StateDir {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
	if cfg.MetricsEnabled {
		t.Error("metrics stayed enabled")
	}
	if cfg.Secret != "s3cret" || cfg.GoogleClientID != "id" || cfg.GoogleClientSecret != "secret" {
		t.Errorf("secrets not read from the environment: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	f := serveFlags{
		url:               "http://localhost:8888",
		port:              8888,
		hostHeaderPattern: "^localhost:8888$",
		authMethod:        server.AuthGoogleOAuth,
		authExpireDays:    1,
		staleThreshold:    10 * time.Second,
		stateDir:          t.TempDir(),
	}
	cfg := f.config(func(string) string { return "" })
	if err := serve(t.Context(), cfg, f.telemetry("test")); err == nil {
		t.Error("serve started with google_oauth and no secret")
	}
}

func TestServeTelemetryConfig(t *testing.T) {
	f := serveFlags{logFormat: "json", metrics: true, otlpEndpoint: "collector:4317"}
	tc := f.telemetry("1.0.0")
	if tc.ServiceName != "boardwalkd" || tc.ServiceVersion != "1.0.0" {
		t.Errorf("service = %s %s", tc.ServiceName, tc.ServiceVersion)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
