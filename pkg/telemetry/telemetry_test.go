package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("boardwalkd")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("scheduler").WithWorkspace("Upgrade").WithHost("web1").Info("locked")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component": "scheduler",
		"workspace": "Upgrade",
		"host":      "web1",
		"message":   "locked",
	} {
		if line[key] != want {
			t.Errorf("expected %s=%q, got %v", key, want, line[key])
		}
	}
}

func TestLoggerContext(t *testing.T) {
	logger := NewLoggerTo(io.Discard, LoggingConfig{Level: "info", Format: "json"})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected the logger stored in the context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected a fallback logger")
	}
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig("boardwalkd").Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordMutexRequest("acquired")
	m.RecordMutexRequest("conflict")
	m.RecordMutexRequest("conflict")
	m.RecordHostAttempt("Upgrade", "succeeded", 2*time.Second)
	m.SetWorkspaces(3)

	if got := testutil.ToFloat64(m.mutexRequests.WithLabelValues("conflict")); got != 2 {
		t.Errorf("expected 2 conflicts, got %v", got)
	}
	if got := testutil.ToFloat64(m.workspaces); got != 3 {
		t.Errorf("expected 3 workspaces, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "boardwalk_host_attempts_total") {
		t.Errorf("expected host attempts in exposition, got %s", rec.Body.String())
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
	m.RecordWorkspaceEvent("info")
	m.RecordCatchWait()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestNopTelemetry(t *testing.T) {
	tel := Nop()
	ctx, span := tel.Tracer.StartHostSpan(context.Background(), "web1", 1)
	RecordSuccess(span)
	span.End()
	if FromTelemetryContext(tel.WithContext(ctx)) != tel {
		t.Error("expected telemetry stored in the context")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
