package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
webhook:
  global_secret: topsecret
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("Server.ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Fatalf("Server.LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Webhook.Provider != "github" {
		t.Fatalf("Webhook.Provider = %q, want github", cfg.Webhook.Provider)
	}
	if cfg.Queue.Concurrency != 5 {
		t.Fatalf("Queue.Concurrency = %d, want 5", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RetryBaseDelay != 2*time.Second {
		t.Fatalf("Queue.RetryBaseDelay = %v, want 2s", cfg.Queue.RetryBaseDelay)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Anomaly.DeveloperWindow != 7*24*time.Hour {
		t.Fatalf("Anomaly.DeveloperWindow = %v, want 168h", cfg.Anomaly.DeveloperWindow)
	}
	if cfg.Anomaly.TeamWindow != 30*24*time.Hour {
		t.Fatalf("Anomaly.TeamWindow = %v, want 720h", cfg.Anomaly.TeamWindow)
	}
	if cfg.Telemetry.OTELTraceMode != "off" {
		t.Fatalf("Telemetry.OTELTraceMode = %q, want off", cfg.Telemetry.OTELTraceMode)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing global secret",
			yaml:    "server:\n  log_level: info\n",
			wantErr: "webhook.global_secret is required",
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "server:\n  log_level: verbose\n",
			wantErr: "server.log_level",
		},
		{
			name:    "postgres backend without url",
			yaml:    minimalYAML + "store:\n  backend: postgres\n",
			wantErr: "store.postgres_url is required",
		},
		{
			name:    "unknown backend",
			yaml:    minimalYAML + "store:\n  backend: sqlite\n",
			wantErr: "store.backend must be memory or postgres",
		},
		{
			name:    "cache enabled without addr",
			yaml:    minimalYAML + "cache:\n  enabled: true\n",
			wantErr: "cache.redis_addr is required",
		},
		{
			name:    "bad trace mode",
			yaml:    minimalYAML + "telemetry:\n  otel_trace_mode: full\n",
			wantErr: "telemetry.otel_trace_mode",
		},
		{
			name:    "unknown field rejected",
			yaml:    minimalYAML + "webhoook:\n  x: y\n",
			wantErr: "unmarshal yaml",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load() error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadParsesFlexibleDurations(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
queue:
  retry_base_delay: 4s
  job_timeout: 1m
anomaly:
  developer_window: 7d
  team_window: 4w
`
	cfg, err := Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Queue.RetryBaseDelay != 4*time.Second {
		t.Fatalf("Queue.RetryBaseDelay = %v, want 4s", cfg.Queue.RetryBaseDelay)
	}
	if cfg.Anomaly.DeveloperWindow != 7*24*time.Hour {
		t.Fatalf("Anomaly.DeveloperWindow = %v, want 168h", cfg.Anomaly.DeveloperWindow)
	}
	if cfg.Anomaly.TeamWindow != 4*7*24*time.Hour {
		t.Fatalf("Anomaly.TeamWindow = %v, want 672h", cfg.Anomaly.TeamWindow)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
server:
  listen_addr: ":9090"
  log_level: debug
queue:
  concurrency: 10
  max_attempts: 5
auth:
  api_tokens: ["token-a"]
  admin_tokens: ["token-admin"]
`
	cfg, err := Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("Server.ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Queue.Concurrency != 10 {
		t.Fatalf("Queue.Concurrency = %d, want 10", cfg.Queue.Concurrency)
	}
	if len(cfg.Auth.APITokens) != 1 || cfg.Auth.APITokens[0] != "token-a" {
		t.Fatalf("Auth.APITokens = %v, want [token-a]", cfg.Auth.APITokens)
	}
	if len(cfg.Auth.AdminTokens) != 1 || cfg.Auth.AdminTokens[0] != "token-admin" {
		t.Fatalf("Auth.AdminTokens = %v, want [token-admin]", cfg.Auth.AdminTokens)
	}
}

func TestLoadNilReader(t *testing.T) {
	t.Parallel()

	if _, err := Load(nil); err == nil {
		t.Fatal("Load(nil) expected error, got nil")
	}
}
