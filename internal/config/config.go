package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validBackends   = []string{"memory", "postgres"}
	validTraceModes = []string{"off", "errors", "sampled", "detailed"}
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Webhook   WebhookConfig
	Queue     QueueConfig
	Store     StoreConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Anomaly   AnomalyConfig
	Auth      AuthConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// WebhookConfig configures inbound event delivery verification.
type WebhookConfig struct {
	GlobalSecret string
	Provider     string
}

// QueueConfig configures the in-process job queue.
type QueueConfig struct {
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	JobTimeout     time.Duration
	ClaimTTL       time.Duration
}

// StoreConfig configures the canonical datastore backend.
type StoreConfig struct {
	Backend     string
	PostgresURL string
}

// CacheConfig configures the read-through response cache.
type CacheConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Namespace     string
}

// SchedulerConfig configures the recurring daily aggregation run.
type SchedulerConfig struct {
	Enabled bool
}

// AnomalyConfig configures trailing baseline windows.
type AnomalyConfig struct {
	DeveloperWindow time.Duration
	TeamWindow      time.Duration
}

// AuthConfig configures bearer-token authentication for trigger endpoints.
type AuthConfig struct {
	APITokens   []string
	AdminTokens []string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.Webhook.GlobalSecret == "" {
		errs = append(errs, "webhook.global_secret is required")
	}

	if c.Queue.Concurrency <= 0 {
		errs = append(errs, "queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.max_attempts must be > 0")
	}
	if c.Queue.RetryBaseDelay <= 0 {
		errs = append(errs, "queue.retry_base_delay must be > 0")
	}
	if c.Queue.JobTimeout <= 0 {
		errs = append(errs, "queue.job_timeout must be > 0")
	}
	if c.Queue.ClaimTTL <= 0 {
		errs = append(errs, "queue.claim_ttl must be > 0")
	}

	if !slices.Contains(validBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be memory or postgres")
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresURL == "" {
		errs = append(errs, "store.postgres_url is required when store.backend=postgres")
	}

	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		errs = append(errs, "cache.redis_addr is required when cache.enabled=true")
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl must be > 0")
	}

	if c.Anomaly.DeveloperWindow <= 0 {
		errs = append(errs, "anomaly.developer_window must be > 0")
	}
	if c.Anomaly.TeamWindow <= 0 {
		errs = append(errs, "anomaly.team_window must be > 0")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be in [0, 1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Webhook.Provider == "" {
		cfg.Webhook.Provider = "github"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.RetryBaseDelay == 0 {
		cfg.Queue.RetryBaseDelay = 2 * time.Second
	}
	if cfg.Queue.JobTimeout == 0 {
		cfg.Queue.JobTimeout = 30 * time.Second
	}
	if cfg.Queue.ClaimTTL == 0 {
		cfg.Queue.ClaimTTL = 5 * time.Minute
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 30 * time.Second
	}
	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "devpulse"
	}
	if cfg.Anomaly.DeveloperWindow == 0 {
		cfg.Anomaly.DeveloperWindow = 7 * 24 * time.Hour
	}
	if cfg.Anomaly.TeamWindow == 0 {
		cfg.Anomaly.TeamWindow = 30 * 24 * time.Hour
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
	if cfg.Telemetry.OTELTraceSampleRatio == 0 {
		cfg.Telemetry.OTELTraceSampleRatio = 0.1
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	Webhook   rawWebhook   `yaml:"webhook"`
	Queue     rawQueue     `yaml:"queue"`
	Store     rawStore     `yaml:"store"`
	Cache     rawCache     `yaml:"cache"`
	Scheduler rawScheduler `yaml:"scheduler"`
	Anomaly   rawAnomaly   `yaml:"anomaly"`
	Auth      rawAuth      `yaml:"auth"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawWebhook struct {
	GlobalSecret string `yaml:"global_secret"`
	Provider     string `yaml:"provider"`
}

type rawQueue struct {
	Concurrency    int      `yaml:"concurrency"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBaseDelay duration `yaml:"retry_base_delay"`
	JobTimeout     duration `yaml:"job_timeout"`
	ClaimTTL       duration `yaml:"claim_ttl"`
}

type rawStore struct {
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

type rawCache struct {
	Enabled       bool     `yaml:"enabled"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	TTL           duration `yaml:"ttl"`
	Namespace     string   `yaml:"namespace"`
}

type rawScheduler struct {
	Enabled bool `yaml:"enabled"`
}

type rawAnomaly struct {
	DeveloperWindow duration `yaml:"developer_window"`
	TeamWindow      duration `yaml:"team_window"`
}

type rawAuth struct {
	APITokens   []string `yaml:"api_tokens"`
	AdminTokens []string `yaml:"admin_tokens"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		Webhook: WebhookConfig{
			GlobalSecret: r.Webhook.GlobalSecret,
			Provider:     r.Webhook.Provider,
		},
		Queue: QueueConfig{
			Concurrency:    r.Queue.Concurrency,
			MaxAttempts:    r.Queue.MaxAttempts,
			RetryBaseDelay: r.Queue.RetryBaseDelay.Duration,
			JobTimeout:     r.Queue.JobTimeout.Duration,
			ClaimTTL:       r.Queue.ClaimTTL.Duration,
		},
		Store: StoreConfig{
			Backend:     r.Store.Backend,
			PostgresURL: r.Store.PostgresURL,
		},
		Cache: CacheConfig{
			Enabled:       r.Cache.Enabled,
			RedisAddr:     r.Cache.RedisAddr,
			RedisPassword: r.Cache.RedisPassword,
			RedisDB:       r.Cache.RedisDB,
			TTL:           r.Cache.TTL.Duration,
			Namespace:     r.Cache.Namespace,
		},
		Scheduler: SchedulerConfig{
			Enabled: r.Scheduler.Enabled,
		},
		Anomaly: AnomalyConfig{
			DeveloperWindow: r.Anomaly.DeveloperWindow.Duration,
			TeamWindow:      r.Anomaly.TeamWindow.Duration,
		},
		Auth: AuthConfig{
			APITokens:   r.Auth.APITokens,
			AdminTokens: r.Auth.AdminTokens,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
