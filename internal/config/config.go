// Package config provides YAML-based configuration loading for botyard workers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides
// (e.g. BOTYARD_TRANSPORT_MODE).
const EnvPrefix = "BOTYARD"

// Transport modes. The mode is chosen per deployment, never by the worker.
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// Supervisor channel kinds.
const (
	IPCStdio = "stdio"
	IPCRedis = "redis"
)

// Config is the top-level worker configuration, loaded from worker.yaml.
type Config struct {
	Environment string           `yaml:"environment"`
	TenantID    string           `yaml:"tenant_id"`
	Transport   TransportConfig  `yaml:"transport"`
	Backend     BackendConfig    `yaml:"backend"`
	IPC         IPCConfig        `yaml:"ipc"`
	Handoff     HandoffConfig    `yaml:"handoff"`
	Dedup       DedupConfig      `yaml:"dedup"`
	Logging     LoggingConfig    `yaml:"logging"`
	Lifecycle   LifecycleConfig  `yaml:"lifecycle"`
	Standalone  StandaloneConfig `yaml:"standalone"`
}

// TransportConfig holds chat network connection settings.
type TransportConfig struct {
	Mode             string   `yaml:"mode"`
	APIBaseURL       string   `yaml:"api_base_url"`
	WebhookBaseURL   string   `yaml:"webhook_base_url"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	MaxConnections   int      `yaml:"max_connections"`
	AllowedUpdates   []string `yaml:"allowed_updates"`
	PollTimeoutSec   int      `yaml:"poll_timeout_sec"`
	SettleDelayMs    int      `yaml:"settle_delay_ms"`
	PollRetries      int      `yaml:"poll_retries"`
	PollBackoffSec   int      `yaml:"poll_backoff_sec"`
	ConflictGraceSec int      `yaml:"conflict_grace_sec"`
}

// BackendConfig holds the backend API endpoint.
type BackendConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// IPCConfig selects how the worker talks to its supervisor.
type IPCConfig struct {
	Kind      string `yaml:"kind"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// HandoffConfig tunes the operator handoff policy. Empty lists fall back to
// the built-in defaults of the handoff package.
type HandoffConfig struct {
	Keywords        []string `yaml:"keywords"`
	FallbackPhrases []string `yaml:"fallback_phrases"`
	AckText         string   `yaml:"ack_text"`
	ApologyText     string   `yaml:"apology_text"`
}

// DedupConfig bounds the inbound message fingerprint cache.
type DedupConfig struct {
	TTLSec           int `yaml:"ttl_sec"`
	RetentionSec     int `yaml:"retention_sec"`
	MaxEntries       int `yaml:"max_entries"`
	Floor            int `yaml:"floor"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// LoggingConfig controls log output and throttling.
type LoggingConfig struct {
	Level              string `yaml:"level"`
	ThrottleWindowSec  int    `yaml:"throttle_window_sec"`
	SummaryIntervalSec int    `yaml:"summary_interval_sec"`
}

// LifecycleConfig holds worker timing knobs.
type LifecycleConfig struct {
	HeartbeatIntervalSec  int `yaml:"heartbeat_interval_sec"`
	StopTimeoutSec        int `yaml:"stop_timeout_sec"`
	RestartDelaySec       int `yaml:"restart_delay_sec"`
	MaxConcurrentMessages int `yaml:"max_concurrent_messages"`
}

// StandaloneConfig is used by `botyard standalone`, which runs a single
// worker with an in-process supervisor and an embedded store.
type StandaloneConfig struct {
	Listen      string          `yaml:"listen"`
	StoreDriver string          `yaml:"store_driver"`
	StoreDSN    string          `yaml:"store_dsn"`
	AIURL       string          `yaml:"ai_url"`
	AIToken     string          `yaml:"ai_token"`
	BotID       string          `yaml:"bot_id"`
	BotToken    string          `yaml:"bot_token"`
	Assistant   AssistantConfig `yaml:"assistant"`
}

// AssistantConfig is the assistant definition used in standalone mode.
type AssistantConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// envOverrides lists the environment variables that override file values.
type envOverrides struct {
	Environment    string `envconfig:"ENVIRONMENT"`
	TransportMode  string `envconfig:"TRANSPORT_MODE"`
	WebhookBaseURL string `envconfig:"WEBHOOK_BASE_URL"`
	WebhookSecret  string `envconfig:"WEBHOOK_SECRET"`
	BackendURL     string `envconfig:"BACKEND_URL"`
	BackendToken   string `envconfig:"BACKEND_TOKEN"`
	RedisURL       string `envconfig:"REDIS_URL"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	BotToken       string `envconfig:"BOT_TOKEN"`
}

// Load reads a YAML config file from path, applies BOTYARD_* environment
// overrides and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, true)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	return parse(data, false)
}

func parse(data []byte, withEnv bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if withEnv {
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays non-empty BOTYARD_* variables onto the file values.
func (c *Config) applyEnv() error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Environment, o.Environment)
	set(&c.Transport.Mode, o.TransportMode)
	set(&c.Transport.WebhookBaseURL, o.WebhookBaseURL)
	set(&c.Transport.WebhookSecret, o.WebhookSecret)
	set(&c.Backend.URL, o.BackendURL)
	set(&c.Backend.Token, o.BackendToken)
	set(&c.IPC.RedisURL, o.RedisURL)
	set(&c.Logging.Level, o.LogLevel)
	set(&c.Standalone.BotToken, o.BotToken)
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = ModePolling
	}
	c.Transport.Mode = strings.ToLower(c.Transport.Mode)
	if c.Transport.APIBaseURL == "" {
		c.Transport.APIBaseURL = "https://api.telegram.org"
	}
	if c.Transport.MaxConnections == 0 {
		c.Transport.MaxConnections = 40
	}
	if len(c.Transport.AllowedUpdates) == 0 {
		c.Transport.AllowedUpdates = []string{"message", "inline_query", "chosen_inline_result"}
	}
	if c.Transport.PollTimeoutSec == 0 {
		c.Transport.PollTimeoutSec = 30
	}
	if c.Transport.SettleDelayMs == 0 {
		c.Transport.SettleDelayMs = 1000
	}
	if c.Transport.PollRetries == 0 {
		c.Transport.PollRetries = 3
	}
	if c.Transport.PollBackoffSec == 0 {
		c.Transport.PollBackoffSec = 5
	}
	if c.Transport.ConflictGraceSec == 0 {
		c.Transport.ConflictGraceSec = 120
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 30
	}
	if c.IPC.Kind == "" {
		c.IPC.Kind = IPCStdio
	}
	if c.IPC.KeyPrefix == "" {
		c.IPC.KeyPrefix = "botyard"
	}
	if c.Dedup.TTLSec == 0 {
		c.Dedup.TTLSec = 30
	}
	if c.Dedup.RetentionSec == 0 {
		c.Dedup.RetentionSec = 600
	}
	if c.Dedup.MaxEntries == 0 {
		c.Dedup.MaxEntries = 10000
	}
	if c.Dedup.Floor == 0 {
		c.Dedup.Floor = 5000
	}
	if c.Dedup.SweepIntervalSec == 0 {
		c.Dedup.SweepIntervalSec = 300
	}
	if c.Logging.ThrottleWindowSec == 0 {
		c.Logging.ThrottleWindowSec = 30
	}
	if c.Logging.SummaryIntervalSec == 0 {
		c.Logging.SummaryIntervalSec = 60
	}
	if c.Lifecycle.HeartbeatIntervalSec == 0 {
		c.Lifecycle.HeartbeatIntervalSec = 30
	}
	if c.Lifecycle.StopTimeoutSec == 0 {
		c.Lifecycle.StopTimeoutSec = 10
	}
	if c.Lifecycle.RestartDelaySec == 0 {
		c.Lifecycle.RestartDelaySec = 2
	}
	if c.Lifecycle.MaxConcurrentMessages == 0 {
		c.Lifecycle.MaxConcurrentMessages = 16
	}
	if c.Standalone.Listen == "" {
		c.Standalone.Listen = ":8080"
	}
	if c.Standalone.StoreDriver == "" {
		c.Standalone.StoreDriver = "sqlite"
	}
	if c.Standalone.StoreDSN == "" && c.Standalone.StoreDriver == "sqlite" {
		c.Standalone.StoreDSN = "botyard.db"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Transport.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.Transport.WebhookBaseURL == "" {
			errs = append(errs, "transport.webhook_base_url is required in webhook mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.mode %q must be %q or %q", c.Transport.Mode, ModeWebhook, ModePolling))
	}
	if c.Transport.MaxConnections < 1 || c.Transport.MaxConnections > 100 {
		errs = append(errs, "transport.max_connections must be between 1 and 100")
	}
	switch c.IPC.Kind {
	case IPCStdio:
	case IPCRedis:
		if c.IPC.RedisURL == "" {
			errs = append(errs, "ipc.redis_url is required when ipc.kind is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("ipc.kind %q must be %q or %q", c.IPC.Kind, IPCStdio, IPCRedis))
	}
	if c.Dedup.Floor >= c.Dedup.MaxEntries {
		errs = append(errs, "dedup.floor must be lower than dedup.max_entries")
	}
	switch c.Standalone.StoreDriver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("standalone.store_driver %q must be sqlite or mysql", c.Standalone.StoreDriver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWorker checks the fields required to run under a supervisor.
func (c *Config) ValidateWorker() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}
	return nil
}

// ValidateStandalone checks the fields required by `botyard standalone`.
func (c *Config) ValidateStandalone() error {
	var errs []string
	if c.Standalone.BotID == "" {
		errs = append(errs, "standalone.bot_id is required")
	}
	if c.Standalone.BotToken == "" {
		errs = append(errs, "standalone.bot_token is required")
	}
	if c.Standalone.Assistant.ID == "" {
		errs = append(errs, "standalone.assistant.id is required")
	}
	if c.Standalone.AIURL == "" {
		errs = append(errs, "standalone.ai_url is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: standalone: %s", strings.Join(errs, "; "))
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// PollTimeout is the long-poll timeout passed to getUpdates.
func (t TransportConfig) PollTimeout() time.Duration { return seconds(t.PollTimeoutSec) }

// SettleDelay is the pause between clearing a webhook and starting to poll.
func (t TransportConfig) SettleDelay() time.Duration {
	return time.Duration(t.SettleDelayMs) * time.Millisecond
}

// PollBackoff is the initial delay between polling start attempts.
func (t TransportConfig) PollBackoff() time.Duration { return seconds(t.PollBackoffSec) }

// ConflictGrace is how long after start polling conflicts are expected.
func (t TransportConfig) ConflictGrace() time.Duration { return seconds(t.ConflictGraceSec) }

// Timeout is the per-request backend timeout.
func (b BackendConfig) Timeout() time.Duration { return seconds(b.TimeoutSec) }

// TTL is the window in which a repeated fingerprint is a duplicate.
func (d DedupConfig) TTL() time.Duration { return seconds(d.TTLSec) }

// Retention is the age after which fingerprints are purged.
func (d DedupConfig) Retention() time.Duration { return seconds(d.RetentionSec) }

// SweepInterval is the period of the background purge.
func (d DedupConfig) SweepInterval() time.Duration { return seconds(d.SweepIntervalSec) }

// ThrottleWindow is the minimum spacing between identical log lines.
func (l LoggingConfig) ThrottleWindow() time.Duration { return seconds(l.ThrottleWindowSec) }

// SummaryInterval is the period of the suppressed-count summary.
func (l LoggingConfig) SummaryInterval() time.Duration { return seconds(l.SummaryIntervalSec) }

// HeartbeatInterval is the period of heartbeat events.
func (l LifecycleConfig) HeartbeatInterval() time.Duration { return seconds(l.HeartbeatIntervalSec) }

// StopTimeout bounds transport teardown.
func (l LifecycleConfig) StopTimeout() time.Duration { return seconds(l.StopTimeoutSec) }

// RestartDelay is the settle pause between stop and start on restart.
func (l LifecycleConfig) RestartDelay() time.Duration { return seconds(l.RestartDelaySec) }
