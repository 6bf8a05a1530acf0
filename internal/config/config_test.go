package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
environment: production
tenant_id: tenant-7

transport:
  mode: webhook
  webhook_base_url: https://hooks.example.com/tg
  webhook_secret: s3cret
  max_connections: 20
  allowed_updates: [message]
  poll_timeout_sec: 25

backend:
  url: http://backend:8080
  token: svc-token
  timeout_sec: 10

ipc:
  kind: redis
  redis_url: redis://localhost:6379/0

handoff:
  keywords: ["оператор", "operator"]
  fallback_phrases: ["не знаю"]
  ack_text: "Connecting you to an operator."

dedup:
  ttl_sec: 15
  max_entries: 200
  floor: 100

lifecycle:
  stop_timeout_sec: 5
`

const minimalYAML = `
tenant_id: t1
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.TenantID != "tenant-7" {
		t.Errorf("TenantID = %q, want tenant-7", cfg.TenantID)
	}
	if cfg.Transport.Mode != ModeWebhook {
		t.Errorf("Transport.Mode = %q, want %q", cfg.Transport.Mode, ModeWebhook)
	}
	if cfg.Transport.MaxConnections != 20 {
		t.Errorf("MaxConnections = %d, want 20", cfg.Transport.MaxConnections)
	}
	if len(cfg.Transport.AllowedUpdates) != 1 || cfg.Transport.AllowedUpdates[0] != "message" {
		t.Errorf("AllowedUpdates = %v, want [message]", cfg.Transport.AllowedUpdates)
	}
	if cfg.Transport.PollTimeout() != 25*time.Second {
		t.Errorf("PollTimeout = %v, want 25s", cfg.Transport.PollTimeout())
	}
	if cfg.Backend.Timeout() != 10*time.Second {
		t.Errorf("Backend.Timeout = %v, want 10s", cfg.Backend.Timeout())
	}
	if cfg.IPC.Kind != IPCRedis {
		t.Errorf("IPC.Kind = %q, want redis", cfg.IPC.Kind)
	}
	if len(cfg.Handoff.Keywords) != 2 {
		t.Errorf("Handoff.Keywords = %v, want 2 entries", cfg.Handoff.Keywords)
	}
	if cfg.Dedup.TTL() != 15*time.Second {
		t.Errorf("Dedup.TTL = %v, want 15s", cfg.Dedup.TTL())
	}
	if cfg.Dedup.Floor != 100 || cfg.Dedup.MaxEntries != 200 {
		t.Errorf("Dedup bounds = %d/%d, want 100/200", cfg.Dedup.Floor, cfg.Dedup.MaxEntries)
	}
	if cfg.Lifecycle.StopTimeout() != 5*time.Second {
		t.Errorf("StopTimeout = %v, want 5s", cfg.Lifecycle.StopTimeout())
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Environment", cfg.Environment, "development"},
		{"Transport.Mode", cfg.Transport.Mode, ModePolling},
		{"Transport.APIBaseURL", cfg.Transport.APIBaseURL, "https://api.telegram.org"},
		{"Transport.MaxConnections", cfg.Transport.MaxConnections, 40},
		{"Transport.PollRetries", cfg.Transport.PollRetries, 3},
		{"Transport.PollBackoff", cfg.Transport.PollBackoff(), 5 * time.Second},
		{"Transport.ConflictGrace", cfg.Transport.ConflictGrace(), 2 * time.Minute},
		{"Transport.SettleDelay", cfg.Transport.SettleDelay(), time.Second},
		{"IPC.Kind", cfg.IPC.Kind, IPCStdio},
		{"Dedup.TTL", cfg.Dedup.TTL(), 30 * time.Second},
		{"Dedup.Retention", cfg.Dedup.Retention(), 10 * time.Minute},
		{"Dedup.MaxEntries", cfg.Dedup.MaxEntries, 10000},
		{"Dedup.Floor", cfg.Dedup.Floor, 5000},
		{"Dedup.SweepInterval", cfg.Dedup.SweepInterval(), 5 * time.Minute},
		{"Logging.ThrottleWindow", cfg.Logging.ThrottleWindow(), 30 * time.Second},
		{"Logging.SummaryInterval", cfg.Logging.SummaryInterval(), time.Minute},
		{"Lifecycle.HeartbeatInterval", cfg.Lifecycle.HeartbeatInterval(), 30 * time.Second},
		{"Lifecycle.StopTimeout", cfg.Lifecycle.StopTimeout(), 10 * time.Second},
		{"Lifecycle.RestartDelay", cfg.Lifecycle.RestartDelay(), 2 * time.Second},
		{"Standalone.StoreDriver", cfg.Standalone.StoreDriver, "sqlite"},
		{"Standalone.StoreDSN", cfg.Standalone.StoreDSN, "botyard.db"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.Transport.AllowedUpdates) != 3 {
		t.Errorf("AllowedUpdates = %v, want 3 defaults", cfg.Transport.AllowedUpdates)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "transport:\n  mode: carrier-pigeon\n", "transport.mode"},
		{"webhook without url", "transport:\n  mode: webhook\n", "webhook_base_url is required"},
		{"redis without url", "ipc:\n  kind: redis\n", "ipc.redis_url is required"},
		{"bad ipc", "ipc:\n  kind: carrier\n", "ipc.kind"},
		{"floor above ceiling", "dedup:\n  max_entries: 10\n  floor: 10\n", "dedup.floor"},
		{"max connections", "transport:\n  max_connections: 500\n", "max_connections"},
		{"store driver", "standalone:\n  store_driver: oracle\n", "store_driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("transport:\n  mode: nope\nipc:\n  kind: nope\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Count(err.Error(), ";") < 1 {
		t.Errorf("expected joined errors, got %q", err.Error())
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("transport: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want parse prefix", err.Error())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BOTYARD_TRANSPORT_MODE", "webhook")
	t.Setenv("BOTYARD_WEBHOOK_BASE_URL", "https://hooks.example.com")
	t.Setenv("BOTYARD_BACKEND_URL", "http://backend:9000")
	t.Setenv("BOTYARD_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Mode != ModeWebhook {
		t.Errorf("Transport.Mode = %q, want webhook", cfg.Transport.Mode)
	}
	if cfg.Transport.WebhookBaseURL != "https://hooks.example.com" {
		t.Errorf("WebhookBaseURL = %q", cfg.Transport.WebhookBaseURL)
	}
	if cfg.Backend.URL != "http://backend:9000" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestParse_IgnoresEnv(t *testing.T) {
	t.Setenv("BOTYARD_TRANSPORT_MODE", "webhook")
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport.Mode != ModePolling {
		t.Errorf("Transport.Mode = %q, Parse must not read env", cfg.Transport.Mode)
	}
}

func TestValidateWorker(t *testing.T) {
	cfg, _ := Parse([]byte(minimalYAML))
	if err := cfg.ValidateWorker(); err == nil {
		t.Error("expected error without backend.url")
	}
	cfg.Backend.URL = "http://backend"
	if err := cfg.ValidateWorker(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateStandalone(t *testing.T) {
	cfg, _ := Parse([]byte(minimalYAML))
	err := cfg.ValidateStandalone()
	if err == nil {
		t.Fatal("expected error for empty standalone section")
	}
	for _, want := range []string{"bot_id", "bot_token", "assistant.id", "ai_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}
