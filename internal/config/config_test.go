package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  poll_interval: 30s
  workers: 2
  timezone: "Europe/Berlin"

queue:
  driver: sqlite
  lot_size: 100

pacing:
  base_delay: 500ms
  jitter: 1s
  max_per_second: 5

storage:
  sqlite_path: "/tmp/cadence.db"

template:
  strict: true
  variables:
    company: "Acme"

channels:
  default: webhook
  webhook:
    enabled: true
    url: "https://hooks.example.com/send"
    headers:
      X-Source: cadence

api:
  enabled: true
  token: "secret"

logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scheduler.PollInterval != 30*time.Second || cfg.Scheduler.Workers != 2 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.BatchLimit != 50 {
		t.Errorf("BatchLimit = %d, want default 50", cfg.Scheduler.BatchLimit)
	}
	if cfg.Queue.Driver != "sqlite" || cfg.Queue.LotSize != 100 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Pacing.BaseDelay != 500*time.Millisecond || cfg.Pacing.MaxPerSecond != 5 || cfg.Pacing.SendTimeout != 30*time.Second {
		t.Errorf("Pacing = %+v", cfg.Pacing)
	}
	if !cfg.Template.Strict || cfg.Template.Variables["company"] != "Acme" {
		t.Errorf("Template = %+v", cfg.Template)
	}
	if cfg.Channels.Default != "webhook" || cfg.Channels.Webhook.Headers["X-Source"] != "cadence" {
		t.Errorf("Channels = %+v", cfg.Channels)
	}
	if cfg.Channels.Sandbox.Enabled {
		t.Error("sandbox should stay disabled when it is not the default")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  workers: 2
`)
	t.Setenv("CADENCE_SCHEDULER_WORKERS", "8")
	t.Setenv("CADENCE_PACING_BASE_DELAY", "250ms")
	t.Setenv("CADENCE_QUEUE_DRIVER", "sqlite")
	t.Setenv("CADENCE_METRICS_ALLOWED_IPS", "127.0.0.1,10.0.0.0/8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("Workers = %d, want 8 from env", cfg.Scheduler.Workers)
	}
	if cfg.Pacing.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms", cfg.Pacing.BaseDelay)
	}
	if cfg.Queue.Driver != "sqlite" {
		t.Errorf("Driver = %q", cfg.Queue.Driver)
	}
	if len(cfg.Metrics.AllowedIPs) != 2 || cfg.Metrics.AllowedIPs[1] != "10.0.0.0/8" {
		t.Errorf("AllowedIPs = %v", cfg.Metrics.AllowedIPs)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "scheduler: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"poll_interval", cfg.Scheduler.PollInterval, 60 * time.Second},
		{"workers", cfg.Scheduler.Workers, 4},
		{"timezone", cfg.Scheduler.Timezone, "UTC"},
		{"driver", cfg.Queue.Driver, "bolt"},
		{"lot_size", cfg.Queue.LotSize, 500},
		{"base_delay", cfg.Pacing.BaseDelay, 2 * time.Second},
		{"jitter", cfg.Pacing.Jitter, 3 * time.Second},
		{"reclaim_interval", cfg.Reclaim.Interval, time.Minute},
		{"reclaim_grace", cfg.Reclaim.Grace, 10 * time.Minute},
		{"default_channel", cfg.Channels.Default, "sandbox"},
		{"sandbox_enabled", cfg.Channels.Sandbox.Enabled, true},
		{"engine", cfg.Template.Engine, "vars"},
		{"metrics_path", cfg.Metrics.Path, "/metrics"},
		{"log_format", cfg.Logging.Format, "json"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"bad driver", func(c *Config) { c.Queue.Driver = "redis" }, "queue.driver"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "timezone"},
		{"grace below timeout", func(c *Config) { c.Reclaim.Grace = 10 * time.Second }, "reclaim.grace"},
		{"grace within two send timeouts", func(c *Config) { c.Reclaim.Grace = 50 * time.Second }, "reclaim.grace"},
		{"negative jitter", func(c *Config) { c.Pacing.Jitter = -time.Second }, "pacing"},
		{"smtp without host", func(c *Config) { c.Channels.SMTP.Enabled = true; c.Channels.SMTP.From = "a@b.c" }, "smtp.host"},
		{"dkim without key", func(c *Config) {
			c.Channels.SMTP = SMTPChannelConfig{Enabled: true, Host: "mx", From: "a@b.c", DKIM: DKIMConfig{Enabled: true, Domain: "b.c"}}
		}, "dkim"},
		{"webhook without url", func(c *Config) { c.Channels.Webhook.Enabled = true }, "webhook.url"},
		{"disabled default", func(c *Config) { c.Channels.Default = "webhook" }, "channels.default"},
		{"api without token", func(c *Config) { c.API.Enabled = true }, "api.token"},
		{"api bad hash", func(c *Config) { c.API.Enabled = true; c.API.TokenHash = "plaintext" }, "bcrypt"},
		{"tls cert without key", func(c *Config) { c.API.TLSCertFile = "/etc/cadence/api.crt" }, "tls_key_file"},
		{"bad engine", func(c *Config) { c.Template.Engine = "mustache" }, "template.engine"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad probability", func(c *Config) { c.Channels.Sandbox.ErrorProbability = 2 }, "error_probability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
