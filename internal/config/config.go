package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CADENCE_SCHEDULER_WORKERS
const EnvPrefix = "CADENCE_"

// Config is the main configuration structure
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Queue     QueueConfig     `yaml:"queue" envPrefix:"QUEUE_"`
	Pacing    PacingConfig    `yaml:"pacing" envPrefix:"PACING_"`
	Reclaim   ReclaimConfig   `yaml:"reclaim" envPrefix:"RECLAIM_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Template  TemplateConfig  `yaml:"template" envPrefix:"TEMPLATE_"`
	Channels  ChannelsConfig  `yaml:"channels" envPrefix:"CHANNELS_"`
	API       APIConfig       `yaml:"api" envPrefix:"API_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOGGING_"`
}

// SchedulerConfig controls the campaign polling loop
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"` // Default: 60s
	Workers      int           `yaml:"workers" env:"WORKERS"`             // Campaigns fired concurrently, default: 4
	BatchLimit   int           `yaml:"batch_limit" env:"BATCH_LIMIT"`     // Items claimed per batch, default: 50
	Timezone     string        `yaml:"timezone" env:"TIMEZONE"`           // Used by schedules without one, default: UTC
}

// QueueConfig selects the dispatch queue backend
type QueueConfig struct {
	Driver  string `yaml:"driver" env:"DRIVER"`     // bolt or sqlite, default: bolt
	LotSize int    `yaml:"lot_size" env:"LOT_SIZE"` // Default: 500
}

// PacingConfig controls the delay between consecutive sends
type PacingConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay" env:"BASE_DELAY"`         // Default: 2s
	Jitter       time.Duration `yaml:"jitter" env:"JITTER"`                 // Random extra delay in [0, jitter), default: 3s
	MaxPerSecond float64       `yaml:"max_per_second" env:"MAX_PER_SECOND"` // Hard ceiling, 0 = none
	SendTimeout  time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`     // Default: 30s
}

// ReclaimConfig controls the stale claim sweep
type ReclaimConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"` // Default: 1m
	Grace    time.Duration `yaml:"grace" env:"GRACE"`       // Claims older than this return to pending, default: 10m
}

// StorageConfig contains database paths
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"` // Campaigns and recipients, default: /var/lib/cadence/cadence.db
	BoltPath   string `yaml:"bolt_path" env:"BOLT_PATH"`     // Queue when queue.driver is bolt, default: /var/lib/cadence/queue.db
}

// TemplateConfig controls message rendering
type TemplateConfig struct {
	Engine    string            `yaml:"engine" env:"ENGINE"` // vars or go, default: vars
	Strict    bool              `yaml:"strict" env:"STRICT"` // Fail on unknown variables
	Variables map[string]string `yaml:"variables"`           // Global variables, lowest precedence
}

// ChannelsConfig contains delivery channel settings
type ChannelsConfig struct {
	Default string               `yaml:"default" env:"DEFAULT"` // Used by campaigns without a channel, default: sandbox
	SMTP    SMTPChannelConfig    `yaml:"smtp" envPrefix:"SMTP_"`
	Webhook WebhookChannelConfig `yaml:"webhook" envPrefix:"WEBHOOK_"`
	Sandbox SandboxChannelConfig `yaml:"sandbox" envPrefix:"SANDBOX_"`
}

// SMTPChannelConfig configures relaying through a submission server
type SMTPChannelConfig struct {
	Enabled            bool          `yaml:"enabled" env:"ENABLED"`
	Host               string        `yaml:"host" env:"HOST"`
	Port               int           `yaml:"port" env:"PORT"` // Default: 587
	Username           string        `yaml:"username" env:"USERNAME"`
	Password           string        `yaml:"password" env:"PASSWORD"`
	From               string        `yaml:"from" env:"FROM"`
	Subject            string        `yaml:"subject" env:"SUBJECT"`
	HeloName           string        `yaml:"helo_name" env:"HELO_NAME"`
	StartTLS           bool          `yaml:"starttls" env:"STARTTLS"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT"` // Default: 30s
	DKIM               DKIMConfig    `yaml:"dkim" envPrefix:"DKIM_"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool     `yaml:"enabled" env:"ENABLED"`
	Domain   string   `yaml:"domain" env:"DOMAIN"`
	Selector string   `yaml:"selector" env:"SELECTOR"`
	KeyFile  string   `yaml:"key_file" env:"KEY_FILE"`
	Headers  []string `yaml:"headers" env:"HEADERS"`
}

// WebhookChannelConfig configures HTTP delivery
type WebhookChannelConfig struct {
	Enabled bool              `yaml:"enabled" env:"ENABLED"`
	URL     string            `yaml:"url" env:"URL"`
	Token   string            `yaml:"token" env:"TOKEN"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout" env:"TIMEOUT"` // Default: 30s
}

// SandboxChannelConfig configures the capture-only channel
type SandboxChannelConfig struct {
	Enabled          bool    `yaml:"enabled" env:"ENABLED"`
	Limit            int     `yaml:"limit" env:"LIMIT"` // Messages kept in memory, default: 1000
	SimulateErrors   bool    `yaml:"simulate_errors" env:"SIMULATE_ERRORS"`
	ErrorProbability float64 `yaml:"error_probability" env:"ERROR_PROBABILITY"`
}

// APIConfig contains reporting API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	ListenAddr     string        `yaml:"listen_addr" env:"LISTEN_ADDR"` // Default: :8080
	Token          string        `yaml:"token" env:"TOKEN"`
	TokenHash      string        `yaml:"token_hash" env:"TOKEN_HASH"` // bcrypt hash, alternative to token
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	AllowedIPs     []string      `yaml:"allowed_ips" env:"ALLOWED_IPS"` // IP addresses/CIDRs allowed to call /api/v1
	TLSCertFile    string        `yaml:"tls_cert_file" env:"TLS_CERT_FILE"` // Serve HTTPS when set together with tls_key_file
	TLSKeyFile     string        `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	ListenAddr    string        `yaml:"listen_addr" env:"LISTEN_ADDR"`       // Default: :9090
	Path          string        `yaml:"path" env:"PATH"`                     // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"` // Gauge refresh, default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips" env:"ALLOWED_IPS"`       // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, text
}

// Load loads configuration from a YAML file and applies CADENCE_* environment
// overrides. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 60 * time.Second
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.BatchLimit == 0 {
		c.Scheduler.BatchLimit = 50
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "bolt"
	}
	if c.Queue.LotSize == 0 {
		c.Queue.LotSize = 500
	}

	if c.Pacing.BaseDelay == 0 {
		c.Pacing.BaseDelay = 2 * time.Second
	}
	if c.Pacing.Jitter == 0 {
		c.Pacing.Jitter = 3 * time.Second
	}
	if c.Pacing.SendTimeout == 0 {
		c.Pacing.SendTimeout = 30 * time.Second
	}

	if c.Reclaim.Interval == 0 {
		c.Reclaim.Interval = time.Minute
	}
	if c.Reclaim.Grace == 0 {
		c.Reclaim.Grace = 10 * time.Minute
	}

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "/var/lib/cadence/cadence.db"
	}
	if c.Storage.BoltPath == "" {
		c.Storage.BoltPath = "/var/lib/cadence/queue.db"
	}

	if c.Template.Engine == "" {
		c.Template.Engine = "vars"
	}

	if c.Channels.Default == "" {
		c.Channels.Default = "sandbox"
	}
	if c.Channels.Default == "sandbox" {
		c.Channels.Sandbox.Enabled = true
	}
	if c.Channels.Sandbox.Limit == 0 {
		c.Channels.Sandbox.Limit = 1000
	}
	if c.Channels.SMTP.Port == 0 {
		c.Channels.SMTP.Port = 587
	}
	if c.Channels.SMTP.Timeout == 0 {
		c.Channels.SMTP.Timeout = 30 * time.Second
	}
	if c.Channels.SMTP.DKIM.Selector == "" {
		c.Channels.SMTP.DKIM.Selector = "cadence"
	}
	if c.Channels.Webhook.Timeout == 0 {
		c.Channels.Webhook.Timeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.BatchLimit < 1 {
		return fmt.Errorf("scheduler.batch_limit must be positive")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}

	switch c.Queue.Driver {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("invalid queue.driver: %s (must be bolt or sqlite)", c.Queue.Driver)
	}
	if c.Queue.LotSize < 1 {
		return fmt.Errorf("queue.lot_size must be positive")
	}

	if c.Pacing.BaseDelay < 0 || c.Pacing.Jitter < 0 || c.Pacing.MaxPerSecond < 0 {
		return fmt.Errorf("pacing values must not be negative")
	}
	if c.Pacing.SendTimeout <= 0 {
		return fmt.Errorf("pacing.send_timeout must be positive")
	}

	// A claim must outlive the longest send, or reclaim would duplicate work
	// A claim is renewed right before its send, so grace only has to outlast
	// one send plus recording its outcome
	if c.Reclaim.Grace <= 2*c.Pacing.SendTimeout {
		return fmt.Errorf("reclaim.grace (%s) must exceed twice pacing.send_timeout (%s)", c.Reclaim.Grace, c.Pacing.SendTimeout)
	}
	if c.Reclaim.Interval <= 0 {
		return fmt.Errorf("reclaim.interval must be positive")
	}

	validEngines := map[string]bool{"vars": true, "go": true}
	if !validEngines[c.Template.Engine] {
		return fmt.Errorf("invalid template.engine: %s (must be vars or go)", c.Template.Engine)
	}

	if err := c.validateChannels(); err != nil {
		return err
	}

	if c.API.Enabled && c.API.Token == "" && c.API.TokenHash == "" {
		return fmt.Errorf("api.token or api.token_hash is required when the API is enabled")
	}
	if c.API.TokenHash != "" && !strings.HasPrefix(c.API.TokenHash, "$2") {
		return fmt.Errorf("api.token_hash must be a bcrypt hash")
	}
	if (c.API.TLSCertFile == "") != (c.API.TLSKeyFile == "") {
		return fmt.Errorf("api.tls_cert_file and api.tls_key_file must be set together")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateChannels validates channel configuration
func (c *Config) validateChannels() error {
	ch := c.Channels

	if ch.SMTP.Enabled {
		if ch.SMTP.Host == "" {
			return fmt.Errorf("channels.smtp.host is required")
		}
		if ch.SMTP.From == "" {
			return fmt.Errorf("channels.smtp.from is required")
		}
		if ch.SMTP.DKIM.Enabled && (ch.SMTP.DKIM.Domain == "" || ch.SMTP.DKIM.KeyFile == "") {
			return fmt.Errorf("channels.smtp.dkim.domain and key_file are required when DKIM is enabled")
		}
	}

	if ch.Webhook.Enabled && ch.Webhook.URL == "" {
		return fmt.Errorf("channels.webhook.url is required")
	}

	if ch.Sandbox.ErrorProbability < 0 || ch.Sandbox.ErrorProbability > 1 {
		return fmt.Errorf("channels.sandbox.error_probability must be between 0 and 1")
	}

	if !c.ChannelEnabled(ch.Default) {
		return fmt.Errorf("channels.default %q is not an enabled channel", ch.Default)
	}

	return nil
}

// ChannelEnabled reports whether the named channel is configured and enabled
func (c *Config) ChannelEnabled(name string) bool {
	switch name {
	case "smtp":
		return c.Channels.SMTP.Enabled
	case "webhook":
		return c.Channels.Webhook.Enabled
	case "sandbox":
		return c.Channels.Sandbox.Enabled
	default:
		return false
	}
}
