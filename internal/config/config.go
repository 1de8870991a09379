// Package config loads the dispatch service configuration from YAML.
// Environment variables written as ${VAR_NAME} are expanded before parsing,
// and duration strings such as "30s" are parsed into time.Duration values.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportHub       = "hub"
	TransportWebSocket = "websocket"
	TransportAMQP      = "amqp"
)

type Config struct {
	Tenant   string         `yaml:"tenant"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Presence PresenceConfig `yaml:"presence"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Hub      HubConfig      `yaml:"hub"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres
	DSN    string `yaml:"dsn"`

	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// RabbitMQConfig is optional. Without a URL events are logged and dropped
// and arrivals are only picked up by the sweep.
type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	Exchange      string `yaml:"exchange"`
	Queue         string `yaml:"queue"`
	Prefetch      int    `yaml:"prefetch"`
	RetryAttempts int    `yaml:"retry_attempts"` // dead-letter retries per message
	DialAttempts  int    `yaml:"dial_attempts"`

	RetryTTL       time.Duration `yaml:"-"`
	BackoffBase    time.Duration `yaml:"-"`
	BackoffCap     time.Duration `yaml:"-"`
	RetryTTLRaw    string        `yaml:"retry_ttl"`
	BackoffBaseRaw string        `yaml:"backoff_base"`
	BackoffCapRaw  string        `yaml:"backoff_cap"`
}

type PresenceConfig struct {
	Transport            string `yaml:"transport"` // hub|websocket|amqp
	URL                  string `yaml:"url"`       // websocket endpoint
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`

	HeartbeatInterval    time.Duration `yaml:"-"`
	LivenessWindow       time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
	LivenessWindowRaw    string        `yaml:"liveness_window"`
}

type SweepConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"` // cron spec, overrides interval
	BatchSize int    `yaml:"batch_size"`

	Interval     time.Duration `yaml:"-"`
	ItemDelay    time.Duration `yaml:"-"`
	IntervalRaw  string        `yaml:"interval"`
	ItemDelayRaw string        `yaml:"item_delay"`
}

// HubConfig is used by the hub command serving presence over WebSocket.
type HubConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Default returns a configuration that runs a single tenant on a local
// SQLite file with the in-process presence hub.
func Default() *Config {
	return &Config{
		Tenant: "default",
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "raycon-dispatch.db",
			CallTimeout: 10 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Queue:         "dispatch.conversations.opened",
			Prefetch:      1,
			RetryAttempts: 5,
			DialAttempts:  5,
			RetryTTL:      10 * time.Second,
			BackoffBase:   time.Second,
			BackoffCap:    30 * time.Second,
		},
		Presence: PresenceConfig{
			Transport:            TransportHub,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
			LivenessWindow:       15 * time.Minute,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			BatchSize: 10,
			Interval:  30 * time.Second,
			ItemDelay: 500 * time.Millisecond,
		},
		Hub: HubConfig{
			Addr: ":8090",
			Path: "/presence",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Load reads the file at path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, then parses and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty
// string when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.call_timeout", cfg.Database.CallTimeoutRaw, &cfg.Database.CallTimeout},
		{"rabbitmq.retry_ttl", cfg.RabbitMQ.RetryTTLRaw, &cfg.RabbitMQ.RetryTTL},
		{"rabbitmq.backoff_base", cfg.RabbitMQ.BackoffBaseRaw, &cfg.RabbitMQ.BackoffBase},
		{"rabbitmq.backoff_cap", cfg.RabbitMQ.BackoffCapRaw, &cfg.RabbitMQ.BackoffCap},
		{"presence.heartbeat_interval", cfg.Presence.HeartbeatIntervalRaw, &cfg.Presence.HeartbeatInterval},
		{"presence.liveness_window", cfg.Presence.LivenessWindowRaw, &cfg.Presence.LivenessWindow},
		{"sweep.interval", cfg.Sweep.IntervalRaw, &cfg.Sweep.Interval},
		{"sweep.item_delay", cfg.Sweep.ItemDelayRaw, &cfg.Sweep.ItemDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tenant) == "" {
		return errors.New("tenant is required")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	switch c.Presence.Transport {
	case TransportHub:
	case TransportWebSocket:
		if c.Presence.URL == "" {
			return errors.New("presence.url is required for the websocket transport")
		}
	case TransportAMQP:
		if c.RabbitMQ.URL == "" {
			return errors.New("rabbitmq.url is required for the amqp presence transport")
		}
	default:
		return fmt.Errorf("presence.transport must be hub, websocket or amqp, got %q", c.Presence.Transport)
	}
	if c.Presence.MaxReconnectAttempts < 0 {
		return errors.New("presence.max_reconnect_attempts must be >= 0")
	}
	if c.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval must be positive")
	}
	if c.Presence.LivenessWindow <= 0 {
		return errors.New("presence.liveness_window must be positive")
	}

	if c.Sweep.Enabled {
		if c.Sweep.Interval <= 0 && c.Sweep.Schedule == "" {
			return errors.New("sweep.interval or sweep.schedule is required")
		}
		if c.Sweep.BatchSize <= 0 {
			return errors.New("sweep.batch_size must be positive")
		}
		if c.Sweep.ItemDelay < 0 {
			return errors.New("sweep.item_delay must be >= 0")
		}
	}

	if c.RabbitMQ.URL != "" && c.RabbitMQ.Queue == "" {
		return errors.New("rabbitmq.queue is required when rabbitmq.url is set")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}
