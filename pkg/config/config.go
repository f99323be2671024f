// Package config provides configuration loading and validation for agentd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agentd configuration. Zero values take defaults from
// Default(); LoadFromFile overlays a YAML file on top of them.
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Agent        AgentConfig        `yaml:"agent"`
	Notify       NotifyConfig       `yaml:"notify"`
	Archive      ArchiveConfig      `yaml:"archive"`
	HTTP         HTTPConfig         `yaml:"http"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// RedisConfig describes the coordination store connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialAttempts int           `yaml:"dial_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	StreamCap    int64         `yaml:"stream_cap"`
}

// AgentConfig describes how agent processes are spawned.
type AgentConfig struct {
	Kind            string        `yaml:"kind"`
	Binary          string        `yaml:"binary"`
	ExtraArgs       []string      `yaml:"extra_args"`
	AllowedWorkdirs []string      `yaml:"allowed_workdirs"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
}

// NotifyConfig tunes notification batching and delivery.
type NotifyConfig struct {
	Debounce   time.Duration `yaml:"debounce"`
	MaxBatch   int           `yaml:"max_batch"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Recipient  string        `yaml:"recipient"`
	WebhookURL string        `yaml:"webhook_url"`
}

// ArchiveConfig locates the terminal-record archive.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the health and metrics endpoint.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig points at the Prometheus server that scrapes agentd.
// When PrometheusURL is empty the per-run metrics endpoints are disabled.
type MetricsConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

// OrchestratorConfig tunes the coordinator loop.
type OrchestratorConfig struct {
	StalledAfter  time.Duration `yaml:"stalled_after"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialAttempts: 5,
			BackoffBase:  1 * time.Second,
			BackoffCap:   30 * time.Second,
			StreamCap:    1000,
		},
		Agent: AgentConfig{
			Kind:            "claude",
			QueueCapacity:   100,
			WatchdogTimeout: 10 * time.Minute,
			GracePeriod:     5 * time.Second,
		},
		Notify: NotifyConfig{
			Debounce:   500 * time.Millisecond,
			MaxBatch:   5,
			Retries:    3,
			RetryDelay: 1 * time.Second,
			Recipient:  "operator",
		},
		Archive: ArchiveConfig{
			Path: "agentd.db",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8090",
		},
		Orchestrator: OrchestratorConfig{
			StalledAfter:  5 * time.Minute,
			CheckInterval: 30 * time.Second,
		},
	}
}

// LoadFromFile reads a YAML file over the defaults and validates the
// result.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants a running daemon depends on.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if len(c.Agent.AllowedWorkdirs) == 0 {
		return fmt.Errorf("agent.allowed_workdirs must list at least one directory")
	}
	for _, dir := range c.Agent.AllowedWorkdirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("agent.allowed_workdirs entry %q must be absolute", dir)
		}
	}
	if c.Agent.QueueCapacity <= 0 {
		return fmt.Errorf("agent.queue_capacity must be positive")
	}
	if c.Agent.GracePeriod <= 0 {
		return fmt.Errorf("agent.grace_period must be positive")
	}
	if c.Notify.MaxBatch <= 0 {
		return fmt.Errorf("notify.max_batch must be positive")
	}
	if c.Archive.Path == "" {
		return fmt.Errorf("archive.path must not be empty")
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr must not be empty")
	}
	if c.Orchestrator.StalledAfter <= 0 {
		return fmt.Errorf("orchestrator.stalled_after must be positive")
	}
	return nil
}
