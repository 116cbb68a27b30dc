// Package config loads the agentrelay server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
	Agent        agent.Character    `yaml:"agent"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Streaming    StreamingConfig    `yaml:"streaming"`
	Session      SessionConfig      `yaml:"session"`
	Hub          HubConfig          `yaml:"hub"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Logging      logging.Config     `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AdminConfig configures the metrics/health listener.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// Provider is one of openai, gemini, mock.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// Project and Location select Vertex AI for the gemini provider.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

// OrchestratorConfig bounds the multi-step loop.
type OrchestratorConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	SummaryRetries int           `yaml:"summary_retries"`
	SummaryBackoff time.Duration `yaml:"summary_backoff"`
	HistoryLimit   int           `yaml:"history_limit"`
}

// StreamingConfig controls model streaming for user-visible output.
type StreamingConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// StreamingEnabled reports whether user-visible output is streamed.
func (c *Config) StreamingEnabled() bool {
	return c.Streaming.Enabled == nil || *c.Streaming.Enabled
}

// SessionConfig configures the session registry and its store.
type SessionConfig struct {
	// Store is "memory" or "redis".
	Store    string      `yaml:"store"`
	ServerID string      `yaml:"server_id"`
	Redis    RedisConfig `yaml:"redis"`

	TimeoutMinutes          int   `yaml:"timeout_minutes"`
	MaxDurationMinutes      int   `yaml:"max_duration_minutes"`
	WarningThresholdMinutes int   `yaml:"warning_threshold_minutes"`
	AutoRenew               *bool `yaml:"auto_renew"`

	// SweepSchedule is a cron spec, e.g. "@every 1m".
	SweepSchedule string `yaml:"sweep_schedule"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// HubConfig configures the real-time hub.
type HubConfig struct {
	StreamTimeout  time.Duration `yaml:"stream_timeout"`
	SeenLimit      int           `yaml:"seen_limit"`
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// RuntimeConfig configures the agent runtime.
type RuntimeConfig struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	BusBuffer         int           `yaml:"bus_buffer"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
}

// RateLimitConfig configures request throttling on message posts.
type RateLimitConfig struct {
	Enabled           bool                   `yaml:"enabled"`
	RequestsPerSecond float64                `yaml:"requests_per_second"`
	Burst             int                    `yaml:"burst"`
	GlobalPerSecond   float64                `yaml:"global_per_second"`
	Actions           map[string]ActionLimit `yaml:"actions"`
}

// ActionLimit is a per-action execution limit.
type ActionLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
}

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file. An empty path yields the
// defaults with environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}

	if c.Agent.ID == "" {
		c.Agent.ID = "agent"
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "Relay"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "mock"
	}

	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 6
	}
	if c.Orchestrator.SummaryRetries == 0 {
		c.Orchestrator.SummaryRetries = 3
	}
	if c.Orchestrator.SummaryBackoff == 0 {
		c.Orchestrator.SummaryBackoff = 500 * time.Millisecond
	}
	if c.Orchestrator.HistoryLimit == 0 {
		c.Orchestrator.HistoryLimit = 20
	}

	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Session.ServerID == "" {
		c.Session.ServerID = "00000000-0000-0000-0000-000000000000"
	}
	if c.Session.Redis.KeyPrefix == "" {
		c.Session.Redis.KeyPrefix = "agentrelay:"
	}
	if c.Session.TimeoutMinutes == 0 {
		c.Session.TimeoutMinutes = 30
	}
	if c.Session.MaxDurationMinutes == 0 {
		c.Session.MaxDurationMinutes = 720
	}
	if c.Session.WarningThresholdMinutes == 0 {
		c.Session.WarningThresholdMinutes = 5
	}
	if c.Session.AutoRenew == nil {
		autoRenew := true
		c.Session.AutoRenew = &autoRenew
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = "@every 1m"
	}

	if c.Hub.StreamTimeout == 0 {
		c.Hub.StreamTimeout = 30 * time.Second
	}
	if c.Hub.SeenLimit == 0 {
		c.Hub.SeenLimit = 1000
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = 256
	}
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = 30 * time.Second
	}
	if c.Hub.MaxMessageSize == 0 {
		c.Hub.MaxMessageSize = 1 << 20
	}

	if c.Runtime.MaxConcurrentRuns == 0 {
		c.Runtime.MaxConcurrentRuns = 16
	}
	if c.Runtime.BusBuffer == 0 {
		c.Runtime.BusBuffer = 128
	}
	if c.Runtime.RunTimeout == 0 {
		c.Runtime.RunTimeout = 5 * time.Minute
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentrelay"
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
		c.Session.Store = "redis"
	}
	if v := os.Getenv("MAX_MULTISTEP_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_MULTISTEP_ITERATIONS %q: %w", v, err)
		}
		c.Orchestrator.MaxIterations = n
	}

	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if err := c.Agent.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}

	switch c.LLM.Provider {
	case "mock":
	case "openai":
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm: api_key (or OPENAI_API_KEY) is required for openai"))
		}
	case "gemini":
		if c.LLM.APIKey == "" && c.LLM.Project == "" {
			errs = append(errs, errors.New("llm: api_key (or GEMINI_API_KEY) or project is required for gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm: unknown provider %q", c.LLM.Provider))
	}

	if c.Orchestrator.MaxIterations < 1 {
		errs = append(errs, errors.New("orchestrator: max_iterations must be at least 1"))
	}
	if c.Orchestrator.SummaryRetries < 1 {
		errs = append(errs, errors.New("orchestrator: summary_retries must be at least 1"))
	}

	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session: redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("session: unknown store %q", c.Session.Store))
	}

	if c.Runtime.MaxConcurrentRuns < 1 {
		errs = append(errs, errors.New("runtime: max_concurrent_runs must be at least 1"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	return errors.Join(errs...)
}
