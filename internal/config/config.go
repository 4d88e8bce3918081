// Package config loads agent configuration from a YAML file, a .env file
// and environment variables, in that precedence order, following the same
// load sequence the rest of the pack uses for its services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sentrypoint/agent/internal/core"
	"github.com/sentrypoint/agent/internal/logger"
)

// AgentConfig controls connectivity and dispatch behavior.
type AgentConfig struct {
	ServerURL              string `yaml:"server_url" env:"AGENT_SERVER_URL"`
	UUID                   string `yaml:"uuid" env:"AGENT_UUID"`
	Key                    string `yaml:"key" env:"AGENT_KEY"`
	VerificationMode       string `yaml:"verification_mode" env:"AGENT_VERIFICATION_MODE"`
	RetryIntervalMS        int    `yaml:"retry_interval_ms" env:"AGENT_RETRY_INTERVAL_MS"`
	CommandsRequestTimeout int    `yaml:"commands_request_timeout_ms" env:"AGENT_COMMANDS_REQUEST_TIMEOUT_MS"`
}

// EventsConfig controls the multi-queue's batching behavior.
type EventsConfig struct {
	BatchSizeBytes int `yaml:"batch_size_bytes" env:"AGENT_EVENTS_BATCH_SIZE_BYTES"`
}

// DatabaseConfig controls the embedded persistence layer. The queue and the
// command store each exclusively own their underlying SQLite file, so each
// gets its own path.
type DatabaseConfig struct {
	Path         string `yaml:"path" env:"AGENT_DATABASE_PATH"`
	CommandsPath string `yaml:"commands_path" env:"AGENT_DATABASE_COMMANDS_PATH"`
}

// RuntimeConfig controls the local Instance Listener socket.
type RuntimeConfig struct {
	SocketPath string `yaml:"socket_path" env:"AGENT_RUNTIME_SOCKET_PATH"`
}

// Config is the top-level agent configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Events   EventsConfig   `yaml:"events"`
	Database DatabaseConfig `yaml:"database"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Logging  logger.Config  `yaml:"logging"`
}

// New returns a Config populated with defaults matching the documented
// bounds (batch_size_bytes clamps to [1000, 100_000_000], commands request
// timeout clamps to [10s, 15m]).
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			VerificationMode:       "full",
			RetryIntervalMS:        60_000,
			CommandsRequestTimeout: 60_000,
		},
		Events: EventsConfig{
			BatchSizeBytes: 1_000_000,
		},
		Database: DatabaseConfig{
			Path:         "queue/agent.db",
			CommandsPath: "queue/commands.db",
		},
		Runtime: RuntimeConfig{
			SocketPath: "run/agent.sock",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration the same way the rest of the pack does: a .env
// file, then CONFIG_FILE (or configs/agent.yaml) as YAML, then environment
// variable overrides, finishing with a normalize() pass that clamps
// bounded fields.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/agent.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a specific YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Events.BatchSizeBytes = core.ClampLimit(c.Events.BatchSizeBytes, 1_000_000, 100_000_000)
	if c.Events.BatchSizeBytes < 1000 {
		c.Events.BatchSizeBytes = 1000
	}

	timeout := core.ClampLimit(c.Agent.CommandsRequestTimeout, 60_000, 900_000)
	if timeout < 10_000 {
		timeout = 10_000
	}
	c.Agent.CommandsRequestTimeout = timeout

	switch c.Agent.VerificationMode {
	case "none", "certificate", "full":
	default:
		c.Agent.VerificationMode = "full"
	}
}
