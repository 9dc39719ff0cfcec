// Package config loads termchat configuration from YAML or JSON files with
// environment variable substitution and overrides. Effective precedence at
// a binary is: CLI flag > environment variable > config file > default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Relay   *RelayConfig   `yaml:"relay" json:"relay"`
	Chat    *ChatConfig    `yaml:"chat" json:"chat"`
	Logging *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
}

// RelayConfig configures the relay server binary.
type RelayConfig struct {
	BindAddr       string `yaml:"bind_addr" json:"bind_addr"`
	MaxPayloadSize int    `yaml:"max_payload_size" json:"max_payload_size"`
	MaxQueueSize   int    `yaml:"max_queue_size" json:"max_queue_size"`
}

// ChatConfig configures the client core.
type ChatConfig struct {
	RelayURL       string        `yaml:"relay_url" json:"relay_url"`
	HistoryLimit   int           `yaml:"history_limit" json:"history_limit"`
	AckTimeout     time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
	SendRetries    int           `yaml:"send_retries" json:"send_retries"`
	AckRetries     int           `yaml:"ack_retries" json:"ack_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// MetricsConfig configures the metrics/health HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LoadFromFile loads configuration from a YAML or JSON file, substitutes
// ${VAR} / ${VAR:default} references, and applies defaults and environment
// overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	substituteEnvVarsInConfig(cfg)
	setDefaults(cfg)
	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	ApplyEnvOverrides(cfg)
	return cfg
}

// ApplyEnvOverrides overrides config fields from the environment:
// RELAY_ADDR, RELAY_MAX_PAYLOAD_SIZE, RELAY_MAX_QUEUE_SIZE, LOG_LEVEL.
func ApplyEnvOverrides(cfg *Config) {
	if cfg.Relay != nil {
		if v := os.Getenv("RELAY_ADDR"); v != "" {
			cfg.Relay.BindAddr = v
		}
		if v := os.Getenv("RELAY_MAX_PAYLOAD_SIZE"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Relay.MaxPayloadSize = n
			}
		}
		if v := os.Getenv("RELAY_MAX_QUEUE_SIZE"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Relay.MaxQueueSize = n
			}
		}
	}
	if cfg.Logging != nil {
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			cfg.Logging.Level = v
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Relay == nil {
		cfg.Relay = &RelayConfig{}
	}
	if cfg.Relay.BindAddr == "" {
		cfg.Relay.BindAddr = "0.0.0.0:9000"
	}
	if cfg.Relay.MaxPayloadSize == 0 {
		cfg.Relay.MaxPayloadSize = 1 << 20
	}
	if cfg.Relay.MaxQueueSize == 0 {
		cfg.Relay.MaxQueueSize = 100
	}

	if cfg.Chat == nil {
		cfg.Chat = &ChatConfig{}
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = 256
	}
	if cfg.Chat.AckTimeout == 0 {
		cfg.Chat.AckTimeout = 10 * time.Second
	}
	if cfg.Chat.SendRetries == 0 {
		cfg.Chat.SendRetries = 1
	}
	if cfg.Chat.AckRetries == 0 {
		cfg.Chat.AckRetries = 1
	}
	if cfg.Chat.InitialBackoff == 0 {
		cfg.Chat.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Chat.MaxBackoff == 0 {
		cfg.Chat.MaxBackoff = 30 * time.Second
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9100"
	}
}

// Validate rejects configurations the binaries cannot run with.
func Validate(cfg *Config) error {
	if cfg.Relay != nil {
		if cfg.Relay.MaxPayloadSize < 0 {
			return fmt.Errorf("config: relay.max_payload_size must be positive")
		}
		if cfg.Relay.MaxQueueSize < 0 {
			return fmt.Errorf("config: relay.max_queue_size must be positive")
		}
		if !strings.Contains(cfg.Relay.BindAddr, ":") {
			return fmt.Errorf("config: relay.bind_addr %q is not host:port", cfg.Relay.BindAddr)
		}
	}
	return nil
}
