// Package config loads broker-wide settings from environment variables and
// an optional config file, the same layered way internal/common/config does
// it in the teacher repo.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the broker reads at startup. Per-provider and
// per-session values (commands, env allow-lists) live in the Agent Registry,
// not here.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// AgentsConfig points at the Agent Registry's provider definitions.
type AgentsConfig struct {
	RegistryPath string `mapstructure:"registryPath"`
}

// BrokerConfig holds broker tuning values. Only the idle timeout (pool) and
// the coalescer tick reach the broker; HistoryBufferCapacity and the two
// loadSession retry fields are loaded and defaulted but not read elsewhere,
// and the session history buffer has no size limit.
type BrokerConfig struct {
	IdleTimeoutSeconds    int `mapstructure:"idleTimeoutSeconds"`
	CoalesceTickMillis    int `mapstructure:"coalesceTickMillis"`
	HistoryBufferCapacity int `mapstructure:"historyBufferCapacity"`
	LoadSessionRetries    int `mapstructure:"loadSessionRetries"`
	LoadSessionRetryGapMs int `mapstructure:"loadSessionRetryGapMillis"`
}

// LoggingConfig mirrors logging.Config but stays mapstructure-tagged here so
// viper can unmarshal directly into it.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// GatewayConfig controls the demo HTTP+WebSocket front end.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig controls the SQLite-backed Conversation Store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig controls the optional NATS-backed event Transport.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// MCPConfig controls the optional MCP tool server that exposes broker
// operations to MCP-speaking clients (Claude Desktop, Cursor, Codex). A
// zero Port disables it.
type MCPConfig struct {
	Port int `mapstructure:"port"`
}

// IdleTimeout returns BrokerConfig.IdleTimeoutSeconds as a Duration.
func (b BrokerConfig) IdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeoutSeconds) * time.Second
}

// CoalesceTick returns BrokerConfig.CoalesceTickMillis as a Duration.
func (b BrokerConfig) CoalesceTick() time.Duration {
	return time.Duration(b.CoalesceTickMillis) * time.Millisecond
}

// LoadSessionRetryGap returns the gap between loadSession attempts.
func (b BrokerConfig) LoadSessionRetryGap() time.Duration {
	return time.Duration(b.LoadSessionRetryGapMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.idleTimeoutSeconds", 60)
	v.SetDefault("broker.coalesceTickMillis", 16)
	v.SetDefault("broker.historyBufferCapacity", 500)
	v.SetDefault("broker.loadSessionRetries", 2)
	v.SetDefault("broker.loadSessionRetryGapMillis", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8910)

	v.SetDefault("database.path", "./agentbroker.db")

	v.SetDefault("nats.url", "")

	v.SetDefault("agents.registryPath", "./providers.yaml")

	v.SetDefault("mcp.port", 0)
}

// Load reads configuration from defaults, an optional config.yaml, and
// AGENTBROKER_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load but searches configPath first for config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("broker.idleTimeoutSeconds", "AGENTBROKER_IDLE_TIMEOUT_SECONDS")
	_ = v.BindEnv("logging.level", "AGENTBROKER_LOG_LEVEL")
	_ = v.BindEnv("gateway.port", "AGENTBROKER_GATEWAY_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbroker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Broker.IdleTimeoutSeconds <= 0 {
		errs = append(errs, "broker.idleTimeoutSeconds must be positive")
	}
	if cfg.Broker.CoalesceTickMillis <= 0 {
		errs = append(errs, "broker.coalesceTickMillis must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
