package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Canopy agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AgentConfig identifies this agent and its place in the entity tree.
type AgentConfig struct {
	// TopicRoot is the first segment of every bus topic (default "cn").
	TopicRoot string `yaml:"topic_root"`

	// DeviceID is the main device identifier (default "main").
	DeviceID string `yaml:"device_id"`

	// ServiceID is the agent's own service entity identifier, registered
	// under the main device for health reporting (default "canopy-agent").
	ServiceID string `yaml:"service_id"`

	// DataDir is the root directory for local state: the SQLite database,
	// file-transfer storage, and workflow overrides live beneath it.
	DataDir string `yaml:"data_dir"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// WorkflowsConfig contains workflow definition settings.
type WorkflowsConfig struct {
	// Dir is the directory of TOML workflow definition files. Files here
	// override the built-in defaults and may introduce new command types.
	Dir string `yaml:"dir"`

	// DefaultStateTimeout is the per-state timeout (seconds) applied when a
	// definition does not declare one. Zero means no timeout.
	DefaultStateTimeout int `yaml:"default_state_timeout"`

	// HistoryRetentionDays is how long command transition history is kept
	// in SQLite before pruning. Zero disables pruning.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CANOPY_SECTION_KEY
// For example: CANOPY_DATABASE_PATH, CANOPY_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			TopicRoot: "cn",
			DeviceID:  "main",
			ServiceID: "canopy-agent",
			DataDir:   "./data",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "canopy-agent",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8008,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/canopy.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Workflows: WorkflowsConfig{
			Dir:                  "./data/workflows",
			DefaultStateTimeout:  3600,
			HistoryRetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CANOPY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANOPY_AGENT_TOPIC_ROOT"); v != "" {
		cfg.Agent.TopicRoot = v
	}
	if v := os.Getenv("CANOPY_AGENT_DATA_DIR"); v != "" {
		cfg.Agent.DataDir = v
	}

	if v := os.Getenv("CANOPY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CANOPY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("CANOPY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CANOPY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("CANOPY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CANOPY_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("CANOPY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("CANOPY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.TopicRoot == "" {
		errs = append(errs, "agent.topic_root is required")
	} else if strings.ContainsAny(c.Agent.TopicRoot, "/+#") {
		errs = append(errs, "agent.topic_root must be a single topic segment")
	}
	if c.Agent.DeviceID == "" {
		errs = append(errs, "agent.device_id is required")
	}
	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetDefaultStateTimeout returns the default workflow state timeout as a Duration.
func (c *Config) GetDefaultStateTimeout() time.Duration {
	return time.Duration(c.Workflows.DefaultStateTimeout) * time.Second
}
