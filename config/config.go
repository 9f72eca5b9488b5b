// Package config loads the bridge configuration from YAML with environment
// variable overrides for broker credentials and connection details.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reader backends.
const (
	BackendPCSC   = "pcsc"
	BackendLibnfc = "libnfc"
)

// Config is the complete bridge configuration.
type Config struct {
	Reader  ReaderConfig  `yaml:"reader"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ReaderConfig controls polling and the presence thresholds.
type ReaderConfig struct {
	// Backend selects the reader stack: "pcsc" (default) or "libnfc".
	Backend string `yaml:"backend"`

	// Device names the reader; empty picks the first attached one.
	Device string `yaml:"device"`

	PollIntervalMs     int `yaml:"poll_interval_ms"`
	OperationTimeoutMs int `yaml:"operation_timeout_ms"`

	// AbsentDebounce is the number of consecutive empty cycles before a
	// removal is confirmed.
	AbsentDebounce int `yaml:"absent_debounce"`

	// DecodeRetryLimit is the number of cycles an undecodable tag is
	// retried before it is reported identifier-only.
	DecodeRetryLimit int `yaml:"decode_retry_limit"`

	// UnavailableThreshold is the number of consecutive unreachable-reader
	// cycles before the reader is declared offline.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Host             string              `yaml:"host"`
	Port             int                 `yaml:"port"`
	Username         string              `yaml:"username"`
	Password         string              `yaml:"password"`
	ClientID         string              `yaml:"client_id"`
	TLS              bool                `yaml:"tls"`
	TopicPrefix      string              `yaml:"topic_prefix"`
	QoS              int                 `yaml:"qos"`
	DisableDiscovery bool                `yaml:"disable_discovery"`
	Reconnect        MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTReconnectConfig bounds the reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// ServerConfig controls the local status server.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	MDNS    bool `yaml:"mdns"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Load reads the configuration file at path, applies environment variable
// overrides and validates the result. An empty path skips the file and uses
// defaults plus environment only, matching a pure-env deployment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		Reader: ReaderConfig{
			Backend:              BackendPCSC,
			PollIntervalMs:       250,
			OperationTimeoutMs:   2000,
			AbsentDebounce:       3,
			DecodeRetryLimit:     5,
			UnavailableThreshold: 5,
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "nfc_tag_reader",
			TopicPrefix: "homeassistant/sensor/nfc_reader",
			QoS:         1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8570,
			MDNS:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyEnvOverrides applies environment variables over the file values,
// keeping the variable names the env-only deployments already use.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Port = port
		}
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Reader.Backend {
	case BackendPCSC, BackendLibnfc:
	default:
		errs = append(errs, fmt.Sprintf("reader.backend must be %q or %q, got %q",
			BackendPCSC, BackendLibnfc, c.Reader.Backend))
	}
	if c.Reader.PollIntervalMs <= 0 {
		errs = append(errs, "reader.poll_interval_ms must be positive")
	}
	if c.Reader.OperationTimeoutMs <= 0 {
		errs = append(errs, "reader.operation_timeout_ms must be positive")
	}
	if c.Reader.AbsentDebounce < 1 {
		errs = append(errs, "reader.absent_debounce must be at least 1")
	}
	if c.Reader.DecodeRetryLimit < 1 {
		errs = append(errs, "reader.decode_retry_limit must be at least 1")
	}
	if c.Reader.UnavailableThreshold < 1 {
		errs = append(errs, "reader.unavailable_threshold must be at least 1")
	}

	if c.MQTT.Host == "" {
		errs = append(errs, "mqtt.host cannot be empty")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Sprintf("mqtt.port must be 1-65535, got %d", c.MQTT.Port))
	}
	if c.MQTT.ClientID == "" {
		errs = append(errs, "mqtt.client_id cannot be empty")
	}
	if c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix cannot be empty")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must be at least the initial delay")
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetPollInterval returns the poll cadence as a duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Reader.PollIntervalMs) * time.Millisecond
}

// GetOperationTimeout returns the per-cycle reader timeout as a duration.
func (c *Config) GetOperationTimeout() time.Duration {
	return time.Duration(c.Reader.OperationTimeoutMs) * time.Millisecond
}

// GetReconnectInitialDelay returns the first reconnect delay as a duration.
func (c *Config) GetReconnectInitialDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.InitialDelay) * time.Second
}

// GetReconnectMaxDelay returns the reconnect delay ceiling as a duration.
func (c *Config) GetReconnectMaxDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.MaxDelay) * time.Second
}
