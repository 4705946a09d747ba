// Package config loads the hub and client settings from a yaml file. Values
// may reference the environment as ${VAR} or ${VAR:default}, a .env file in
// the working directory is loaded first.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration
type Config struct {
	Hub             HubConfig      `yaml:"hub"`
	Database        DatabaseConfig `yaml:"database"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	Client          ClientConfig   `yaml:"client"`
	Log             LogConfig      `yaml:"log"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
}

// HubConfig configures the realtime hub
type HubConfig struct {
	Listen string `yaml:"listen"`
	WSPath string `yaml:"ws_path"`
	// BroadcastInterval of 0 disables the periodic snapshot
	BroadcastInterval Duration `yaml:"broadcast_interval"`
	DiscoveryInterval Duration `yaml:"discovery_interval"`
	SendQueue         int      `yaml:"send_queue"`
}

// DatabaseConfig holds the sqlite location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig configures the Shelly driver. When disabled the hub runs with
// the in-memory driver.
type MQTTConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Broker       string  `yaml:"broker"`
	ClientID     string  `yaml:"client_id"`
	TopicPrefix  string  `yaml:"topic_prefix"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// ClientConfig configures the realtime channel client
type ClientConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	RetryDelay      Duration `yaml:"retry_delay"`
	MaxRetryDelay   Duration `yaml:"max_retry_delay"`
	RetryMultiplier float64  `yaml:"retry_multiplier"`
	SyncOnConnect   bool     `yaml:"sync_on_connect"`
}

// LogConfig selects level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Hub: HubConfig{
			Listen:            ":8000",
			WSPath:            "/ws",
			BroadcastInterval: Duration(5 * time.Second),
			DiscoveryInterval: Duration(5 * time.Second),
			SendQueue:         256},
		Database: DatabaseConfig{Path: "./homelab.sqlite"},
		MQTT: MQTTConfig{
			Broker:       "tcp://localhost:1883",
			TopicPrefix:  "shellies",
			RateLimitRPS: 20},
		Client: ClientConfig{
			Endpoint:        "ws://localhost:8000/ws",
			RetryDelay:      Duration(3 * time.Second),
			MaxRetryDelay:   Duration(time.Minute),
			RetryMultiplier: 1,
			SyncOnConnect:   true},
		Log:             LogConfig{Level: "info"},
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// Load reads and parses the configuration file. An empty path or a missing
// file yields the defaults. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the hub or client misbehave
func (c *Config) Validate() error {
	switch {
	case c.Hub.Listen == "":
		return errors.New("hub.listen is required")
	case c.Hub.SendQueue <= 0:
		return fmt.Errorf("hub.send_queue must be positive, got %d", c.Hub.SendQueue)
	case c.Hub.BroadcastInterval < 0 || c.Hub.DiscoveryInterval < 0:
		return errors.New("hub intervals cannot be negative")
	case c.Client.RetryDelay <= 0:
		return errors.New("client.retry_delay must be positive")
	case c.Client.RetryMultiplier != 0 && c.Client.RetryMultiplier < 1:
		return fmt.Errorf("client.retry_multiplier must be >= 1, got %v", c.Client.RetryMultiplier)
	case c.MQTT.Enabled && c.MQTT.Broker == "":
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return defaultVal
	})
}
