// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8000"`
	TokenHash    string        `env:"API_TOKEN_HASH"`
	EntriesFile  string        `env:"ENTRIES_FILE" envDefault:"entries.yaml"`
	ScanInterval time.Duration `env:"SCAN_INTERVAL" envDefault:"30s"`

	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Mqtt     MqttConfig     `envPrefix:"MQTT_"`
	Cleanup  CleanupConfig  `envPrefix:"CLEANUP_"`
}

type DatabaseConfig struct {
	URL              string `env:"URL"`
	MigrationsFolder string `env:"MIGRATIONS_FOLDER" envDefault:"migrations"`
}

func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

type MqttConfig struct {
	Host            string `env:"HOST"`
	Username        string `env:"USER"`
	Password        string `env:"PASS"`
	ClientID        string `env:"CLIENT_ID" envDefault:"pollbridge"`
	DiscoveryPrefix string `env:"DISCOVERY_PREFIX" envDefault:"homeassistant"`
}

func (c MqttConfig) Enabled() bool {
	return c.Host != ""
}

type CleanupConfig struct {
	Schedule  string        `env:"SCHEDULE" envDefault:"CRON_TZ=UTC 0 3 * * *"`
	Retention time.Duration `env:"RETENTION" envDefault:"720h"`
}

var errInvalidConfig = errors.New("invalid config")

// Load parses the environment. environ overrides the process environment
// when not nil.
func Load(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: SCAN_INTERVAL must be positive", errInvalidConfig)
	}
	if c.Cleanup.Retention <= 0 {
		return fmt.Errorf("%w: CLEANUP_RETENTION must be positive", errInvalidConfig)
	}
	if c.EntriesFile == "" {
		return fmt.Errorf("%w: ENTRIES_FILE is required", errInvalidConfig)
	}
	return nil
}
