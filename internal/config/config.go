// Package config loads exporter and CLI settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings shared by the exporter and g3ctl. Flags default to
// these values.
type Config struct {
	Address          string
	ListenAddr       string
	LogLevel         string
	DiscoveryTimeout time.Duration
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	KafkaBrokers     []string
	KafkaTopic       string
	PostgresURI      string
	MQTTBroker       string
	MQTTTopicPrefix  string
	SQLitePath       string
}

// Load reads environment variables after loading files (".env" when none
// are given). Missing files are not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Address:     os.Getenv("G3_ADDRESS"),
		ListenAddr:  getEnv("G3_LISTEN", ":9998"),
		LogLevel:    strings.ToLower(getEnv("G3_LOG_LEVEL", "info")),
		KafkaTopic:  getEnv("G3_KAFKA_TOPIC", "g3-telemetry"),
		PostgresURI: os.Getenv("G3_POSTGRES_URI"),

		MQTTBroker:      os.Getenv("G3_MQTT_BROKER"),
		MQTTTopicPrefix: getEnv("G3_MQTT_TOPIC_PREFIX", "g3"),
		SQLitePath:      os.Getenv("G3_SQLITE_PATH"),
	}

	var err error
	if cfg.DiscoveryTimeout, err = parseDuration("G3_DISCOVERY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = parseDuration("G3_REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = parseDuration("G3_POLL_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}

	for _, b := range strings.Split(os.Getenv("G3_KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("G3_DISCOVERY_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("G3_POLL_INTERVAL must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("G3_KAFKA_TOPIC is required when G3_KAFKA_BROKERS is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
