// Package config provides configuration for the rebaser daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// Listen is the address the HTTP API listens on (e.g., ":7448").
	Listen string `yaml:"listen"`
	// DataDir holds the SQLite database.
	DataDir string `yaml:"dataDir"`
	// Env is "development" or "production"; it selects the log encoder.
	Env string `yaml:"env"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// Version is the server version string.
	Version string `yaml:"version"`

	// QuiescentPeriod is how long an idle change set worker lives.
	QuiescentPeriod time.Duration `yaml:"quiescentPeriod"`
	// PollInterval is how often the queue is scanned for stranded requests.
	PollInterval time.Duration `yaml:"pollInterval"`
	// MaxAttempts bounds redeliveries of a transiently failing request.
	MaxAttempts int `yaml:"maxAttempts"`
	// RequestTimeout bounds the handling of one request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// SnapshotEvictionGrace is the minimum age of an evicted snapshot.
	SnapshotEvictionGrace time.Duration `yaml:"snapshotEvictionGrace"`
	// SnapshotCacheSize is the number of decoded snapshots kept in memory.
	SnapshotCacheSize int `yaml:"snapshotCacheSize"`
	// ActionConcurrency bounds in-flight actions per workspace head.
	ActionConcurrency int `yaml:"actionConcurrency"`
	// DependentValueDebounce coalesces dependent-value signals per change set.
	DependentValueDebounce time.Duration `yaml:"dependentValueDebounce"`
	// WaitTimeout bounds how long an enqueue with ?wait=1 waits for its reply.
	WaitTimeout time.Duration `yaml:"waitTimeout"`
}

// FromEnv creates a Config from environment variables. A .env file in the
// working directory is loaded first when present; variables already set
// take precedence over it.
func FromEnv() *Config {
	_ = godotenv.Load()

	return &Config{
		Listen:                 getEnv("REBASER_LISTEN", ":7448"),
		DataDir:                getEnv("REBASER_DATA", "./data"),
		Env:                    getEnv("REBASER_ENV", "development"),
		Debug:                  getEnvBool("REBASER_DEBUG", false),
		Version:                getEnv("REBASER_VERSION", "0.1.0"),
		QuiescentPeriod:        getEnvDuration("REBASER_QUIESCENT_PERIOD", 60*time.Second),
		PollInterval:           getEnvDuration("REBASER_POLL_INTERVAL", time.Second),
		MaxAttempts:            getEnvInt("REBASER_MAX_ATTEMPTS", 5),
		RequestTimeout:         getEnvDuration("REBASER_REQUEST_TIMEOUT", 30*time.Second),
		SnapshotEvictionGrace:  getEnvDuration("REBASER_SNAPSHOT_GRACE", 5*time.Minute),
		SnapshotCacheSize:      getEnvInt("REBASER_SNAPSHOT_CACHE", 64),
		ActionConcurrency:      getEnvInt("REBASER_ACTION_CONCURRENCY", 10),
		DependentValueDebounce: getEnvDuration("REBASER_DVU_DEBOUNCE", 250*time.Millisecond),
		WaitTimeout:            getEnvDuration("REBASER_WAIT_TIMEOUT", 30*time.Second),
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.Env != "development" && c.Env != "production" {
		errs = append(errs, fmt.Errorf("env must be development or production, got %q", c.Env))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be at least 1, got %d", c.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"quiescentPeriod": c.QuiescentPeriod,
		"pollInterval":    c.PollInterval,
		"requestTimeout":  c.RequestTimeout,
		"waitTimeout":     c.WaitTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.SnapshotEvictionGrace < 0 {
		errs = append(errs, fmt.Errorf("snapshotEvictionGrace must not be negative, got %s", c.SnapshotEvictionGrace))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
