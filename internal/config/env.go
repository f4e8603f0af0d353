// Package config handles environment-based configuration loading and the
// hot-updatable runtime settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig holds the boot-time settings (not hot-updatable): the store
// connection string and the pool/cadence bounds a process needs before it
// can open anything.
type EnvConfig struct {
	// DBURL is the connection string / file path to the persistent store.
	DBURL string

	// FlushInterval is the duration between background flush ticks.
	FlushInterval time.Duration

	// EvictInterval is the idle TTL; also the eviction tick period.
	EvictInterval time.Duration

	// MaxConnections bounds the store connection pool.
	MaxConnections int
}

const (
	envDBURL          = "PG_DSN"
	envFlushInterval  = "FLUSH_INTERVAL"
	envEvictInterval  = "IDLE_TTL"
	envMaxConnections = "MAX_CONNECTIONS"

	defaultFlushIntervalSeconds = 10
	defaultEvictIntervalSeconds = 30
	defaultMaxConnections       = 5
)

// fileConfig mirrors EnvConfig for the optional latch.yaml file layer.
// Fields left zero-valued do not override the environment or the default.
type fileConfig struct {
	DBURL          string `yaml:"db_url"`
	FlushInterval  int    `yaml:"flush_interval"`
	EvictInterval  int    `yaml:"evict_interval"`
	MaxConnections int    `yaml:"max_connections"`
}

// LoadEnvConfig reads PG_DSN / FLUSH_INTERVAL / IDLE_TTL / MAX_CONNECTIONS
// from the environment, falling back to an optional YAML file at filePath
// (environment values take precedence over the file; a missing file is not
// an error). Returns a validated EnvConfig, or a single error joining every
// validation failure found.
func LoadEnvConfig(filePath string) (*EnvConfig, error) {
	var file fileConfig
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", filePath, err)
			}
		case os.IsNotExist(err):
			// no file layer; env and defaults only
		default:
			return nil, fmt.Errorf("config: read %s: %w", filePath, err)
		}
	}

	cfg := &EnvConfig{}
	var errs []string

	cfg.DBURL = strings.TrimSpace(envStr(envDBURL, file.DBURL))
	if cfg.DBURL == "" {
		errs = append(errs, fmt.Sprintf("%s must be set (or db_url in config file)", envDBURL))
	}

	flushSeconds := envInt(envFlushInterval, firstNonZero(file.FlushInterval, defaultFlushIntervalSeconds), &errs)
	evictSeconds := envInt(envEvictInterval, firstNonZero(file.EvictInterval, defaultEvictIntervalSeconds), &errs)
	cfg.MaxConnections = envInt(envMaxConnections, firstNonZero(file.MaxConnections, defaultMaxConnections), &errs)

	cfg.FlushInterval = time.Duration(flushSeconds) * time.Second
	cfg.EvictInterval = time.Duration(evictSeconds) * time.Second

	validatePositive(envFlushInterval, flushSeconds, &errs)
	validatePositive(envEvictInterval, evictSeconds, &errs)
	validatePositive(envMaxConnections, cfg.MaxConnections, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func firstNonZero(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be >= 1, got %d", name, value))
	}
}
