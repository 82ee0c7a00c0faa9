// Package config reads settings from the environment, optionally seeded
// from a .env file. Command-line flags use these values as their defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const Prefix = "TRAINQ_"

type Config struct {
	Queue          string
	Store          string
	RedisNamespace string

	// Platform
	Project        string
	Region         string
	Kubeconfig     string
	Image          string
	ServiceAccount string

	// Orchestrator
	PollInterval time.Duration
	MaxRuntime   time.Duration
	VerifyGrace  time.Duration
	Retention    int
	LeaseTTL     time.Duration

	// Observability
	MetricsAddr string
	Pushgateway string
	LogLevel    string
	LogFormat   string

	// Runner
	ModelCmd string
	WorkDir  string
}

// Load reads envFile when it exists and then the environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Queue:          envOr("QUEUE", "default"),
		Store:          envOr("STORE", "file:///var/lib/trainq"),
		RedisNamespace: envOr("REDIS_NAMESPACE", "trq:"),

		Project:        envOr("PROJECT", "default"),
		Region:         envOr("REGION", ""),
		Kubeconfig:     envOr("KUBECONFIG", os.Getenv("KUBECONFIG")),
		Image:          envOr("IMAGE", "trainq-runner:latest"),
		ServiceAccount: envOr("SERVICE_ACCOUNT", ""),

		PollInterval: envDuration("POLL_INTERVAL", 15*time.Second),
		MaxRuntime:   envDuration("MAX_RUNTIME", 6*time.Hour),
		VerifyGrace:  envDuration("VERIFY_GRACE", 60*time.Second),
		Retention:    envInt("RETENTION", 10),
		LeaseTTL:     envDuration("LEASE_TTL", 2*time.Minute),

		MetricsAddr: envOr("METRICS_ADDR", ":2113"),
		Pushgateway: envOr("PUSHGATEWAY", ""),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		ModelCmd: envOr("MODEL_CMD", ""),
		WorkDir:  envOr("WORK_DIR", os.TempDir()),
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(Prefix + key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(Prefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(Prefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// EnvBool reads a TRAINQ_ boolean; "true" and "false" in any case.
func EnvBool(key string, def bool) bool {
	if v := os.Getenv(Prefix + key); v != "" {
		var b bool
		if err := json.Unmarshal([]byte(strings.ToLower(v)), &b); err == nil {
			return b
		}
	}
	return def
}
