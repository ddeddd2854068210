// Package config loads process configuration from the environment and
// experiment profiles from YAML, validating structured sections against
// declared JSON-Schema shapes.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the bandit daemon.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string // sqlite path, or postgres URL with DATABASE_DRIVER=postgres
	DatabaseDriver string
	RedisAddr      string // empty disables the cache
	RedisPassword  string
	RedisDB        int
	OTLPEndpoint   string
	TelemetryOn    bool

	GuardrailInterval time.Duration // T_g
	GuardrailWindow   time.Duration // T_w
	DecisionInterval  time.Duration // T_d
	AttributionTick   time.Duration
	CacheTTL          time.Duration
	PolicyDeadline    time.Duration
	ServeDeadline     time.Duration
}

// Load reads configuration from environment variables with production
// defaults.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:    envOr("DATABASE_URL", "bandit.db"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		OTLPEndpoint:   envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryOn:    os.Getenv("TELEMETRY_ENABLED") == "true",

		GuardrailInterval: envDuration("GUARDRAIL_INTERVAL", 5*time.Minute),
		GuardrailWindow:   envDuration("GUARDRAIL_WINDOW", 60*time.Minute),
		DecisionInterval:  envDuration("DECISION_INTERVAL", 24*time.Hour),
		AttributionTick:   envDuration("ATTRIBUTION_TICK", time.Minute),
		CacheTTL:          envDuration("CACHE_TTL", 60*time.Second),
		PolicyDeadline:    envDuration("POLICY_DEADLINE", 50*time.Millisecond),
		ServeDeadline:     envDuration("SERVE_DEADLINE", 120*time.Millisecond),
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
