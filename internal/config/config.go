// Package config centralizes environment variables and tuning knobs for the
// engine binaries.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds connection strings, ports, and engine tuning parameters.
type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string

	PostgresDSN  string // empty -> in-memory store
	RedisURL     string // empty -> no cache layer
	KafkaBrokers string // empty -> in-memory audit recorder

	HTTPPort    string
	MetricsPort string

	// Exposure limiter caps for open-bet escrow.
	MaxBetPerStock    float64
	MaxBetPerCategory float64

	// Worker intervals.
	SettleInterval time.Duration
	DriftInterval  time.Duration
}

// Load reads environment variables with defaults.
func Load(serviceName string) Config {
	return Config{
		Env:         getEnv("ENV", "local"),
		ServiceName: serviceName,

		PostgresDSN:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),

		HTTPPort:    getEnv("PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),

		MaxBetPerStock:    getEnvFloat("MAX_BET_PER_STOCK", 500),
		MaxBetPerCategory: getEnvFloat("MAX_BET_PER_CATEGORY", 2000),

		SettleInterval: getEnvDuration("SETTLE_INTERVAL", time.Minute),
		DriftInterval:  getEnvDuration("DRIFT_INTERVAL", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
