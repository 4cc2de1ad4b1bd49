package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	NumWorkers    int
	VerifyWorkers int

	DeliveryTimeout time.Duration

	HealthRetryInterval time.Duration
	CleanupInterval     time.Duration
	EventRetention      time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		NumWorkers:          getEnvInt("NUM_WORKERS", 50),
		VerifyWorkers:       getEnvInt("VERIFY_WORKERS", 4),
		DeliveryTimeout:     getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second),
		HealthRetryInterval: getEnvDuration("HEALTH_RETRY_INTERVAL", 30*time.Minute),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
		EventRetention:      getEnvDuration("EVENT_RETENTION", 90*24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
