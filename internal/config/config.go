// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty runs on the in-memory store
	RedisURL    string // empty disables the cache and uses an in-process backfill lock
	CacheTTL    time.Duration
	LogLevel    slog.Level

	BackfillConcurrency int
	BackfillLockTTL     time.Duration

	SnapshotCron string // daily snapshot for today; empty disables
	RepairCron   string // full stock + P&L rebuild; empty disables

	OverDeliveryToleranceKg    decimal.Decimal
	OverDeliveryToleranceRatio decimal.Decimal
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", "8080"),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		RedisURL:                   getEnv("REDIS_URL", ""),
		CacheTTL:                   getEnvAsDuration("CACHE_TTL", 30*time.Second),
		LogLevel:                   getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
		BackfillConcurrency:        getEnvAsInt("BACKFILL_CONCURRENCY", 4),
		BackfillLockTTL:            getEnvAsDuration("BACKFILL_LOCK_TTL", time.Minute),
		SnapshotCron:               getEnv("SNAPSHOT_CRON", "55 23 * * *"),
		RepairCron:                 getEnv("REPAIR_CRON", ""),
		OverDeliveryToleranceKg:    getEnvAsDecimal("OVER_DELIVERY_TOLERANCE_KG", decimal.Zero),
		OverDeliveryToleranceRatio: getEnvAsDecimal("OVER_DELIVERY_TOLERANCE_RATIO", decimal.Zero),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.BackfillConcurrency < 1 {
		return fmt.Errorf("BACKFILL_CONCURRENCY must be at least 1, got %d", c.BackfillConcurrency)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	for name, expr := range map[string]string{"SNAPSHOT_CRON": c.SnapshotCron, "REPAIR_CRON": c.RepairCron} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("%s %q: %w", name, expr, err)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(getEnv(key, "")))); err != nil {
		return defaultValue
	}
	return level
}
