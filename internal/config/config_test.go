package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL", "LOG_LEVEL",
		"BACKFILL_CONCURRENCY", "SNAPSHOT_CRON", "REPAIR_CRON", "OVER_DELIVERY_TOLERANCE_KG"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 4, cfg.BackfillConcurrency)
	assert.Equal(t, "55 23 * * *", cfg.SnapshotCron)
	assert.True(t, cfg.OverDeliveryToleranceKg.IsZero())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BACKFILL_CONCURRENCY", "8")
	t.Setenv("REPAIR_CRON", "0 3 * * SUN")
	t.Setenv("OVER_DELIVERY_TOLERANCE_KG", "250")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 8, cfg.BackfillConcurrency)
	assert.Equal(t, "0 3 * * SUN", cfg.RepairCron)
	assert.Equal(t, "250", cfg.OverDeliveryToleranceKg.String())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_TTL", "soon")
	t.Setenv("LOG_LEVEL", "chatty")
	t.Setenv("BACKFILL_CONCURRENCY", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 4, cfg.BackfillConcurrency)
}

func TestLoad_RejectsBadCron(t *testing.T) {
	t.Setenv("SNAPSHOT_CRON", "every day")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsZeroConcurrency(t *testing.T) {
	t.Setenv("BACKFILL_CONCURRENCY", "0")

	_, err := Load()
	assert.Error(t, err)
}
