// Package app wires storage, locking and the recalculation engine from
// configuration. Both the API server and the backfill command build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/saudabook/position-engine/internal/backfill"
	"github.com/saudabook/position-engine/internal/config"
	"github.com/saudabook/position-engine/internal/engine"
	"github.com/saudabook/position-engine/internal/overdelivery"
	"github.com/saudabook/position-engine/internal/store"
)

// Stack is everything a process needs to read the ledgers and run
// recalculations.
type Stack struct {
	Store    store.Store
	Triggers *engine.Triggers
	Runner   *backfill.Runner

	cleanup []func()
}

// New connects to PostgreSQL (applying the schema) and, when configured,
// Redis. Without DATABASE_URL it falls back to the in-memory store; without
// REDIS_URL the backfill lock is process-local.
func New(ctx context.Context, cfg *config.Config) (*Stack, error) {
	s := &Stack{}
	var locker backfill.Locker = backfill.NewLocalLocker()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		s.cleanup = append(s.cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.Store = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			s.cleanup = append(s.cleanup, func() { rdb.Close() })
			s.Store = store.NewCachedStore(s.Store, rdb, cfg.CacheTTL)
			locker = backfill.NewRedisLocker(rdb, cfg.BackfillLockTTL)
			slog.Info("Redis cache and backfill lock enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		s.Store = store.NewMemoryStore()
	}

	detector := overdelivery.NewDetector(cfg.OverDeliveryToleranceKg, cfg.OverDeliveryToleranceRatio)
	s.Triggers = engine.NewTriggers(detector)
	s.Runner = backfill.NewRunner(s.Store, s.Triggers, locker, cfg.BackfillConcurrency)
	return s, nil
}

// Close releases connections in reverse order of acquisition.
func (s *Stack) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}
