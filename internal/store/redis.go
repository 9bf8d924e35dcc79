package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saudabook/position-engine/internal/model"
)

const (
	positionListKey    = "stock:positions"
	snapshotKeyPattern = "pnl:snapshots:*"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the derived rows. Ledger reads and everything inside a unit of
// work go straight to the primary; derived-row keys touched by a unit of
// work are invalidated once it commits.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &trackingTx{}
	err := s.Store.WithinTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		return fn(tracked)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tracked)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, t *trackingTx) {
	var keys []string
	for k := range t.positions {
		keys = append(keys, positionKey(k))
	}
	if len(t.positions) > 0 {
		keys = append(keys, positionListKey)
	}
	for d := range t.snapshotDates {
		keys = append(keys, snapshotsKey(d))
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
		}
	}

	if t.snapshotsPruned {
		iter := s.rdb.Scan(ctx, 0, snapshotKeyPattern, 100).Iterator()
		for iter.Next(ctx) {
			s.rdb.Del(ctx, iter.Val())
		}
		if err := iter.Err(); err != nil {
			slog.Warn("cache snapshot sweep failed", "err", err)
		}
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStockPosition(ctx context.Context, key model.PositionKey) (*model.StockPosition, error) {
	data, err := s.rdb.Get(ctx, positionKey(key)).Bytes()
	if err == nil {
		var p model.StockPosition
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.Store.GetStockPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionKey(key), p)
	return p, nil
}

func (s *CachedStore) ListStockPositions(ctx context.Context) ([]model.StockPosition, error) {
	data, err := s.rdb.Get(ctx, positionListKey).Bytes()
	if err == nil {
		var positions []model.StockPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.Store.ListStockPositions(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionListKey, positions)
	return positions, nil
}

func (s *CachedStore) ListSnapshots(ctx context.Context, date time.Time) ([]model.PlusMinusSnapshot, error) {
	key := snapshotsKey(model.DateOf(date))
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snaps []model.PlusMinusSnapshot
		if json.Unmarshal(data, &snaps) == nil {
			return snaps, nil
		}
	}

	snaps, err := s.Store.ListSnapshots(ctx, date)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, snaps)
	return snaps, nil
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionKey(k model.PositionKey) string { return fmt.Sprintf("stock:position:%s", k) }
func snapshotsKey(d time.Time) string       { return "pnl:snapshots:" + d.Format(model.DateLayout) }

// trackingTx records which derived rows a unit of work rewrote.
type trackingTx struct {
	Tx
	positions       map[model.PositionKey]struct{}
	snapshotDates   map[time.Time]struct{}
	snapshotsPruned bool
}

func (t *trackingTx) UpsertStockPosition(ctx context.Context, p *model.StockPosition) error {
	if err := t.Tx.UpsertStockPosition(ctx, p); err != nil {
		return err
	}
	if t.positions == nil {
		t.positions = make(map[model.PositionKey]struct{})
	}
	t.positions[p.Key()] = struct{}{}
	return nil
}

func (t *trackingTx) ReplaceSnapshots(ctx context.Context, date time.Time, rows []model.PlusMinusSnapshot) error {
	if err := t.Tx.ReplaceSnapshots(ctx, date, rows); err != nil {
		return err
	}
	if t.snapshotDates == nil {
		t.snapshotDates = make(map[time.Time]struct{})
	}
	t.snapshotDates[model.DateOf(date)] = struct{}{}
	return nil
}

func (t *trackingTx) DeleteSnapshotsExcept(ctx context.Context, keep []time.Time) (int, error) {
	n, err := t.Tx.DeleteSnapshotsExcept(ctx, keep)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.snapshotsPruned = true
	}
	return n, nil
}
