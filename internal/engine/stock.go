package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/quantity"
	"github.com/saudabook/position-engine/internal/store"
)

// RecalculateStock rebuilds the stock position for key from the ledgers and
// upserts it. The caller should hold the key's lock; LockKeys takes it.
func RecalculateStock(ctx context.Context, tx store.Tx, key model.PositionKey) (*model.StockPosition, error) {
	purchased, err := tx.SumContractPacks(ctx, key, model.Purchase)
	if err != nil {
		return nil, fmt.Errorf("sum purchases %s: %w", key, err)
	}
	sold, err := tx.SumContractPacks(ctx, key, model.Sale)
	if err != nil {
		return nil, fmt.Errorf("sum sales %s: %w", key, err)
	}
	loadedPurchaseKg, err := tx.SumLoadedKg(ctx, key, model.Purchase)
	if err != nil {
		return nil, fmt.Errorf("sum purchase loadings %s: %w", key, err)
	}
	loadedSaleKg, err := tx.SumLoadedKg(ctx, key, model.Sale)
	if err != nil {
		return nil, fmt.Errorf("sum sale loadings %s: %w", key, err)
	}

	pos := &model.StockPosition{
		ItemID:              key.ItemID,
		PlantID:             key.PlantID,
		TotalPurchasePacks:  purchased,
		TotalSalePacks:      sold,
		LoadedPurchasePacks: quantity.FromKg(loadedPurchaseKg).Packs(),
		LoadedSalePacks:     quantity.FromKg(loadedSaleKg).Packs(),
	}
	if err := tx.UpsertStockPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("upsert position %s: %w", key, err)
	}
	return pos, nil
}

// LockKeys takes the position lock on every distinct key in PositionKey.Less
// order. Locks are re-entrant within one unit of work.
func LockKeys(ctx context.Context, tx store.Tx, keys ...model.PositionKey) error {
	for _, k := range sortedKeys(keys) {
		if err := tx.LockPosition(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(keys []model.PositionKey) []model.PositionKey {
	seen := make(map[model.PositionKey]bool, len(keys))
	out := make([]model.PositionKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
