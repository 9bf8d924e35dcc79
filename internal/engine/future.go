package engine

import (
	"context"
	"sort"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/store"
)

// FuturePnL computes P&L over contracts that have started loading and are
// still pending, per position. It filters by fulfillment status rather than
// by date and is not reconciled with the dated snapshots. Nothing is stored.
func FuturePnL(ctx context.Context, r store.Reader) ([]model.FuturePnL, error) {
	buys, err := r.FutureTradeTotals(ctx, model.Purchase)
	if err != nil {
		return nil, err
	}
	sells, err := r.FutureTradeTotals(ctx, model.Sale)
	if err != nil {
		return nil, err
	}

	keys := make([]model.PositionKey, 0, len(buys)+len(sells))
	for k := range buys {
		keys = append(keys, k)
	}
	for k := range sells {
		if _, ok := buys[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	result := make([]model.FuturePnL, 0, len(keys))
	for _, k := range keys {
		buy, ok := buys[k]
		if !ok {
			buy = zeroTotals
		}
		sell, ok := sells[k]
		if !ok {
			sell = zeroTotals
		}
		result = append(result, model.FuturePnL{PnL: ComputePnL(k, buy, sell)})
	}
	return result, nil
}
