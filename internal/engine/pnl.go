package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/quantity"
	"github.com/saudabook/position-engine/internal/store"
)

// RatePlaces is the precision of stored average rates and profit.
const RatePlaces = 2

// ComputePnL applies weighted-average costing to cumulative buy and sell
// totals for one position.
//
// Both average rates divide by kilograms and scale back to the per-10-kg
// quote. Profit is the margin per kg between the averages, applied to every
// kg sold so far:
//
//	profit = (avgSell/10 − avgBuy/10) × sellKg
//
// Profit is derived from the unrounded averages; rates and profit are then
// rounded to RatePlaces. Totals and quantities stay exact.
func ComputePnL(key model.PositionKey, buy, sell store.Totals) model.PnL {
	buyQty := quantity.FromPacks(buy.Packs)
	sellQty := quantity.FromPacks(sell.Packs)

	avgBuy := quantity.AverageRate(buy.Value, buyQty)
	avgSell := quantity.AverageRate(sell.Value, sellQty)
	profit := quantity.PerKg(avgSell).Sub(quantity.PerKg(avgBuy)).Mul(sellQty.Kg())

	return model.PnL{
		ItemID:      key.ItemID,
		PlantID:     key.PlantID,
		BuyTotal:    buy.Value,
		SellTotal:   sell.Value,
		BuyPacks:    buyQty.Packs(),
		SellPacks:   sellQty.Packs(),
		BuyKg:       buyQty.Kg(),
		SellKg:      sellQty.Kg(),
		AvgBuyRate:  avgBuy.Round(RatePlaces),
		AvgSellRate: avgSell.Round(RatePlaces),
		Profit:      profit.Round(RatePlaces),
	}
}

// GenerateSnapshots recomputes the cumulative P&L of every position with a
// contract on or before date, and replaces all snapshot rows for date with
// the result.
func GenerateSnapshots(ctx context.Context, tx store.Tx, date time.Time) ([]model.PlusMinusSnapshot, error) {
	date = model.DateOf(date)
	if err := tx.LockSnapshots(ctx, date); err != nil {
		return nil, err
	}

	keys, err := tx.PositionKeysAsOf(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("positions as of %s: %w", date.Format(model.DateLayout), err)
	}

	rows := make([]model.PlusMinusSnapshot, 0, len(keys))
	for _, key := range keys {
		buy, err := tx.TradeTotalsAsOf(ctx, key, model.Purchase, date)
		if err != nil {
			return nil, fmt.Errorf("purchase totals %s: %w", key, err)
		}
		sell, err := tx.TradeTotalsAsOf(ctx, key, model.Sale, date)
		if err != nil {
			return nil, fmt.Errorf("sale totals %s: %w", key, err)
		}
		rows = append(rows, model.PlusMinusSnapshot{Date: date, PnL: ComputePnL(key, buy, sell)})
	}

	if err := tx.ReplaceSnapshots(ctx, date, rows); err != nil {
		return nil, fmt.Errorf("write snapshots %s: %w", date.Format(model.DateLayout), err)
	}
	return rows, nil
}

var zeroTotals = store.Totals{Value: decimal.Zero, Packs: decimal.Zero}
