package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/quantity"
	"github.com/saudabook/position-engine/internal/store"
)

// PartyBreakdown splits the position at key by counterparty. A party that
// only bought or only sold gets zeros on the other side.
func PartyBreakdown(ctx context.Context, r store.Reader, key model.PositionKey) (*model.PartyBreakdown, error) {
	purchases, err := r.PartyTotals(ctx, key, model.Purchase)
	if err != nil {
		return nil, err
	}
	sales, err := r.PartyTotals(ctx, key, model.Sale)
	if err != nil {
		return nil, err
	}

	lines := make(map[string]*model.PartyLine)
	line := func(partyID string) *model.PartyLine {
		l, ok := lines[partyID]
		if !ok {
			l = &model.PartyLine{
				PartyID:              partyID,
				PurchasePacks:        decimal.Zero,
				LoadedPurchasePacks:  decimal.Zero,
				PendingPurchasePacks: decimal.Zero,
				AvgPurchaseRate:      decimal.Zero,
				SalePacks:            decimal.Zero,
				LoadedSalePacks:      decimal.Zero,
				PendingSalePacks:     decimal.Zero,
				AvgSaleRate:          decimal.Zero,
			}
			lines[partyID] = l
		}
		return l
	}

	for _, pt := range purchases {
		l := line(pt.PartyID)
		l.PurchasePacks, l.LoadedPurchasePacks, l.PendingPurchasePacks, l.AvgPurchaseRate = side(pt)
	}
	for _, pt := range sales {
		l := line(pt.PartyID)
		l.SalePacks, l.LoadedSalePacks, l.PendingSalePacks, l.AvgSaleRate = side(pt)
	}

	b := &model.PartyBreakdown{PositionKey: key, Parties: make([]model.PartyLine, 0, len(lines))}
	for _, l := range lines {
		l.NetPendingPacks = l.PendingPurchasePacks.Sub(l.PendingSalePacks)
		b.Parties = append(b.Parties, *l)
	}
	sort.Slice(b.Parties, func(i, j int) bool { return b.Parties[i].PartyID < b.Parties[j].PartyID })
	return b, nil
}

// side returns total, loaded and pending packs and the average rate for one
// party on one side, with the same total − loaded rule as the stock position.
func side(pt store.PartyTotals) (total, loaded, pending, avgRate decimal.Decimal) {
	qty := quantity.FromPacks(pt.Packs)
	total = qty.Packs()
	loaded = quantity.FromKg(pt.DeliveredKg).Packs()
	pending = total.Sub(loaded)
	avgRate = quantity.AverageRate(pt.Value, qty).Round(RatePlaces)
	return total, loaded, pending, avgRate
}
