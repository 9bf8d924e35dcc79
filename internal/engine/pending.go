// Package engine derives positions, pending quantities and cost-basis P&L
// from the trade and fulfillment ledgers.
//
// Every recalculation is a full recompute from the ledgers, never a delta,
// so running one twice over an unchanged ledger writes identical rows.
// Writers run inside a store.Tx so that a ledger write and every derived row
// it invalidates commit or roll back together.
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/quantity"
	"github.com/saudabook/position-engine/internal/store"
)

// PendingResult is the outcome of one pending-quantity recalculation.
type PendingResult struct {
	ContractID string
	Contracted quantity.Quantity // packs
	Delivered  quantity.Quantity // kg
	Pending    decimal.Decimal   // packs, 0 <= Pending <= contracted
}

// Excess returns the delivered weight beyond the contract, or zero kg.
func (r *PendingResult) Excess() quantity.Quantity {
	excess := r.Delivered.Sub(r.Contracted)
	if !excess.IsPositive() {
		return quantity.Zero(quantity.Kg)
	}
	return excess
}

// PendingPacks computes the pending quantity of a contract of contracted
// packs with deliveredKg loaded against it: the remainder in packs, rounded
// to a whole pack and clamped to [0, contracted].
func PendingPacks(contracted quantity.Quantity, deliveredKg quantity.Quantity) decimal.Decimal {
	packs := contracted.Packs()
	pending := contracted.Sub(deliveredKg).Packs().Round(0)
	if pending.IsNegative() {
		return decimal.Zero
	}
	if pending.GreaterThan(packs) {
		return packs
	}
	return pending
}

// UpdatePending recomputes and stores a contract's pending quantity from the
// sum of its fulfillment events.
func UpdatePending(ctx context.Context, tx store.Tx, contractID string) (*PendingResult, error) {
	c, err := tx.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	kg, err := tx.SumDeliveredKg(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("sum deliveries for %s: %w", contractID, err)
	}

	res := &PendingResult{
		ContractID: contractID,
		Contracted: quantity.FromPacks(c.Quantity),
		Delivered:  quantity.FromKg(kg),
	}
	res.Pending = PendingPacks(res.Contracted, res.Delivered)

	if err := tx.SetPendingQuantity(ctx, contractID, res.Pending); err != nil {
		return nil, fmt.Errorf("set pending for %s: %w", contractID, err)
	}
	return res, nil
}

// contractKeys returns the distinct position keys of cs in lock order.
func contractKeys(cs ...*model.TradeContract) []model.PositionKey {
	keys := make([]model.PositionKey, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			keys = append(keys, c.Key())
		}
	}
	return sortedKeys(keys)
}
