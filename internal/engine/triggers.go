package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/overdelivery"
	"github.com/saudabook/position-engine/internal/store"
)

// Triggers is the single place that maps a ledger write to the derived rows
// it invalidates:
//
//	contract created   → pending(c), stock(key), snapshots on existing dates >= trade date
//	contract updated   → pending(c), stock(old key, new key), snapshots on the old and
//	                     new trade dates and on existing dates >= the earlier of the two
//	contract deleted   → stock(key), snapshots on existing dates >= trade date
//	fulfillment write  → pending(each contract touched), stock(their keys), over-delivery check
//
// Every method runs inside the caller's unit of work. Position locks are
// taken first in key order, then snapshot locks in date order.
type Triggers struct {
	detector *overdelivery.Detector
}

// NewTriggers creates a dispatcher. A nil detector flags any excess.
func NewTriggers(detector *overdelivery.Detector) *Triggers {
	if detector == nil {
		detector = &overdelivery.Detector{}
	}
	return &Triggers{detector: detector}
}

// Outcome lists every derived row a trigger rewrote.
type Outcome struct {
	Positions      []model.StockPosition
	Pending        []PendingResult
	OverDeliveries []overdelivery.Flag
	SnapshotDates  []time.Time
}

// ContractCreated runs after c has been inserted.
func (t *Triggers) ContractCreated(ctx context.Context, tx store.Tx, c *model.TradeContract) (*Outcome, error) {
	out := &Outcome{}
	if err := LockKeys(ctx, tx, c.Key()); err != nil {
		return nil, err
	}
	if err := t.pending(ctx, tx, out, c.ID); err != nil {
		return nil, err
	}
	if err := t.stock(ctx, tx, out, c.Key()); err != nil {
		return nil, err
	}
	if err := t.snapshotsFrom(ctx, tx, out, c.TradeDate); err != nil {
		return nil, err
	}
	return out, nil
}

// ContractUpdated runs after before has been overwritten by after.
func (t *Triggers) ContractUpdated(ctx context.Context, tx store.Tx, before, after *model.TradeContract) (*Outcome, error) {
	out := &Outcome{}
	keys := contractKeys(before, after)
	if err := LockKeys(ctx, tx, keys...); err != nil {
		return nil, err
	}
	if err := t.pending(ctx, tx, out, after.ID); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := t.stock(ctx, tx, out, k); err != nil {
			return nil, err
		}
	}

	from := model.DateOf(before.TradeDate)
	if d := model.DateOf(after.TradeDate); d.Before(from) {
		from = d
	}
	if err := t.snapshotsFrom(ctx, tx, out, from, before.TradeDate, after.TradeDate); err != nil {
		return nil, err
	}
	return out, nil
}

// ContractDeleted runs after c has been deleted.
func (t *Triggers) ContractDeleted(ctx context.Context, tx store.Tx, c *model.TradeContract) (*Outcome, error) {
	out := &Outcome{}
	if err := LockKeys(ctx, tx, c.Key()); err != nil {
		return nil, err
	}
	if err := t.stock(ctx, tx, out, c.Key()); err != nil {
		return nil, err
	}
	if err := t.snapshotsFrom(ctx, tx, out, c.TradeDate); err != nil {
		return nil, err
	}
	return out, nil
}

// FulfillmentChanged runs after an event was created, edited or deleted.
// Pass both contracts when an edit moved the event between contracts.
func (t *Triggers) FulfillmentChanged(ctx context.Context, tx store.Tx, contracts ...*model.TradeContract) (*Outcome, error) {
	out := &Outcome{}
	keys := contractKeys(contracts...)
	if err := LockKeys(ctx, tx, keys...); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if err := t.pending(ctx, tx, out, c.ID); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		if err := t.stock(ctx, tx, out, k); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Repair recomputes pending for every contract at key and then the stock
// position, in one unit of work. Used by the maintenance rebuild.
func (t *Triggers) Repair(ctx context.Context, tx store.Tx, key model.PositionKey) (*Outcome, error) {
	out := &Outcome{}
	if err := LockKeys(ctx, tx, key); err != nil {
		return nil, err
	}
	contracts, err := tx.ListContracts(ctx, store.ContractFilter{ItemID: key.ItemID, PlantID: key.PlantID})
	if err != nil {
		return nil, fmt.Errorf("list contracts %s: %w", key, err)
	}
	for _, c := range contracts {
		if err := t.pending(ctx, tx, out, c.ID); err != nil {
			return nil, err
		}
	}
	if err := t.stock(ctx, tx, out, key); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Triggers) pending(ctx context.Context, tx store.Tx, out *Outcome, contractID string) error {
	res, err := UpdatePending(ctx, tx, contractID)
	if err != nil {
		return err
	}
	out.Pending = append(out.Pending, *res)

	if flag := t.detector.Check(contractID, res.Contracted, res.Delivered); flag != nil {
		slog.Warn("contract over-delivered",
			"contract_id", contractID,
			"contracted_kg", flag.ContractedKg.String(),
			"delivered_kg", flag.DeliveredKg.String(),
			"excess_kg", flag.ExcessKg.String(),
		)
		out.OverDeliveries = append(out.OverDeliveries, *flag)
	}
	return nil
}

func (t *Triggers) stock(ctx context.Context, tx store.Tx, out *Outcome, key model.PositionKey) error {
	pos, err := RecalculateStock(ctx, tx, key)
	if err != nil {
		return err
	}
	out.Positions = append(out.Positions, *pos)
	return nil
}

// snapshotsFrom regenerates every existing snapshot date >= from, plus the
// explicit dates given, in ascending order.
func (t *Triggers) snapshotsFrom(ctx context.Context, tx store.Tx, out *Outcome, from time.Time, also ...time.Time) error {
	from = model.DateOf(from)
	existing, err := tx.SnapshotDates(ctx)
	if err != nil {
		return fmt.Errorf("snapshot dates: %w", err)
	}

	dates := make(map[time.Time]bool)
	for _, d := range existing {
		if !d.Before(from) {
			dates[model.DateOf(d)] = true
		}
	}
	for _, d := range also {
		dates[model.DateOf(d)] = true
	}

	for _, d := range sortedDates(dates) {
		if _, err := GenerateSnapshots(ctx, tx, d); err != nil {
			return err
		}
		out.SnapshotDates = append(out.SnapshotDates, d)
	}
	return nil
}

func sortedDates(set map[time.Time]bool) []time.Time {
	dates := make([]time.Time, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
