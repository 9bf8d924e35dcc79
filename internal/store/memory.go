package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/quantity"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithinTx holds the write lock for the whole unit of work and works on a
// copy of the state, so a failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// --- Reads outside a unit of work ---

func (s *MemoryStore) GetContract(ctx context.Context, id string) (*model.TradeContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetContract(ctx, id)
}

func (s *MemoryStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.TradeContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListContracts(ctx, f)
}

func (s *MemoryStore) GetFulfillment(ctx context.Context, id string) (*model.FulfillmentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetFulfillment(ctx, id)
}

func (s *MemoryStore) ListFulfillments(ctx context.Context, contractID string) ([]model.FulfillmentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListFulfillments(ctx, contractID)
}

func (s *MemoryStore) SumDeliveredKg(ctx context.Context, contractID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SumDeliveredKg(ctx, contractID)
}

func (s *MemoryStore) SumContractPacks(ctx context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SumContractPacks(ctx, key, t)
}

func (s *MemoryStore) SumLoadedKg(ctx context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SumLoadedKg(ctx, key, t)
}

func (s *MemoryStore) PositionKeys(ctx context.Context) ([]model.PositionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.PositionKeys(ctx)
}

func (s *MemoryStore) PositionKeysAsOf(ctx context.Context, date time.Time) ([]model.PositionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.PositionKeysAsOf(ctx, date)
}

func (s *MemoryStore) TradeTotalsAsOf(ctx context.Context, key model.PositionKey, t model.TradeType, date time.Time) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TradeTotalsAsOf(ctx, key, t, date)
}

func (s *MemoryStore) TradeDates(ctx context.Context) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TradeDates(ctx)
}

func (s *MemoryStore) FutureTradeTotals(ctx context.Context, t model.TradeType) (map[model.PositionKey]Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FutureTradeTotals(ctx, t)
}

func (s *MemoryStore) PartyTotals(ctx context.Context, key model.PositionKey, t model.TradeType) ([]PartyTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.PartyTotals(ctx, key, t)
}

func (s *MemoryStore) GetStockPosition(ctx context.Context, key model.PositionKey) (*model.StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetStockPosition(ctx, key)
}

func (s *MemoryStore) ListStockPositions(ctx context.Context) ([]model.StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListStockPositions(ctx)
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, date time.Time) ([]model.PlusMinusSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListSnapshots(ctx, date)
}

func (s *MemoryStore) SnapshotDates(ctx context.Context) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SnapshotDates(ctx)
}

// memState is the data behind MemoryStore. It implements Tx; callers hold
// the store's lock.
type memState struct {
	contracts    map[string]model.TradeContract
	fulfillments map[string]model.FulfillmentEvent
	positions    map[model.PositionKey]model.StockPosition
	snapshots    map[time.Time]map[model.PositionKey]model.PlusMinusSnapshot
}

func newMemState() *memState {
	return &memState{
		contracts:    make(map[string]model.TradeContract),
		fulfillments: make(map[string]model.FulfillmentEvent),
		positions:    make(map[model.PositionKey]model.StockPosition),
		snapshots:    make(map[time.Time]map[model.PositionKey]model.PlusMinusSnapshot),
	}
}

func (m *memState) clone() *memState {
	c := newMemState()
	for k, v := range m.contracts {
		c.contracts[k] = v
	}
	for k, v := range m.fulfillments {
		c.fulfillments[k] = v
	}
	for k, v := range m.positions {
		c.positions[k] = v
	}
	for d, rows := range m.snapshots {
		cp := make(map[model.PositionKey]model.PlusMinusSnapshot, len(rows))
		for k, v := range rows {
			cp[k] = v
		}
		c.snapshots[d] = cp
	}
	return c
}

// LockPosition and LockSnapshots are no-ops: WithinTx already holds the
// store-wide write lock.
func (m *memState) LockPosition(_ context.Context, _ model.PositionKey) error { return nil }
func (m *memState) LockSnapshots(_ context.Context, _ time.Time) error       { return nil }

func (m *memState) GetContract(_ context.Context, id string) (*model.TradeContract, error) {
	c, ok := m.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *memState) ListContracts(_ context.Context, f ContractFilter) ([]model.TradeContract, error) {
	var result []model.TradeContract
	for _, c := range m.contracts {
		if f.ItemID != "" && c.ItemID != f.ItemID {
			continue
		}
		if f.PlantID != "" && c.PlantID != f.PlantID {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		if f.PendingOnly && !c.PendingQuantity.IsPositive() {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].TradeDate.Equal(result[j].TradeDate) {
			return result[i].TradeDate.Before(result[j].TradeDate)
		}
		return result[i].Number < result[j].Number
	})
	return result, nil
}

func (m *memState) GetFulfillment(_ context.Context, id string) (*model.FulfillmentEvent, error) {
	e, ok := m.fulfillments[id]
	if !ok {
		return nil, fmt.Errorf("fulfillment %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (m *memState) ListFulfillments(_ context.Context, contractID string) ([]model.FulfillmentEvent, error) {
	var result []model.FulfillmentEvent
	for _, e := range m.fulfillments {
		if e.ContractID == contractID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *memState) SumDeliveredKg(_ context.Context, contractID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range m.fulfillments {
		if e.ContractID == contractID {
			sum = sum.Add(e.DeliveredKg)
		}
	}
	return sum, nil
}

func (m *memState) SumContractPacks(_ context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, c := range m.contracts {
		if c.Key() == key && c.Type == t {
			sum = sum.Add(c.Quantity)
		}
	}
	return sum, nil
}

func (m *memState) SumLoadedKg(_ context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range m.fulfillments {
		c, ok := m.contracts[e.ContractID]
		if !ok || c.Key() != key || c.Type != t {
			continue
		}
		sum = sum.Add(e.DeliveredKg)
	}
	return sum, nil
}

func (m *memState) PositionKeys(_ context.Context) ([]model.PositionKey, error) {
	return m.keys(func(model.TradeContract) bool { return true }), nil
}

func (m *memState) PositionKeysAsOf(_ context.Context, date time.Time) ([]model.PositionKey, error) {
	date = model.DateOf(date)
	return m.keys(func(c model.TradeContract) bool { return !c.TradeDate.After(date) }), nil
}

func (m *memState) keys(match func(model.TradeContract) bool) []model.PositionKey {
	seen := make(map[model.PositionKey]bool)
	var keys []model.PositionKey
	for _, c := range m.contracts {
		if !match(c) || seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		keys = append(keys, c.Key())
	}
	sortKeys(keys)
	return keys
}

func (m *memState) TradeTotalsAsOf(_ context.Context, key model.PositionKey, t model.TradeType, date time.Time) (Totals, error) {
	date = model.DateOf(date)
	tot := Totals{Value: decimal.Zero, Packs: decimal.Zero}
	for _, c := range m.contracts {
		if c.Key() != key || c.Type != t || c.TradeDate.After(date) {
			continue
		}
		tot = tot.add(c)
	}
	return tot, nil
}

func (m *memState) TradeDates(_ context.Context) ([]time.Time, error) {
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, c := range m.contracts {
		if !seen[c.TradeDate] {
			seen[c.TradeDate] = true
			dates = append(dates, c.TradeDate)
		}
	}
	sortDates(dates)
	return dates, nil
}

func (m *memState) FutureTradeTotals(_ context.Context, t model.TradeType) (map[model.PositionKey]Totals, error) {
	hasEvents := make(map[string]bool)
	for _, e := range m.fulfillments {
		hasEvents[e.ContractID] = true
	}

	result := make(map[model.PositionKey]Totals)
	for _, c := range m.contracts {
		if c.Type != t || !hasEvents[c.ID] || !c.PendingQuantity.IsPositive() {
			continue
		}
		tot, ok := result[c.Key()]
		if !ok {
			tot = Totals{Value: decimal.Zero, Packs: decimal.Zero}
		}
		result[c.Key()] = tot.add(c)
	}
	return result, nil
}

func (m *memState) PartyTotals(_ context.Context, key model.PositionKey, t model.TradeType) ([]PartyTotals, error) {
	delivered := make(map[string]decimal.Decimal)
	for _, e := range m.fulfillments {
		delivered[e.ContractID] = delivered[e.ContractID].Add(e.DeliveredKg)
	}

	agg := make(map[string]*PartyTotals)
	for _, c := range m.contracts {
		if c.Key() != key || c.Type != t {
			continue
		}
		pt, ok := agg[c.PartyID]
		if !ok {
			pt = &PartyTotals{PartyID: c.PartyID, Value: decimal.Zero, Packs: decimal.Zero, DeliveredKg: decimal.Zero}
			agg[c.PartyID] = pt
		}
		pt.Value = pt.Value.Add(contractValue(c))
		pt.Packs = pt.Packs.Add(c.Quantity)
		pt.DeliveredKg = pt.DeliveredKg.Add(delivered[c.ID])
	}

	result := make([]PartyTotals, 0, len(agg))
	for _, pt := range agg {
		result = append(result, *pt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PartyID < result[j].PartyID })
	return result, nil
}

func (m *memState) GetStockPosition(_ context.Context, key model.PositionKey) (*model.StockPosition, error) {
	p, ok := m.positions[key]
	if !ok {
		return nil, fmt.Errorf("stock position %s: %w", key, ErrNotFound)
	}
	return &p, nil
}

func (m *memState) ListStockPositions(_ context.Context) ([]model.StockPosition, error) {
	result := make([]model.StockPosition, 0, len(m.positions))
	for _, p := range m.positions {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key().Less(result[j].Key()) })
	return result, nil
}

func (m *memState) ListSnapshots(_ context.Context, date time.Time) ([]model.PlusMinusSnapshot, error) {
	rows := m.snapshots[model.DateOf(date)]
	result := make([]model.PlusMinusSnapshot, 0, len(rows))
	for _, r := range rows {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key().Less(result[j].Key()) })
	return result, nil
}

func (m *memState) SnapshotDates(_ context.Context) ([]time.Time, error) {
	dates := make([]time.Time, 0, len(m.snapshots))
	for d := range m.snapshots {
		dates = append(dates, d)
	}
	sortDates(dates)
	return dates, nil
}

// --- Writes ---

func (m *memState) InsertContract(_ context.Context, c *model.TradeContract) error {
	if _, ok := m.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s already exists", c.ID)
	}
	if m.numberTaken(c.Number, c.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateContractNumber, c.Number)
	}
	stored := *c
	stored.TradeDate = model.DateOf(c.TradeDate)
	m.contracts[c.ID] = stored
	return nil
}

func (m *memState) UpdateContract(_ context.Context, c *model.TradeContract) error {
	if _, ok := m.contracts[c.ID]; !ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrNotFound)
	}
	if m.numberTaken(c.Number, c.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateContractNumber, c.Number)
	}
	stored := *c
	stored.TradeDate = model.DateOf(c.TradeDate)
	m.contracts[c.ID] = stored
	return nil
}

func (m *memState) numberTaken(number, exceptID string) bool {
	for id, existing := range m.contracts {
		if id != exceptID && existing.Number == number {
			return true
		}
	}
	return false
}

func (m *memState) DeleteContract(_ context.Context, id string) error {
	if _, ok := m.contracts[id]; !ok {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	for _, e := range m.fulfillments {
		if e.ContractID == id {
			return fmt.Errorf("%w: %s", ErrContractHasFulfillments, id)
		}
	}
	delete(m.contracts, id)
	return nil
}

func (m *memState) SetPendingQuantity(_ context.Context, contractID string, pending decimal.Decimal) error {
	c, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	c.PendingQuantity = pending
	m.contracts[contractID] = c
	return nil
}

func (m *memState) MaxContractSequence(_ context.Context, prefix string) (int, error) {
	highest := 0
	for _, c := range m.contracts {
		if !strings.HasPrefix(c.Number, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(c.Number, prefix)); err == nil && n > highest {
			highest = n
		}
	}
	return highest, nil
}

func (m *memState) InsertFulfillment(_ context.Context, e *model.FulfillmentEvent) error {
	if _, ok := m.contracts[e.ContractID]; !ok {
		return fmt.Errorf("contract %s: %w", e.ContractID, ErrNotFound)
	}
	if _, ok := m.fulfillments[e.ID]; ok {
		return fmt.Errorf("fulfillment %s already exists", e.ID)
	}
	stored := *e
	stored.Date = model.DateOf(e.Date)
	m.fulfillments[e.ID] = stored
	return nil
}

func (m *memState) UpdateFulfillment(_ context.Context, e *model.FulfillmentEvent) error {
	if _, ok := m.fulfillments[e.ID]; !ok {
		return fmt.Errorf("fulfillment %s: %w", e.ID, ErrNotFound)
	}
	if _, ok := m.contracts[e.ContractID]; !ok {
		return fmt.Errorf("contract %s: %w", e.ContractID, ErrNotFound)
	}
	stored := *e
	stored.Date = model.DateOf(e.Date)
	m.fulfillments[e.ID] = stored
	return nil
}

func (m *memState) DeleteFulfillment(_ context.Context, id string) error {
	if _, ok := m.fulfillments[id]; !ok {
		return fmt.Errorf("fulfillment %s: %w", id, ErrNotFound)
	}
	delete(m.fulfillments, id)
	return nil
}

func (m *memState) UpsertStockPosition(_ context.Context, p *model.StockPosition) error {
	m.positions[p.Key()] = *p
	return nil
}

func (m *memState) ReplaceSnapshots(_ context.Context, date time.Time, rows []model.PlusMinusSnapshot) error {
	date = model.DateOf(date)
	delete(m.snapshots, date)
	if len(rows) == 0 {
		return nil
	}
	byKey := make(map[model.PositionKey]model.PlusMinusSnapshot, len(rows))
	for _, r := range rows {
		byKey[r.Key()] = r
	}
	m.snapshots[date] = byKey
	return nil
}

func (m *memState) DeleteSnapshotsExcept(_ context.Context, keep []time.Time) (int, error) {
	keepSet := make(map[time.Time]bool, len(keep))
	for _, d := range keep {
		keepSet[model.DateOf(d)] = true
	}
	removed := 0
	for d, rows := range m.snapshots {
		if !keepSet[d] {
			removed += len(rows)
			delete(m.snapshots, d)
		}
	}
	return removed, nil
}

// --- Helpers shared by implementations ---

func contractValue(c model.TradeContract) decimal.Decimal {
	return quantity.Value(quantity.FromPacks(c.Quantity), c.Rate)
}

func (t Totals) add(c model.TradeContract) Totals {
	return Totals{
		Value: t.Value.Add(contractValue(c)),
		Packs: t.Packs.Add(c.Quantity),
	}
}

func sortKeys(keys []model.PositionKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

func sortDates(dates []time.Time) {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
}
