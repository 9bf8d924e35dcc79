// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for derived rows), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/model"
)

var (
	ErrNotFound                = errors.New("store: not found")
	ErrDuplicateContractNumber = errors.New("store: duplicate contract number")
	ErrContractHasFulfillments = errors.New("store: contract has fulfillment events")
)

// Totals is an aggregate over a set of contracts on one side.
// Value is currency (Σ packs × 1000 × rate ÷ 10); Packs is Σ quantity.
type Totals struct {
	Value decimal.Decimal
	Packs decimal.Decimal
}

// PartyTotals is Totals for one counterparty plus the kg delivered against it.
type PartyTotals struct {
	PartyID     string
	Value       decimal.Decimal
	Packs       decimal.Decimal
	DeliveredKg decimal.Decimal
}

// ContractFilter narrows ListContracts. Zero fields match everything.
type ContractFilter struct {
	ItemID      string
	PlantID     string
	Type        model.TradeType
	PendingOnly bool
}

// Reader is every query the engine and the reporting API need. All
// aggregates are computed from the two ledgers, never from derived rows.
type Reader interface {
	// --- Trade ledger ---

	GetContract(ctx context.Context, id string) (*model.TradeContract, error)
	ListContracts(ctx context.Context, f ContractFilter) ([]model.TradeContract, error)

	// --- Fulfillment ledger ---

	GetFulfillment(ctx context.Context, id string) (*model.FulfillmentEvent, error)
	ListFulfillments(ctx context.Context, contractID string) ([]model.FulfillmentEvent, error)

	// SumDeliveredKg sums delivered_kg over one contract's events.
	SumDeliveredKg(ctx context.Context, contractID string) (decimal.Decimal, error)

	// --- Stock aggregates ---

	// SumContractPacks sums quantity over contracts of one side for key.
	SumContractPacks(ctx context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error)

	// SumLoadedKg sums delivered_kg over events of contracts of one side for key.
	SumLoadedKg(ctx context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error)

	// PositionKeys lists every (item, plant) with at least one contract.
	PositionKeys(ctx context.Context) ([]model.PositionKey, error)

	// --- P&L aggregates ---

	// PositionKeysAsOf lists (item, plant) pairs with a contract on or before date.
	PositionKeysAsOf(ctx context.Context, date time.Time) ([]model.PositionKey, error)

	// TradeTotalsAsOf aggregates one side for key over trade_date <= date.
	TradeTotalsAsOf(ctx context.Context, key model.PositionKey, t model.TradeType, date time.Time) (Totals, error)

	// TradeDates lists every distinct trade_date, ascending.
	TradeDates(ctx context.Context) ([]time.Time, error)

	// FutureTradeTotals aggregates one side per key over contracts that have
	// at least one fulfillment event and pending_quantity > 0.
	FutureTradeTotals(ctx context.Context, t model.TradeType) (map[model.PositionKey]Totals, error)

	// PartyTotals aggregates one side for key grouped by counterparty.
	PartyTotals(ctx context.Context, key model.PositionKey, t model.TradeType) ([]PartyTotals, error)

	// --- Derived rows ---

	GetStockPosition(ctx context.Context, key model.PositionKey) (*model.StockPosition, error)
	ListStockPositions(ctx context.Context) ([]model.StockPosition, error)
	ListSnapshots(ctx context.Context, date time.Time) ([]model.PlusMinusSnapshot, error)

	// SnapshotDates lists dates with at least one snapshot row, ascending.
	SnapshotDates(ctx context.Context) ([]time.Time, error)
}

// Tx is a unit of work: every ledger write and every derived-row write
// made through it commits or rolls back together.
type Tx interface {
	Reader

	// LockPosition serializes recomputation of key until the unit of work
	// ends. Callers lock keys in PositionKey.Less order.
	LockPosition(ctx context.Context, key model.PositionKey) error

	// LockSnapshots serializes snapshot regeneration for one date.
	LockSnapshots(ctx context.Context, date time.Time) error

	// --- Trade ledger ---

	InsertContract(ctx context.Context, c *model.TradeContract) error
	UpdateContract(ctx context.Context, c *model.TradeContract) error
	// DeleteContract fails with ErrContractHasFulfillments while events reference it.
	DeleteContract(ctx context.Context, id string) error
	SetPendingQuantity(ctx context.Context, contractID string, pending decimal.Decimal) error

	// MaxContractSequence returns the highest sequence used for prefix
	// (e.g. "P/2024-25/"), or 0.
	MaxContractSequence(ctx context.Context, prefix string) (int, error)

	// --- Fulfillment ledger ---

	InsertFulfillment(ctx context.Context, e *model.FulfillmentEvent) error
	UpdateFulfillment(ctx context.Context, e *model.FulfillmentEvent) error
	DeleteFulfillment(ctx context.Context, id string) error

	// --- Derived rows ---

	UpsertStockPosition(ctx context.Context, p *model.StockPosition) error
	// ReplaceSnapshots deletes every row for date and writes rows.
	ReplaceSnapshots(ctx context.Context, date time.Time, rows []model.PlusMinusSnapshot) error
	// DeleteSnapshotsExcept removes rows whose date is not in keep.
	DeleteSnapshotsExcept(ctx context.Context, keep []time.Time) (int, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer over derived rows.
type Store interface {
	Reader

	// WithinTx runs fn in one unit of work. A non-nil error from fn rolls
	// everything back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
