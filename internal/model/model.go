// Package model defines the domain types shared across the position engine.
// All quantities and money use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the side of a contract.
type TradeType string

const (
	Purchase TradeType = "purchase"
	Sale     TradeType = "sale"
)

// Valid reports whether t is a known side.
func (t TradeType) Valid() bool { return t == Purchase || t == Sale }

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
	}
	return t, nil
}

// PositionKey identifies a stock position: one item at one ex-plant.
type PositionKey struct {
	ItemID  string `json:"item_id"`
	PlantID string `json:"plant_id"`
}

func (k PositionKey) String() string { return k.ItemID + "@" + k.PlantID }

// Less orders keys by item then plant. Locks are always taken in this order.
func (k PositionKey) Less(o PositionKey) bool {
	if k.ItemID != o.ItemID {
		return k.ItemID < o.ItemID
	}
	return k.PlantID < o.PlantID
}

// TradeContract is a purchase or sale agreement ("sauda").
// Quantity is in packs (1 pack = 1000 kg); Rate is currency per 10 kg.
// PendingQuantity is the only field the engine writes.
type TradeContract struct {
	ID              string          `json:"id" db:"id"`
	Number          string          `json:"number" db:"number"`
	Type            TradeType       `json:"type" db:"type"`
	TradeDate       time.Time       `json:"trade_date" db:"trade_date"`
	PartyID         string          `json:"party_id" db:"party_id"`
	BrokerID        string          `json:"broker_id,omitempty" db:"broker_id"`
	ItemID          string          `json:"item_id" db:"item_id"`
	PlantID         string          `json:"plant_id" db:"plant_id"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	Rate            decimal.Decimal `json:"rate" db:"rate"`
	PendingQuantity decimal.Decimal `json:"pending_quantity" db:"pending_quantity"`
	DeliveryTerms   string          `json:"delivery_terms,omitempty" db:"delivery_terms"`
	PaymentTerms    string          `json:"payment_terms,omitempty" db:"payment_terms"`
	Remarks         string          `json:"remarks,omitempty" db:"remarks"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Key returns the position the contract aggregates into.
func (c *TradeContract) Key() PositionKey {
	return PositionKey{ItemID: c.ItemID, PlantID: c.PlantID}
}

// FulfillmentEvent is a physical delivery ("loading") against one contract.
type FulfillmentEvent struct {
	ID            string          `json:"id" db:"id"`
	ContractID    string          `json:"contract_id" db:"contract_id"`
	Date          time.Time       `json:"date" db:"fulfillment_date"`
	DeliveredKg   decimal.Decimal `json:"delivered_kg" db:"delivered_kg"`
	VehicleNumber string          `json:"vehicle_number,omitempty" db:"vehicle_number"`
	Transporter   string          `json:"transporter,omitempty" db:"transporter"`
	Remarks       string          `json:"remarks,omitempty" db:"remarks"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// StockPosition is the materialized aggregate for one (item, plant).
// All four stored counters are in packs and are only ever written by a
// full recomputation. No timestamps: recomputing an unchanged ledger must
// produce an identical row.
type StockPosition struct {
	ItemID              string          `json:"item_id" db:"item_id"`
	PlantID             string          `json:"plant_id" db:"plant_id"`
	TotalPurchasePacks  decimal.Decimal `json:"total_purchase_packs" db:"total_purchase_packs"`
	TotalSalePacks      decimal.Decimal `json:"total_sale_packs" db:"total_sale_packs"`
	LoadedPurchasePacks decimal.Decimal `json:"loaded_purchase_packs" db:"loaded_purchase_packs"`
	LoadedSalePacks     decimal.Decimal `json:"loaded_sale_packs" db:"loaded_sale_packs"`
}

func (p *StockPosition) Key() PositionKey {
	return PositionKey{ItemID: p.ItemID, PlantID: p.PlantID}
}

// PendingPurchasePacks = total purchased − loaded against purchases.
func (p *StockPosition) PendingPurchasePacks() decimal.Decimal {
	return p.TotalPurchasePacks.Sub(p.LoadedPurchasePacks)
}

// PendingSalePacks = total sold − loaded against sales.
func (p *StockPosition) PendingSalePacks() decimal.Decimal {
	return p.TotalSalePacks.Sub(p.LoadedSalePacks)
}

// NetPositionPacks = pending purchase − pending sale.
func (p *StockPosition) NetPositionPacks() decimal.Decimal {
	return p.PendingPurchasePacks().Sub(p.PendingSalePacks())
}

// HasPending reports whether either side still has undelivered quantity.
func (p *StockPosition) HasPending() bool {
	return !p.PendingPurchasePacks().IsZero() || !p.PendingSalePacks().IsZero()
}

// PositionView is a StockPosition with its derived figures spelled out for readers.
type PositionView struct {
	StockPosition
	PendingPurchasePacks decimal.Decimal `json:"pending_purchase_packs"`
	PendingSalePacks     decimal.Decimal `json:"pending_sale_packs"`
	NetPositionPacks     decimal.Decimal `json:"net_position_packs"`
}

// View expands p for presentation.
func (p *StockPosition) View() PositionView {
	return PositionView{
		StockPosition:        *p,
		PendingPurchasePacks: p.PendingPurchasePacks(),
		PendingSalePacks:     p.PendingSalePacks(),
		NetPositionPacks:     p.NetPositionPacks(),
	}
}

// PnL holds cumulative weighted-average figures for one (item, plant).
// Totals are currency; rates are per 10 kg.
type PnL struct {
	ItemID      string          `json:"item_id" db:"item_id"`
	PlantID     string          `json:"plant_id" db:"plant_id"`
	BuyTotal    decimal.Decimal `json:"buy_total" db:"buy_total"`
	SellTotal   decimal.Decimal `json:"sell_total" db:"sell_total"`
	BuyPacks    decimal.Decimal `json:"buy_quantity" db:"buy_quantity"`
	SellPacks   decimal.Decimal `json:"sell_quantity" db:"sell_quantity"`
	BuyKg       decimal.Decimal `json:"buy_quantity_kg" db:"buy_quantity_kg"`
	SellKg      decimal.Decimal `json:"sell_quantity_kg" db:"sell_quantity_kg"`
	AvgBuyRate  decimal.Decimal `json:"avg_buy_rate" db:"avg_buy_rate"`
	AvgSellRate decimal.Decimal `json:"avg_sell_rate" db:"avg_sell_rate"`
	Profit      decimal.Decimal `json:"profit" db:"profit"`
}

func (p *PnL) Key() PositionKey {
	return PositionKey{ItemID: p.ItemID, PlantID: p.PlantID}
}

// PlusMinusSnapshot is the cumulative P&L for one (date, item, plant),
// covering every contract with trade_date <= Date.
type PlusMinusSnapshot struct {
	Date time.Time `json:"date" db:"snapshot_date"`
	PnL
}

// FuturePnL is the same profit formula restricted to contracts that are
// partially fulfilled and still pending. Never persisted.
type FuturePnL struct {
	PnL
}

// PartyLine is one counterparty's share of a position.
type PartyLine struct {
	PartyID              string          `json:"party_id"`
	PurchasePacks        decimal.Decimal `json:"purchase_packs"`
	LoadedPurchasePacks  decimal.Decimal `json:"loaded_purchase_packs"`
	PendingPurchasePacks decimal.Decimal `json:"pending_purchase_packs"`
	AvgPurchaseRate      decimal.Decimal `json:"avg_purchase_rate"`
	SalePacks            decimal.Decimal `json:"sale_packs"`
	LoadedSalePacks      decimal.Decimal `json:"loaded_sale_packs"`
	PendingSalePacks     decimal.Decimal `json:"pending_sale_packs"`
	AvgSaleRate          decimal.Decimal `json:"avg_sale_rate"`
	NetPendingPacks      decimal.Decimal `json:"net_pending_packs"`
}

// PartyBreakdown explodes a stock position by counterparty.
type PartyBreakdown struct {
	PositionKey
	Parties []PartyLine `json:"parties"`
}
