// Package quantity carries physical quantities with an explicit unit tag.
//
// Contracts and positions are kept in packs, deliveries arrive in kilograms
// and rates are quoted per 10 kg. Every conversion between those goes through
// this package so a packs value can never be divided by a kg value by accident.
package quantity

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Unit tags the unit a Quantity was recorded in.
type Unit int

const (
	Packs Unit = iota
	Kg
)

func (u Unit) String() string {
	switch u {
	case Packs:
		return "packs"
	case Kg:
		return "kg"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

var (
	// KgPerPack is the size of one pack.
	KgPerPack = decimal.NewFromInt(1000)

	// RateBasisKg is the weight a quoted rate refers to.
	RateBasisKg = decimal.NewFromInt(10)
)

// Quantity is an amount of goods in a known unit. The zero value is zero packs.
type Quantity struct {
	value decimal.Decimal
	unit  Unit
}

// FromPacks builds a Quantity measured in packs.
func FromPacks(v decimal.Decimal) Quantity { return Quantity{value: v, unit: Packs} }

// FromKg builds a Quantity measured in kilograms.
func FromKg(v decimal.Decimal) Quantity { return Quantity{value: v, unit: Kg} }

// Zero returns zero in the given unit.
func Zero(u Unit) Quantity { return Quantity{value: decimal.Zero, unit: u} }

func (q Quantity) Unit() Unit { return q.unit }

// Value returns the raw number in the quantity's own unit.
func (q Quantity) Value() decimal.Decimal { return q.value }

// Packs returns the quantity expressed in packs.
func (q Quantity) Packs() decimal.Decimal {
	if q.unit == Kg {
		return q.value.Div(KgPerPack)
	}
	return q.value
}

// Kg returns the quantity expressed in kilograms.
func (q Quantity) Kg() decimal.Decimal {
	if q.unit == Packs {
		return q.value.Mul(KgPerPack)
	}
	return q.value
}

// In converts q to unit u.
func (q Quantity) In(u Unit) Quantity {
	if u == Kg {
		return FromKg(q.Kg())
	}
	return FromPacks(q.Packs())
}

// Add returns q+o in q's unit.
func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{value: q.value.Add(o.In(q.unit).value), unit: q.unit}
}

// Sub returns q-o in q's unit.
func (q Quantity) Sub(o Quantity) Quantity {
	return Quantity{value: q.value.Sub(o.In(q.unit).value), unit: q.unit}
}

func (q Quantity) IsZero() bool     { return q.value.IsZero() }
func (q Quantity) IsPositive() bool { return q.value.IsPositive() }
func (q Quantity) IsNegative() bool { return q.value.IsNegative() }

// Cmp compares q and o after converting o to q's unit.
func (q Quantity) Cmp(o Quantity) int { return q.value.Cmp(o.In(q.unit).value) }

func (q Quantity) String() string { return q.value.String() + " " + q.unit.String() }

// MarshalJSON encodes the quantity as {"value":"...","unit":"..."}.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value decimal.Decimal `json:"value"`
		Unit  string          `json:"unit"`
	}{q.value, q.unit.String()})
}

// Value of q at ratePer10Kg, in currency units.
func Value(q Quantity, ratePer10Kg decimal.Decimal) decimal.Decimal {
	return q.Kg().Mul(ratePer10Kg).Div(RateBasisKg)
}

// AverageRate returns the weighted average rate per 10 kg of total currency
// spread over q. Zero when q is zero.
func AverageRate(total decimal.Decimal, q Quantity) decimal.Decimal {
	kg := q.Kg()
	if kg.IsZero() {
		return decimal.Zero
	}
	return total.Div(kg).Mul(RateBasisKg)
}

// PerKg converts a per-10kg rate to a per-kg rate.
func PerKg(ratePer10Kg decimal.Decimal) decimal.Decimal {
	return ratePer10Kg.Div(RateBasisKg)
}
