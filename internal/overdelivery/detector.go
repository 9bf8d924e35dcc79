// Package overdelivery flags contracts whose cumulative delivered weight
// exceeds the contracted quantity.
//
// Pending quantity is clamped at zero when a contract is over-delivered, so
// the excess disappears from every derived figure. The detector surfaces it
// instead: callers log it, count it and broadcast it, but never reject the
// delivery that caused it.
package overdelivery

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/quantity"
)

// Detector decides whether a delivery total is an over-delivery.
//
// Weighbridge slips rarely land on an exact pack boundary, so a small excess
// can be tolerated:
//   - ToleranceKg absorbs a fixed number of kilograms per contract
//   - ToleranceRatio absorbs a fraction of the contracted weight (0.01 = 1%)
//
// The larger of the two applies. Both zero flags any excess at all.
type Detector struct {
	ToleranceKg    decimal.Decimal
	ToleranceRatio decimal.Decimal
}

// NewDetector creates a detector with the given tolerances. Negative values
// are treated as zero.
func NewDetector(toleranceKg, toleranceRatio decimal.Decimal) *Detector {
	if toleranceKg.IsNegative() {
		toleranceKg = decimal.Zero
	}
	if toleranceRatio.IsNegative() {
		toleranceRatio = decimal.Zero
	}
	return &Detector{
		ToleranceKg:    toleranceKg,
		ToleranceRatio: toleranceRatio,
	}
}

// Flag describes one over-delivered contract. All weights are in kg.
type Flag struct {
	ContractID   string          `json:"contract_id"`
	ContractedKg decimal.Decimal `json:"contracted_kg"`
	DeliveredKg  decimal.Decimal `json:"delivered_kg"`
	ExcessKg     decimal.Decimal `json:"excess_kg"`
}

func (f *Flag) String() string {
	return fmt.Sprintf("contract %s over-delivered by %s kg (%s of %s)",
		f.ContractID, f.ExcessKg, f.DeliveredKg, f.ContractedKg)
}

// Check compares delivered against contracted and returns a Flag when the
// excess is beyond tolerance, or nil.
func (d *Detector) Check(contractID string, contracted, delivered quantity.Quantity) *Flag {
	contractedKg := contracted.Kg()
	deliveredKg := delivered.Kg()
	excess := deliveredKg.Sub(contractedKg)
	if !excess.IsPositive() {
		return nil
	}

	if excess.LessThanOrEqual(d.tolerance(contractedKg)) {
		return nil
	}

	return &Flag{
		ContractID:   contractID,
		ContractedKg: contractedKg,
		DeliveredKg:  deliveredKg,
		ExcessKg:     excess,
	}
}

func (d *Detector) tolerance(contractedKg decimal.Decimal) decimal.Decimal {
	byRatio := contractedKg.Mul(d.ToleranceRatio)
	if byRatio.GreaterThan(d.ToleranceKg) {
		return byRatio
	}
	return d.ToleranceKg
}
