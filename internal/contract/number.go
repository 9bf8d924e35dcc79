// Package contract handles sauda contract numbers: parsing, validation and
// allocation of the next number in a financial-year sequence.
package contract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/saudabook/position-engine/internal/model"
)

// Number prefixes per trade side.
const (
	PrefixPurchase = "P"
	PrefixSale     = "S"
)

// numberRegex matches: {P|S}/{YYYY}-{YY}/{NNNN}
// Example: P/2024-25/0007
var numberRegex = regexp.MustCompile(`^([PS])/(\d{4})-(\d{2})/(\d{4,})$`)

var (
	ErrInvalidNumber = errors.New("contract: invalid contract number format")
	ErrYearMismatch  = errors.New("contract: contract number financial year does not match trade date")
	ErrSideMismatch  = errors.New("contract: contract number prefix does not match trade type")
)

// Number is a parsed contract number.
type Number struct {
	Raw      string          `json:"raw"`
	Type     model.TradeType `json:"type"`
	FY       FinancialYear   `json:"financial_year"`
	Sequence int             `json:"sequence"`
}

// FinancialYear runs 1 April to 31 March and is named by its starting year.
type FinancialYear int

// FinancialYearOf returns the financial year containing date.
func FinancialYearOf(date time.Time) FinancialYear {
	y := date.Year()
	if date.Month() < time.April {
		y--
	}
	return FinancialYear(y)
}

// String formats the year as "2024-25".
func (fy FinancialYear) String() string {
	return fmt.Sprintf("%04d-%02d", int(fy), (int(fy)+1)%100)
}

// Start returns 1 April of the financial year.
func (fy FinancialYear) Start() time.Time {
	return time.Date(int(fy), time.April, 1, 0, 0, 0, 0, time.UTC)
}

// Prefix returns the number prefix for a trade side.
func Prefix(t model.TradeType) string {
	if t == model.Sale {
		return PrefixSale
	}
	return PrefixPurchase
}

// Format builds a contract number.
func Format(t model.TradeType, fy FinancialYear, seq int) string {
	return fmt.Sprintf("%s/%s/%04d", Prefix(t), fy, seq)
}

// Parse parses and validates a contract number.
func Parse(raw string) (*Number, error) {
	m := numberRegex.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("%w: %q (expected {P|S}/{YYYY-YY}/{NNNN})", ErrInvalidNumber, raw)
	}

	start, _ := strconv.Atoi(m[2])
	end, _ := strconv.Atoi(m[3])
	if (start+1)%100 != end {
		return nil, fmt.Errorf("%w: %q has non-consecutive years", ErrInvalidNumber, raw)
	}
	seq, err := strconv.Atoi(m[4])
	if err != nil || seq <= 0 {
		return nil, fmt.Errorf("%w: %q has invalid sequence", ErrInvalidNumber, raw)
	}

	t := model.Purchase
	if m[1] == PrefixSale {
		t = model.Sale
	}

	return &Number{
		Raw:      raw,
		Type:     t,
		FY:       FinancialYear(start),
		Sequence: seq,
	}, nil
}

// Validate checks that raw is well formed and agrees with the contract's
// side and trade date.
func Validate(raw string, t model.TradeType, tradeDate time.Time) (*Number, error) {
	n, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if n.Type != t {
		return nil, fmt.Errorf("%w: %s for %s", ErrSideMismatch, raw, t)
	}
	if fy := FinancialYearOf(tradeDate); n.FY != fy {
		return nil, fmt.Errorf("%w: %s vs %s", ErrYearMismatch, raw, fy)
	}
	return n, nil
}

// Sequencer reports the highest sequence already issued under a prefix.
type Sequencer interface {
	MaxContractSequence(ctx context.Context, prefix string) (int, error)
}

// SequencePrefix returns the part of a number shared by every contract of
// one side in one financial year, e.g. "P/2024-25/".
func SequencePrefix(t model.TradeType, fy FinancialYear) string {
	return fmt.Sprintf("%s/%s/", Prefix(t), fy)
}

// Next allocates the next number for a contract of side t traded on
// tradeDate. Call it inside the unit of work that inserts the contract; a
// concurrent allocation surfaces as a duplicate number on insert.
func Next(ctx context.Context, seq Sequencer, t model.TradeType, tradeDate time.Time) (string, error) {
	fy := FinancialYearOf(tradeDate)
	highest, err := seq.MaxContractSequence(ctx, SequencePrefix(t, fy))
	if err != nil {
		return "", fmt.Errorf("contract sequence: %w", err)
	}
	return Format(t, fy, highest+1), nil
}
