package quantity

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestConversions(t *testing.T) {
	q := FromKg(d(12000))
	if !q.Packs().Equal(d(12)) {
		t.Errorf("12000 kg should be 12 packs, got %s", q.Packs())
	}
	p := FromPacks(d(2.5))
	if !p.Kg().Equal(d(2500)) {
		t.Errorf("2.5 packs should be 2500 kg, got %s", p.Kg())
	}
	if p.In(Kg).Unit() != Kg {
		t.Error("In(Kg) should retag the unit")
	}
}

func TestArithmeticKeepsReceiverUnit(t *testing.T) {
	total := FromPacks(d(20))
	loaded := FromKg(d(12000))

	pending := total.Sub(loaded)
	if pending.Unit() != Packs {
		t.Fatalf("expected packs, got %s", pending.Unit())
	}
	if !pending.Value().Equal(d(8)) {
		t.Errorf("20 packs - 12000 kg should be 8 packs, got %s", pending)
	}

	sum := loaded.Add(FromPacks(d(1)))
	if sum.Unit() != Kg || !sum.Value().Equal(d(13000)) {
		t.Errorf("expected 13000 kg, got %s", sum)
	}
}

func TestCmp(t *testing.T) {
	if FromPacks(d(1)).Cmp(FromKg(d(1000))) != 0 {
		t.Error("1 pack should equal 1000 kg")
	}
	if FromKg(d(999)).Cmp(FromPacks(d(1))) >= 0 {
		t.Error("999 kg should be less than 1 pack")
	}
}

func TestValueAndAverageRate(t *testing.T) {
	// 20 packs at 100 per 10 kg = 20000 kg * 10 per kg = 200000.
	v := Value(FromPacks(d(20)), d(100))
	if !v.Equal(d(200000)) {
		t.Errorf("expected value 200000, got %s", v)
	}

	// 10 packs @100 + 10 packs @200 -> 150.
	total := Value(FromPacks(d(10)), d(100)).Add(Value(FromPacks(d(10)), d(200)))
	avg := AverageRate(total, FromPacks(d(20)))
	if !avg.Equal(d(150)) {
		t.Errorf("weighted average should be 150, got %s", avg)
	}

	// The same average regardless of which unit the denominator arrives in.
	if !AverageRate(total, FromKg(d(20000))).Equal(avg) {
		t.Error("average rate must not depend on the quantity's unit")
	}
}

func TestAverageRateZeroQuantity(t *testing.T) {
	if !AverageRate(d(500), Zero(Kg)).IsZero() {
		t.Error("average over zero quantity should be zero")
	}
}

func TestPerKg(t *testing.T) {
	if !PerKg(d(120)).Equal(d(12)) {
		t.Errorf("120 per 10kg should be 12 per kg, got %s", PerKg(d(120)))
	}
}
