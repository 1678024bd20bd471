package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestSideOpposite(t *testing.T) {
	if SideYes.Opposite() != SideNo {
		t.Error("YES opposite should be NO")
	}
	if SideNo.Opposite() != SideYes {
		t.Error("NO opposite should be YES")
	}
}

func TestOrderStatusResting(t *testing.T) {
	resting := map[OrderStatus]bool{
		OrderOpen:            true,
		OrderPartiallyFilled: true,
		OrderFilled:          false,
		OrderCancelled:       false,
	}
	for status, want := range resting {
		if got := status.Resting(); got != want {
			t.Errorf("%s.Resting() = %v, want %v", status, got, want)
		}
	}
}

func TestMarketStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to MarketStatus }{
		{MarketProposed, MarketOpen},
		{MarketProposed, MarketRejected},
		{MarketOpen, MarketClosed},
		{MarketOpen, MarketResolved},
		{MarketClosed, MarketResolved},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s → %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to MarketStatus }{
		{MarketProposed, MarketClosed},
		{MarketProposed, MarketResolved},
		{MarketClosed, MarketOpen},
		{MarketResolved, MarketOpen},
		{MarketResolved, MarketResolved},
		{MarketRejected, MarketOpen},
		{MarketOpen, MarketProposed},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s → %s should be forbidden", tc.from, tc.to)
		}
	}
}

func TestOutcomeValid(t *testing.T) {
	for _, o := range []Outcome{OutcomeYes, OutcomeNo, OutcomeInvalid} {
		if !o.Valid() {
			t.Errorf("%s should be valid", o)
		}
	}
	if Outcome("MAYBE").Valid() || Outcome("").Valid() {
		t.Error("unknown outcomes should be invalid")
	}
}

func TestRoundPrice(t *testing.T) {
	cases := []struct{ in, want decimal.Decimal }{
		{d(0.50), d(0.50)},
		{d(0.567), d(0.57)},
		{d(0.564), d(0.56)},
		{d(0.005), d(0.01)},
	}
	for _, tc := range cases {
		if got := RoundPrice(tc.in); !got.Equal(tc.want) {
			t.Errorf("RoundPrice(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestValidPrice(t *testing.T) {
	for _, p := range []decimal.Decimal{d(0.01), d(0.50), d(0.99)} {
		if !ValidPrice(p) {
			t.Errorf("%s should be valid", p)
		}
	}
	for _, p := range []decimal.Decimal{decimal.Zero, One, d(1.01), d(-0.01)} {
		if ValidPrice(p) {
			t.Errorf("%s should be invalid", p)
		}
	}
}

func TestPositionDeltaApply(t *testing.T) {
	p := Position{UserID: "u1", MarketID: "m1"}

	p = PositionDelta{Side: SideYes, Shares: d(10), Cost: d(6)}.Apply(p)
	p = PositionDelta{Side: SideNo, Shares: d(5), Cost: d(2)}.Apply(p)
	p = PositionDelta{Side: SideYes, Shares: d(4), Cost: d(2.4)}.Apply(p)

	if !p.YesShares.Equal(d(14)) || !p.YesCostBasis.Equal(d(8.4)) {
		t.Errorf("YES side wrong: %s shares, %s cost", p.YesShares, p.YesCostBasis)
	}
	if !p.NoShares.Equal(d(5)) || !p.NoCostBasis.Equal(d(2)) {
		t.Errorf("NO side wrong: %s shares, %s cost", p.NoShares, p.NoCostBasis)
	}

	// Apply returns a copy; the original is untouched.
	orig := Position{YesShares: d(1)}
	_ = PositionDelta{Side: SideYes, Shares: d(9), Cost: d(5)}.Apply(orig)
	if !orig.YesShares.Equal(d(1)) {
		t.Errorf("Apply mutated its input: %s", orig.YesShares)
	}
}
