package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckAmount(t *testing.T) {
	l := NewOrderLimiter(d(1), d(10000))

	for _, amount := range []decimal.Decimal{d(1), d(1.01), d(500.50), d(10000)} {
		if err := l.CheckAmount(amount); err != nil {
			t.Errorf("amount %s should be accepted: %v", amount, err)
		}
	}

	for _, amount := range []decimal.Decimal{d(0.99), d(10000.01), d(5.001), decimal.Zero, d(-10)} {
		if err := l.CheckAmount(amount); !errors.Is(err, model.ErrValidation) {
			t.Errorf("amount %s should be rejected, got %v", amount, err)
		}
	}
}

func TestCheckPrice(t *testing.T) {
	l := NewOrderLimiter(d(1), d(10000))

	cases := []struct {
		in   decimal.Decimal
		want decimal.Decimal
	}{
		{d(0.50), d(0.50)},
		{d(0.01), d(0.01)},
		{d(0.99), d(0.99)},
		{d(0.567), d(0.57)}, // rounded to the cent
		{d(0.005), d(0.01)},
	}
	for _, tc := range cases {
		got, err := l.CheckPrice(tc.in)
		if err != nil {
			t.Errorf("price %s should be accepted: %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("price %s: expected %s, got %s", tc.in, tc.want, got)
		}
	}

	for _, price := range []decimal.Decimal{decimal.Zero, d(1), d(1.50), d(-0.10), d(0.004), d(0.996)} {
		if _, err := l.CheckPrice(price); !errors.Is(err, model.ErrValidation) {
			t.Errorf("price %s should be rejected, got %v", price, err)
		}
	}
}

func TestCheckSide(t *testing.T) {
	l := NewOrderLimiter(d(1), d(10000))

	if err := l.CheckSide(model.SideYes); err != nil {
		t.Errorf("YES should be valid: %v", err)
	}
	if err := l.CheckSide(model.SideNo); err != nil {
		t.Errorf("NO should be valid: %v", err)
	}
	if err := l.CheckSide(model.Side("MAYBE")); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for bad side, got %v", err)
	}
	if err := l.CheckSide(model.Side("")); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for empty side, got %v", err)
	}
}
