// Package limits enforces order admission bounds: amount within the
// configured [minimum, maximum] range, whole-cent precision, and a price
// limit strictly inside the open (0,1) interval.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/model"
)

// OrderLimiter validates order parameters before any state is touched.
// All failures wrap model.ErrValidation.
type OrderLimiter struct {
	// MinAmount is the smallest order amount accepted, in currency units.
	MinAmount decimal.Decimal

	// MaxAmount is the largest order amount accepted, in currency units.
	MaxAmount decimal.Decimal
}

// NewOrderLimiter creates a limiter with the given bounds.
func NewOrderLimiter(minAmount, maxAmount decimal.Decimal) OrderLimiter {
	return OrderLimiter{MinAmount: minAmount, MaxAmount: maxAmount}
}

// CheckAmount validates an order amount against the configured bounds.
// Amounts must be positive, within [MinAmount, MaxAmount], and have at most
// two decimal places (whole cents).
func (l OrderLimiter) CheckAmount(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: amount %s is not a whole-cent value", model.ErrValidation, amount)
	}
	if amount.LessThan(l.MinAmount) {
		return fmt.Errorf("%w: amount %s below minimum %s", model.ErrValidation, amount, l.MinAmount)
	}
	if amount.GreaterThan(l.MaxAmount) {
		return fmt.Errorf("%w: amount %s above maximum %s", model.ErrValidation, amount, l.MaxAmount)
	}
	return nil
}

// CheckPrice rounds a price limit to the nearest cent and validates that the
// result lies strictly inside (0,1). Returns the rounded price.
func (l OrderLimiter) CheckPrice(price decimal.Decimal) (decimal.Decimal, error) {
	p := model.RoundPrice(price)
	if !model.ValidPrice(p) {
		return decimal.Decimal{}, fmt.Errorf("%w: price %s outside (0,1)", model.ErrValidation, price)
	}
	return p, nil
}

// CheckSide validates the order side.
func (l OrderLimiter) CheckSide(side model.Side) error {
	if !side.Valid() {
		return fmt.Errorf("%w: side must be YES or NO", model.ErrValidation)
	}
	return nil
}
