package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/model"
	"github.com/forecastx/exchange/internal/store"
)

// Deposit credits a user's balance. Amounts must be positive whole-cent
// values. Returns the updated user.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return nil, fmt.Errorf("%w: deposit amount must be a positive whole-cent value", model.ErrValidation)
	}

	var user *model.User
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Add(amount)
		u.UpdatedAt = time.Now().UTC()
		user = u
		return tx.PutUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("deposit credited", "user", userID, "amount", amount.String())
	return user, nil
}
