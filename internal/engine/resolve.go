package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/metrics"
	"github.com/forecastx/exchange/internal/model"
	"github.com/forecastx/exchange/internal/store"
)

// Payout is one user's credit from a market resolution.
type Payout struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveMarket settles a market: every position is paid out according to
// the outcome, every resting order is cancelled with its reservation
// refunded, and the market becomes resolved — all in one atomic transaction.
//
// Winning shares pay exactly 1 currency unit each. An INVALID outcome
// refunds cost basis, not face value. The status precondition is checked
// inside the same transaction that mutates, so two racing resolutions
// cannot both commit.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, outcome model.Outcome, note string) ([]Payout, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be YES, NO, or INVALID", model.ErrValidation)
	}

	var payouts []Payout

	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		payouts = payouts[:0] // re-runnable under conflict retry

		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Status == model.MarketResolved {
			return fmt.Errorf("%w: market %s already resolved", model.ErrInvalidState, marketID)
		}
		if market.Status != model.MarketOpen && market.Status != model.MarketClosed {
			return fmt.Errorf("%w: market %s is %s", model.ErrInvalidState, marketID, market.Status)
		}

		positions, err := tx.PositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		orders, err := tx.RestingOrdersByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		// Pre-fetch every balance the settlement will credit.
		users := make(map[string]*model.User)
		loadUser := func(uid string) error {
			if _, ok := users[uid]; ok {
				return nil
			}
			u, err := tx.GetUser(ctx, uid)
			if err != nil {
				return err
			}
			users[uid] = u
			return nil
		}
		for _, p := range positions {
			if err := loadUser(p.UserID); err != nil {
				return err
			}
		}
		for _, o := range orders {
			if err := loadUser(o.UserID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()

		// 1. Pay out positions.
		for i := range positions {
			pos := positions[i]
			if pos.Settled {
				continue
			}

			var payout decimal.Decimal
			switch outcome {
			case model.OutcomeYes:
				payout = pos.YesShares
			case model.OutcomeNo:
				payout = pos.NoShares
			case model.OutcomeInvalid:
				// Principal back, not face value.
				payout = pos.YesCostBasis.Add(pos.NoCostBasis)
			}

			if payout.IsPositive() {
				u := users[pos.UserID]
				u.Balance = u.Balance.Add(payout)
				payouts = append(payouts, Payout{UserID: pos.UserID, Amount: payout})
			}

			pos.CurrentValue = payout
			pos.RealizedPnL = payout.Sub(pos.YesCostBasis.Add(pos.NoCostBasis))
			pos.Settled = true
			pos.UpdatedAt = now
			if err := tx.PutPosition(ctx, &pos); err != nil {
				return err
			}
		}

		// 2. Cancel resting orders and refund reservations.
		for i := range orders {
			order := orders[i]
			u := users[order.UserID]
			u.Balance = u.Balance.Add(order.RemainingAmount)
			order.Status = model.OrderCancelled
			order.UpdatedAt = now
			if err := tx.PutOrder(ctx, &order); err != nil {
				return err
			}
		}

		for _, u := range users {
			u.UpdatedAt = now
			if err := tx.PutUser(ctx, u); err != nil {
				return err
			}
		}

		// 3. Mark the market resolved.
		market.Status = model.MarketResolved
		market.Outcome = outcome
		market.ResolutionNote = note
		market.ResolvedAt = &now
		return tx.PutMarket(ctx, market)
	})
	if err != nil {
		return nil, err
	}

	metrics.MarketsResolved.WithLabelValues(string(outcome)).Inc()
	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"payouts", len(payouts),
	)
	return payouts, nil
}
