// Package engine implements the matching and settlement core: order
// submission with price-then-FIFO matching, order cancellation, and market
// resolution. Every operation runs as one atomic store transaction — the
// full read set is taken up front and the full write set commits together
// or not at all.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/limits"
	"github.com/forecastx/exchange/internal/metrics"
	"github.com/forecastx/exchange/internal/model"
	"github.com/forecastx/exchange/internal/store"
)

// Engine drives order matching and settlement against a transactional store.
// It holds no mutable state of its own; concurrency control is entirely the
// store's transaction isolation.
type Engine struct {
	store  store.Store
	limits limits.OrderLimiter
}

// New creates a matching engine.
func New(st store.Store, lim limits.OrderLimiter) *Engine {
	return &Engine{store: st, limits: lim}
}

// SubmitResult is the outcome of one order submission: the fills executed
// immediately and the resting order for any unfilled remainder.
type SubmitResult struct {
	Trades       []model.Trade `json:"trades"`
	RestingOrder *model.Order  `json:"resting_order"` // nil when fully filled
}

// SubmitOrder places a limit order for the given side and walks the opposite
// side of the book for fills.
//
// A taker on side S at price p may match any resting counter-order at price
// q with p + q >= 1, since a complete YES+NO pair always settles at exactly
// 1 currency unit. Counter-orders are walked in price-ascending order with
// strict FIFO at equal price. The taker pays p per share on each fill; the
// maker's consumed reservation above the traded complement price is credited
// straight back to their balance, so matching neither creates nor destroys
// currency. Any unfilled remainder is reserved in a new resting order,
// completing the reservation of the full requested amount.
func (e *Engine) SubmitOrder(ctx context.Context, userID, marketID string, side model.Side, priceLimit, amount decimal.Decimal) (*SubmitResult, error) {
	if err := e.limits.CheckSide(side); err != nil {
		return nil, err
	}
	if err := e.limits.CheckAmount(amount); err != nil {
		return nil, err
	}
	price, err := e.limits.CheckPrice(priceLimit)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var result *SubmitResult

	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var txErr error
		result, txErr = e.matchOrder(ctx, tx, userID, marketID, side, price, amount)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	rested := "false"
	if result.RestingOrder != nil {
		rested = "true"
	}
	metrics.OrdersSubmitted.WithLabelValues(string(side), rested).Inc()
	metrics.TradesMatched.Add(float64(len(result.Trades)))
	metrics.MatchLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	slog.Info("order submitted",
		"user", userID,
		"market", marketID,
		"side", side,
		"price", price.String(),
		"amount", amount.String(),
		"fills", len(result.Trades),
		"rested", result.RestingOrder != nil,
	)
	return result, nil
}

// matchOrder is the transactional body of SubmitOrder. It must be re-runnable
// under conflict retry: all side effects go through tx.
func (e *Engine) matchOrder(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, price, amount decimal.Decimal) (*SubmitResult, error) {
	// --- Read set, taken before any write ---

	market, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.MarketOpen {
		return nil, fmt.Errorf("%w: market %s is %s", model.ErrMarketNotTradable, marketID, market.Status)
	}

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
	if err := loadUser(userID); err != nil {
		return nil, err
	}
	taker := users[userID]
	if taker.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, need %s", model.ErrInsufficientFunds, taker.Balance, amount)
	}

	// Eligibility: p + q >= 1, i.e. counter price q >= 1 - p. The query
	// returns price-ascending then FIFO, which is the priority policy.
	threshold := model.One.Sub(price)
	counters, err := tx.RestingOrders(ctx, marketID, side.Opposite(), threshold)
	if err != nil {
		return nil, err
	}

	// Pre-fetch every position and balance the walk might touch so no
	// write precedes a read of the same logical operation.
	positions := make(map[string]model.Position)
	loadPosition := func(uid string) error {
		if _, ok := positions[uid]; ok {
			return nil
		}
		p, err := tx.GetPosition(ctx, uid, marketID)
		if err != nil {
			return err
		}
		if p == nil {
			p = &model.Position{UserID: uid, MarketID: marketID}
		}
		positions[uid] = *p
		return nil
	}
	if err := loadPosition(userID); err != nil {
		return nil, err
	}
	for _, c := range counters {
		if err := loadUser(c.UserID); err != nil {
			return nil, err
		}
		if err := loadPosition(c.UserID); err != nil {
			return nil, err
		}
	}

	// --- Walk the book ---

	takerYesPrice, takerNoPrice := price, model.One.Sub(price)
	if side == model.SideNo {
		takerYesPrice, takerNoPrice = model.One.Sub(price), price
	}

	now := time.Now().UTC()
	remaining := amount
	var trades []model.Trade
	takerOrderID := uuid.New().String()
	filled := make(map[string]bool) // parties whose position actually changed

	for i := range counters {
		if !remaining.IsPositive() {
			break
		}
		counter := counters[i]

		// Re-validate against transactionally read data, not the index.
		if price.Add(counter.Price).LessThan(model.One) {
			continue
		}

		fill := decimal.Min(remaining, counter.RemainingAmount)
		shares := fill // 1 currency unit of matched amount mints 1 share

		// Taker pays their own limit per share.
		cost := price.Mul(shares)
		taker.Balance = taker.Balance.Sub(cost)
		if taker.Balance.IsNegative() {
			return nil, fmt.Errorf("%w: fill cost exceeds balance", model.ErrInsufficientFunds)
		}

		// The fill consumes fill units of the maker's reservation, but at
		// the traded complement price the maker only owes makerCost; the
		// surplus goes back to their balance so matching conserves currency.
		makerCost := model.One.Sub(price).Mul(shares)
		maker := users[counter.UserID]
		maker.Balance = maker.Balance.Add(fill.Sub(makerCost))

		takerDelta := model.PositionDelta{Side: side, Shares: shares, Cost: cost}
		makerDelta := model.PositionDelta{
			Side:   side.Opposite(),
			Shares: shares,
			Cost:   makerCost,
		}
		positions[userID] = takerDelta.Apply(positions[userID])
		positions[counter.UserID] = makerDelta.Apply(positions[counter.UserID])
		filled[userID] = true
		filled[counter.UserID] = true

		counter.RemainingAmount = counter.RemainingAmount.Sub(fill)
		counter.FilledAmount = counter.FilledAmount.Add(fill)
		if counter.RemainingAmount.IsZero() {
			counter.Status = model.OrderFilled
		} else {
			counter.Status = model.OrderPartiallyFilled
		}
		counter.UpdatedAt = now
		if err := tx.PutOrder(ctx, &counter); err != nil {
			return nil, err
		}

		yesUser, noUser := userID, counter.UserID
		if side == model.SideNo {
			yesUser, noUser = counter.UserID, userID
		}
		trade := model.Trade{
			ID:           uuid.New().String(),
			MarketID:     marketID,
			TakerOrderID: takerOrderID,
			MakerOrderID: counter.ID,
			YesUserID:    yesUser,
			NoUserID:     noUser,
			YesPrice:     takerYesPrice,
			NoPrice:      takerNoPrice,
			SharesTraded: shares,
			TotalAmount:  fill,
			CreatedAt:    now,
		}
		if err := tx.InsertTrade(ctx, &trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		// A matched pair mints one share of each side.
		market.YesPrice = takerYesPrice
		market.NoPrice = takerNoPrice
		market.TotalVolume = market.TotalVolume.Add(fill)
		market.TotalYesShares = market.TotalYesShares.Add(shares)
		market.TotalNoShares = market.TotalNoShares.Add(shares)

		remaining = remaining.Sub(fill)
	}

	// --- Resting remainder ---

	var resting *model.Order
	if remaining.IsPositive() {
		resting = &model.Order{
			ID:              takerOrderID,
			MarketID:        marketID,
			UserID:          userID,
			Side:            side,
			Price:           price,
			// The resting order carries only the unfilled remainder;
			// immediate fills live in the trade log.
			OriginalAmount:  remaining,
			RemainingAmount: remaining,
			Status:          model.OrderOpen,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		// Complete the reservation of the requested amount.
		taker.Balance = taker.Balance.Sub(remaining)
		if taker.Balance.IsNegative() {
			return nil, fmt.Errorf("%w: cannot reserve resting amount", model.ErrInsufficientFunds)
		}
		if err := tx.InsertOrder(ctx, resting); err != nil {
			return nil, err
		}
	}

	// --- Commit write set ---

	// Positions are created lazily: a user who only rested an order gets
	// no position row.
	for uid := range positions {
		if !filled[uid] {
			continue
		}
		p := positions[uid]
		p.UpdatedAt = now
		if err := tx.PutPosition(ctx, &p); err != nil {
			return nil, err
		}
	}
	for uid, u := range users {
		if uid != userID && !filled[uid] {
			continue
		}
		u.UpdatedAt = now
		if err := tx.PutUser(ctx, u); err != nil {
			return nil, err
		}
	}
	if len(trades) > 0 {
		if err := tx.PutMarket(ctx, market); err != nil {
			return nil, err
		}
	}

	return &SubmitResult{Trades: trades, RestingOrder: resting}, nil
}

// CancelOrder reverses a resting order's reservation: the remaining amount
// is credited back to the owner and the order becomes cancelled (terminal).
// The remaining amount is kept on the record for history; the refund
// returned is its value at cancellation time.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (decimal.Decimal, error) {
	var refunded decimal.Decimal

	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s belongs to another user", model.ErrForbidden, orderID)
		}
		if !order.Status.Resting() {
			return fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, order.Status)
		}

		owner, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		refunded = order.RemainingAmount
		owner.Balance = owner.Balance.Add(refunded)
		owner.UpdatedAt = time.Now().UTC()
		order.Status = model.OrderCancelled
		order.UpdatedAt = owner.UpdatedAt

		if err := tx.PutOrder(ctx, order); err != nil {
			return err
		}
		return tx.PutUser(ctx, owner)
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "user", userID, "order", orderID, "refunded", refunded.String())
	return refunded, nil
}

// CloseMarket transitions an open market to closed, halting trading ahead
// of resolution.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) error {
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !market.Status.CanTransition(model.MarketClosed) {
			return fmt.Errorf("%w: market %s is %s", model.ErrInvalidState, marketID, market.Status)
		}
		now := time.Now().UTC()
		market.Status = model.MarketClosed
		market.ClosedAt = &now
		return tx.PutMarket(ctx, market)
	})
	if err != nil {
		return err
	}
	slog.Info("market closed", "market", marketID)
	return nil
}
