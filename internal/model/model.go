// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a binary contract.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is one of the two tradable sides.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side of the contract.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderStatus is the lifecycle state of an order.
// open → partially_filled → filled, or open/partially_filled → cancelled.
// filled and cancelled are terminal.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// Resting reports whether the order can still match or be cancelled.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartiallyFilled
}

// MarketStatus is the lifecycle state of a market.
// proposed → open → closed → resolved, with open → resolved permitted and
// proposed → rejected as the terminal alternative to approval.
type MarketStatus string

const (
	MarketProposed MarketStatus = "proposed"
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
	MarketRejected MarketStatus = "rejected"
)

// CanTransition reports whether the market state machine permits from → to.
func (from MarketStatus) CanTransition(to MarketStatus) bool {
	switch from {
	case MarketProposed:
		return to == MarketOpen || to == MarketRejected
	case MarketOpen:
		return to == MarketClosed || to == MarketResolved
	case MarketClosed:
		return to == MarketResolved
	}
	return false
}

// Outcome is the resolution result of a market.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Valid reports whether o is an acceptable resolution outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo || o == OutcomeInvalid
}

// Market represents one binary YES/NO question. Prices live in (0,1) in
// whole-cent increments and always satisfy YesPrice + NoPrice == 1.
type Market struct {
	ID             string          `json:"id" db:"id"`
	Question       string          `json:"question" db:"question"`
	Status         MarketStatus    `json:"status" db:"status"`
	YesPrice       decimal.Decimal `json:"yes_price" db:"yes_price"` // last traded
	NoPrice        decimal.Decimal `json:"no_price" db:"no_price"`
	TotalVolume    decimal.Decimal `json:"total_volume" db:"total_volume"`
	TotalYesShares decimal.Decimal `json:"total_yes_shares" db:"total_yes_shares"`
	TotalNoShares  decimal.Decimal `json:"total_no_shares" db:"total_no_shares"`
	Outcome        Outcome         `json:"outcome,omitempty" db:"outcome"`
	ResolutionNote string          `json:"resolution_note,omitempty" db:"resolution_note"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Order is a resting or historical limit order for shares of one side.
// Invariant: OriginalAmount == RemainingAmount + FilledAmount at all times.
type Order struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Side            Side            `json:"side" db:"side"`
	Price           decimal.Decimal `json:"price" db:"price"` // limit, whole cents in (0,1)
	OriginalAmount  decimal.Decimal `json:"original_amount" db:"original_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" db:"remaining_amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	Status          OrderStatus     `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable execution record. Once created, these are never
// modified or deleted. YesPrice + NoPrice == 1 and TotalAmount == SharesTraded
// (a complete YES+NO pair always settles at exactly 1 currency unit).
// TakerOrderID correlates all fills of one submission; a fully filled
// submission leaves no order row behind.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	TakerOrderID string          `json:"taker_order_id" db:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id" db:"maker_order_id"`
	YesUserID    string          `json:"yes_user_id" db:"yes_user_id"`
	NoUserID     string          `json:"no_user_id" db:"no_user_id"`
	YesPrice     decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice      decimal.Decimal `json:"no_price" db:"no_price"`
	SharesTraded decimal.Decimal `json:"shares_traded" db:"shares_traded"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is a trader's aggregate holdings in one market, keyed by
// (user, market). Shares and cost basis only grow via trade execution;
// resolution finalizes CurrentValue/RealizedPnL and marks it settled.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	YesShares    decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares     decimal.Decimal `json:"no_shares" db:"no_shares"`
	YesCostBasis decimal.Decimal `json:"yes_cost_basis" db:"yes_cost_basis"`
	NoCostBasis  decimal.Decimal `json:"no_cost_basis" db:"no_cost_basis"`
	CurrentValue decimal.Decimal `json:"current_value" db:"current_value"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Settled      bool            `json:"settled" db:"settled"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionDelta is a tagged increment applied to one side of a position.
type PositionDelta struct {
	Side   Side
	Shares decimal.Decimal
	Cost   decimal.Decimal
}

// Apply returns a copy of p with the delta added to the tagged side.
func (d PositionDelta) Apply(p Position) Position {
	switch d.Side {
	case SideYes:
		p.YesShares = p.YesShares.Add(d.Shares)
		p.YesCostBasis = p.YesCostBasis.Add(d.Cost)
	case SideNo:
		p.NoShares = p.NoShares.Add(d.Shares)
		p.NoCostBasis = p.NoCostBasis.Add(d.Cost)
	}
	return p
}

// User carries the spendable balance. Invariant: never negative as a result
// of any engine operation.
type User struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// One is the settlement value of a complete YES+NO share pair.
var One = decimal.NewFromInt(1)

// RoundPrice rounds a price to the nearest whole cent. All prices are
// rounded before comparison or storage.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(2)
}

// ValidPrice reports whether p (already rounded) lies strictly inside (0,1).
func ValidPrice(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(One)
}
