// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every settlement operation runs inside RunTransaction: the full read set
// (market, users, candidate orders, positions) is read through the Tx and the
// full write set commits together or not at all. Returning an error from the
// transaction function aborts with no partial writes.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/model"
)

// Tx is the view of the store inside one atomic transaction. All reads
// reflect a single consistent snapshot; all writes are staged and become
// visible only on commit.
type Tx interface {
	// --- Markets ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	PutMarket(ctx context.Context, m *model.Market) error

	// --- Users / balances ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	PutUser(ctx context.Context, u *model.User) error

	// --- Order book ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	PutOrder(ctx context.Context, o *model.Order) error

	// RestingOrders returns orders on one side of a market that can still
	// match (status open or partially_filled) with price >= minPrice,
	// ordered by price ascending then creation time ascending. This
	// ordering is the price-then-FIFO priority policy.
	RestingOrders(ctx context.Context, marketID string, side model.Side, minPrice decimal.Decimal) ([]model.Order, error)

	// RestingOrdersByMarket returns every still-matchable order on a
	// market, both sides. Used by resolution to refund reservations.
	RestingOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error)

	// --- Positions ---

	// GetPosition returns the (user, market) position, or nil if the user
	// has never traded the market.
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	PutPosition(ctx context.Context, p *model.Position) error
	PositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Immutable trade log ---

	InsertTrade(ctx context.Context, t *model.Trade) error
}

// Store is the persistence interface. RunTransaction is the only way to
// mutate settlement state; the remaining methods are read-only queries used
// by the HTTP layer outside any transaction.
type Store interface {
	// RunTransaction executes fn atomically. If the underlying store
	// detects a write-write conflict the whole function is re-run from
	// scratch; after the retry bound is exhausted the error is
	// model.ErrConflict. fn must therefore be side-effect free apart from
	// its Tx writes.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Entity creation outside settlement (admin surface) ---

	CreateMarket(ctx context.Context, m *model.Market) error
	CreateUser(ctx context.Context, u *model.User) error

	// --- Read-only queries (may be served from cache) ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	GetUser(ctx context.Context, id string) (*model.User, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	OrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	OrderBook(ctx context.Context, marketID string) ([]model.Order, error)

	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	PositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
}
