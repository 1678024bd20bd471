package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forecastx/exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths (market snapshots, order books, user
// positions). Settlement transactions always go straight to the primary;
// RunTransaction invalidates the touched market and order-book keys after a
// successful commit, so cached reads are at most one ttl stale and never
// feed back into matching.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunTransaction passes through to the primary. Transactional reads never
// see the cache; the trade layer calls InvalidateMarket after commit.
func (s *CachedStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.primary.RunTransaction(ctx, fn)
}

// InvalidateMarket drops cached state for one market and the users involved.
// The trade layer calls this after every successful settlement.
func (s *CachedStore) InvalidateMarket(ctx context.Context, marketID string, userIDs ...string) {
	keys := []string{marketKey(marketID), bookKey(marketID), tradesKey(marketID)}
	for _, uid := range userIDs {
		keys = append(keys, positionsKey(uid), userKey(uid))
	}
	s.rdb.Del(ctx, keys...)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) OrderBook(ctx context.Context, marketID string) ([]model.Order, error) {
	data, err := s.rdb.Get(ctx, bookKey(marketID)).Bytes()
	if err == nil {
		var orders []model.Order
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	orders, err := s.primary.OrderBook(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, bookKey(marketID), orders)
	return orders, nil
}

func (s *CachedStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(userID), positions)
	return positions, nil
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradesKey(marketID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.TradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, tradesKey(marketID), trades)
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) OrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.OrdersByUser(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.TradesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func bookKey(id string) string       { return fmt.Sprintf("book:%s", id) }
func tradesKey(id string) string     { return fmt.Sprintf("trades:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func userKey(uid string) string      { return fmt.Sprintf("user:%s", uid) }
