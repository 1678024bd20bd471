package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex, which trivially provides
// the isolation the engine requires. Writes are staged in overlay maps and
// folded into the base maps only when the transaction function returns nil,
// so an aborted transaction leaves no trace.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	users     map[string]*model.User
	orders    map[string]*model.Order
	positions map[string]*model.Position // keyed userID_marketID
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, marketID string) string {
	return fmt.Sprintf("%s_%s", userID, marketID)
}

// memTx stages writes against a MemoryStore. Reads see staged writes first
// (read-your-writes), then the base maps.
type memTx struct {
	s         *MemoryStore
	markets   map[string]*model.Market
	users     map[string]*model.User
	orders    map[string]*model.Order
	positions map[string]*model.Position
	trades    []model.Trade
}

// RunTransaction executes fn with full mutual exclusion. The mutex makes the
// conflict-retry path unreachable here; the postgres store is where retries
// actually happen.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Commit: fold staged writes into the base maps.
	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.trades = append(s.trades, tx.trades...)
	return nil
}

// --- Tx implementation ---

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		cp := *m
		return &cp, nil
	}
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (tx *memTx) PutMarket(_ context.Context, m *model.Market) error {
	cp := *m
	tx.markets[m.ID] = &cp
	return nil
}

func (tx *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (tx *memTx) PutUser(_ context.Context, u *model.User) error {
	cp := *u
	tx.users[u.ID] = &cp
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if _, ok := tx.s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	tx.orders[o.ID] = &cp
	return nil
}

func (tx *memTx) PutOrder(_ context.Context, o *model.Order) error {
	cp := *o
	tx.orders[o.ID] = &cp
	return nil
}

// visibleOrders merges base and staged orders, staged taking precedence.
func (tx *memTx) visibleOrders() []*model.Order {
	out := make([]*model.Order, 0, len(tx.s.orders)+len(tx.orders))
	for id, o := range tx.s.orders {
		if staged, ok := tx.orders[id]; ok {
			out = append(out, staged)
			continue
		}
		out = append(out, o)
	}
	for id, o := range tx.orders {
		if _, ok := tx.s.orders[id]; !ok {
			out = append(out, o)
		}
	}
	return out
}

func (tx *memTx) RestingOrders(_ context.Context, marketID string, side model.Side, minPrice decimal.Decimal) ([]model.Order, error) {
	var result []model.Order
	for _, o := range tx.visibleOrders() {
		if o.MarketID != marketID || o.Side != side || !o.Status.Resting() {
			continue
		}
		if o.Price.LessThan(minPrice) {
			continue
		}
		result = append(result, *o)
	}
	sortByPriority(result)
	return result, nil
}

func (tx *memTx) RestingOrdersByMarket(_ context.Context, marketID string) ([]model.Order, error) {
	var result []model.Order
	for _, o := range tx.visibleOrders() {
		if o.MarketID == marketID && o.Status.Resting() {
			result = append(result, *o)
		}
	}
	sortByPriority(result)
	return result, nil
}

// sortByPriority orders by price ascending, then creation time ascending
// (strict FIFO at equal price), then ID for determinism.
func sortByPriority(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			return orders[i].Price.LessThan(orders[j].Price)
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

func (tx *memTx) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	k := posKey(userID, marketID)
	if p, ok := tx.positions[k]; ok {
		cp := *p
		return &cp, nil
	}
	p, ok := tx.s.positions[k]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) PutPosition(_ context.Context, p *model.Position) error {
	cp := *p
	tx.positions[posKey(p.UserID, p.MarketID)] = &cp
	return nil
}

func (tx *memTx) PositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	seen := make(map[string]bool)
	var result []model.Position
	for k, p := range tx.positions {
		if p.MarketID == marketID {
			result = append(result, *p)
		}
		seen[k] = true
	}
	for k, p := range tx.s.positions {
		if !seen[k] && p.MarketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

// --- Read-only queries ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

// CreateMarket seeds a market outside any settlement transaction. Used by
// the market admin surface and tests.
func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) OrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) OrderBook(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && o.Status.Resting() {
			result = append(result, *o)
		}
	}
	sortByPriority(result)
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.YesUserID == userID || t.NoUserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}
