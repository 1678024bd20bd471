package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/metrics"
	"github.com/forecastx/exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// RunTransaction opens a SERIALIZABLE transaction; serialization failures
// (SQLSTATE 40001) and deadlocks (40P01) re-run the whole transaction
// function from scratch up to maxRetries, then surface model.ErrConflict.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, maxRetries int) *PostgresStore {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &PostgresStore{pool: pool, maxRetries: maxRetries}
}

func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		err = fn(ctx, &pgTx{tx: tx})
		if err != nil {
			_ = tx.Rollback(ctx)
			if retryable(err) {
				lastErr = err
				metrics.TxRetries.Inc()
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if retryable(err) {
				lastErr = err
				metrics.TxRetries.Inc()
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", model.ErrConflict, lastErr)
}

// retryable reports whether an error is a transient serialization conflict.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// pgTx adapts a pgx transaction to the Tx interface.
type pgTx struct {
	tx pgx.Tx
}

const marketColumns = `id, question, status,
	yes_price::TEXT, no_price::TEXT,
	total_volume::TEXT, total_yes_shares::TEXT, total_no_shares::TEXT,
	COALESCE(outcome, ''), COALESCE(resolution_note, ''),
	created_at, closed_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var yesPrice, noPrice, volume, yesShares, noShares string
	var outcome string

	err := row.Scan(&m.ID, &m.Question, &m.Status,
		&yesPrice, &noPrice,
		&volume, &yesShares, &noShares,
		&outcome, &m.ResolutionNote,
		&m.CreatedAt, &m.ClosedAt, &m.ResolvedAt)
	if err != nil {
		return nil, err
	}

	m.YesPrice, _ = decimal.NewFromString(yesPrice)
	m.NoPrice, _ = decimal.NewFromString(noPrice)
	m.TotalVolume, _ = decimal.NewFromString(volume)
	m.TotalYesShares, _ = decimal.NewFromString(yesShares)
	m.TotalNoShares, _ = decimal.NewFromString(noShares)
	m.Outcome = model.Outcome(outcome)
	return &m, nil
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (t *pgTx) PutMarket(ctx context.Context, m *model.Market) error {
	var outcome *string
	if m.Outcome != "" {
		s := string(m.Outcome)
		outcome = &s
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET question = $2, status = $3,
		     yes_price = $4::NUMERIC, no_price = $5::NUMERIC,
		     total_volume = $6::NUMERIC,
		     total_yes_shares = $7::NUMERIC, total_no_shares = $8::NUMERIC,
		     outcome = $9, resolution_note = $10,
		     closed_at = $11, resolved_at = $12
		 WHERE id = $1`,
		m.ID, m.Question, m.Status,
		m.YesPrice.String(), m.NoPrice.String(),
		m.TotalVolume.String(),
		m.TotalYesShares.String(), m.TotalNoShares.String(),
		outcome, m.ResolutionNote,
		m.ClosedAt, m.ResolvedAt,
	)
	return err
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := t.tx.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at, updated_at
		 FROM users WHERE id = $1 FOR UPDATE`, id).
		Scan(&u.ID, &balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (t *pgTx) PutUser(ctx context.Context, u *model.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		u.ID, u.Balance.String(), time.Now().UTC(),
	)
	return err
}

const orderColumns = `id, market_id, user_id, side, price::TEXT,
	original_amount::TEXT, remaining_amount::TEXT, filled_amount::TEXT,
	status, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, original, remaining, filled string

	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &price,
		&original, &remaining, &filled,
		&o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Price, _ = decimal.NewFromString(price)
	o.OriginalAmount, _ = decimal.NewFromString(original)
	o.RemainingAmount, _ = decimal.NewFromString(remaining)
	o.FilledAmount, _ = decimal.NewFromString(filled)
	return &o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, market_id, user_id, side, price,
		                     original_amount, remaining_amount, filled_amount,
		                     status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		o.ID, o.MarketID, o.UserID, o.Side, o.Price.String(),
		o.OriginalAmount.String(), o.RemainingAmount.String(), o.FilledAmount.String(),
		o.Status, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *pgTx) PutOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET remaining_amount = $2::NUMERIC, filled_amount = $3::NUMERIC,
		     status = $4, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.RemainingAmount.String(), o.FilledAmount.String(),
		o.Status, time.Now().UTC(),
	)
	return err
}

func (t *pgTx) RestingOrders(ctx context.Context, marketID string, side model.Side, minPrice decimal.Decimal) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE market_id = $1 AND side = $2
		   AND status IN ('open', 'partially_filled')
		   AND price >= $3::NUMERIC
		 ORDER BY price ASC, created_at ASC, id ASC
		 FOR UPDATE`,
		marketID, side, minPrice.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (t *pgTx) RestingOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partially_filled')
		 ORDER BY price ASC, created_at ASC, id ASC
		 FOR UPDATE`,
		marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

const positionColumns = `user_id, market_id,
	yes_shares::TEXT, no_shares::TEXT,
	yes_cost_basis::TEXT, no_cost_basis::TEXT,
	current_value::TEXT, realized_pnl::TEXT, settled, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var yesShares, noShares, yesCost, noCost, value, pnl string

	err := row.Scan(&p.UserID, &p.MarketID,
		&yesShares, &noShares, &yesCost, &noCost,
		&value, &pnl, &p.Settled, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.YesShares, _ = decimal.NewFromString(yesShares)
	p.NoShares, _ = decimal.NewFromString(noShares)
	p.YesCostBasis, _ = decimal.NewFromString(yesCost)
	p.NoCostBasis, _ = decimal.NewFromString(noCost)
	p.CurrentValue, _ = decimal.NewFromString(value)
	p.RealizedPnL, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND market_id = $2 FOR UPDATE`,
		userID, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares,
		                        yes_cost_basis, no_cost_basis,
		                        current_value, realized_pnl, settled, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     yes_cost_basis = EXCLUDED.yes_cost_basis,
		     no_cost_basis = EXCLUDED.no_cost_basis,
		     current_value = EXCLUDED.current_value,
		     realized_pnl = EXCLUDED.realized_pnl,
		     settled = EXCLUDED.settled,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(),
		p.YesCostBasis.String(), p.NoCostBasis.String(),
		p.CurrentValue.String(), p.RealizedPnL.String(), p.Settled, time.Now().UTC(),
	)
	return err
}

func (t *pgTx) PositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE market_id = $1 ORDER BY user_id FOR UPDATE`,
		marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, taker_order_id, maker_order_id,
		                     yes_user_id, no_user_id, yes_price, no_price,
		                     shares_traded, total_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		tr.ID, tr.MarketID, tr.TakerOrderID, tr.MakerOrderID,
		tr.YesUserID, tr.NoUserID, tr.YesPrice.String(), tr.NoPrice.String(),
		tr.SharesTraded.String(), tr.TotalAmount.String(), tr.CreatedAt,
	)
	return err
}

// --- Store-level creation and read-only queries ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, status, yes_price, no_price,
		                      total_volume, total_yes_shares, total_no_shares, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		m.ID, m.Question, m.Status,
		m.YesPrice.String(), m.NoPrice.String(),
		m.TotalVolume.String(), m.TotalYesShares.String(), m.TotalNoShares.String(),
		m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		u.ID, u.Balance.String(), u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) OrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (s *PostgresStore) OrderBook(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partially_filled')
		 ORDER BY price ASC, created_at ASC, id ASC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND market_id = $2`, userID, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const tradeColumns = `id, market_id, taker_order_id, maker_order_id,
	yes_user_id, no_user_id, yes_price::TEXT, no_price::TEXT,
	shares_traded::TEXT, total_amount::TEXT, created_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var yesPrice, noPrice, shares, total string

	err := row.Scan(&t.ID, &t.MarketID, &t.TakerOrderID, &t.MakerOrderID,
		&t.YesUserID, &t.NoUserID, &yesPrice, &noPrice,
		&shares, &total, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.YesPrice, _ = decimal.NewFromString(yesPrice)
	t.NoPrice, _ = decimal.NewFromString(noPrice)
	t.SharesTraded, _ = decimal.NewFromString(shares)
	t.TotalAmount, _ = decimal.NewFromString(total)
	return &t, nil
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE yes_user_id = $1 OR no_user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}
