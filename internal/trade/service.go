// Package trade provides the HTTP handlers for market administration, order
// submission/cancellation, market resolution, and book/position queries.
//
// Caller identity is a trusted user id supplied by the upstream gateway; the
// handlers perform business preconditions only, no authentication.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/engine"
	"github.com/forecastx/exchange/internal/model"
	"github.com/forecastx/exchange/internal/store"
)

// Service handles exchange operations. All settlement goes through the
// matching engine; the store here serves reads and entity creation only.
type Service struct {
	store  store.Store
	engine *engine.Engine
	cache  *store.CachedStore // optional; invalidated after settlement
	wsHub  *WSHub             // optional WebSocket hub for broadcasts
}

// NewService creates a new trade service. Pass nil for cache and hub when
// not configured.
func NewService(st store.Store, eng *engine.Engine, cache *store.CachedStore, hub *WSHub) *Service {
	return &Service{
		store:  st,
		engine: eng,
		cache:  cache,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Question string `json:"question"`
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// DepositRequest is the JSON body for POST /users/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`  // limit in (0,1)
	Amount   decimal.Decimal `json:"amount"` // currency units
}

// CancelOrderResponse is the JSON body returned from DELETE /orders/{orderID}.
type CancelOrderResponse struct {
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
}

// ResolveMarketRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveMarketRequest struct {
	Outcome model.Outcome `json:"outcome"`
	Note    string        `json:"note,omitempty"`
}

// ResolveMarketResponse is the JSON body returned from resolution.
type ResolveMarketResponse struct {
	Payouts []engine.Payout `json:"payouts"`
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}

	half := decimal.NewFromFloat(0.5)
	market := &model.Market{
		ID:        uuid.New().String(),
		Question:  req.Question,
		Status:    model.MarketOpen,
		YesPrice:  half,
		NoPrice:   half,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created", "id", market.ID, "question", req.Question)

	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if err := s.engine.CloseMarket(r.Context(), marketID); err != nil {
		writeEngineError(w, err)
		return
	}
	s.invalidate(r, marketID)

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payouts, err := s.engine.ResolveMarket(r.Context(), marketID, req.Outcome, req.Note)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	users := make([]string, 0, len(payouts))
	for _, p := range payouts {
		users = append(users, p.UserID)
	}
	s.invalidate(r, marketID, users...)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  string(req.Outcome),
		})
	}

	if payouts == nil {
		payouts = []engine.Payout{}
	}
	writeJSON(w, http.StatusOK, ResolveMarketResponse{Payouts: payouts})
}

// OrderBook handles GET /api/v1/markets/{marketID}/orderbook
func (s *Service) OrderBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	orders, err := s.store.OrderBook(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load order book", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// MarketTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Service) MarketTrades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	trades, err := s.store.TradesByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Order handlers ---

// PlaceOrder handles POST /api/v1/orders
// Runs the matching engine and returns executed trades plus any resting
// remainder.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.engine.SubmitOrder(r.Context(), req.UserID, req.MarketID, req.Side, req.Price, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	counterparties := make([]string, 0, len(result.Trades)+1)
	counterparties = append(counterparties, req.UserID)
	for _, t := range result.Trades {
		counterparties = append(counterparties, t.YesUserID, t.NoUserID)
	}
	s.invalidate(r, req.MarketID, counterparties...)

	if s.wsHub != nil {
		for _, t := range result.Trades {
			s.wsHub.Broadcast(WSMessage{
				Type:     "trade_executed",
				MarketID: t.MarketID,
				YesPrice: t.YesPrice.String(),
				NoPrice:  t.NoPrice.String(),
				Side:     string(req.Side),
				Shares:   t.SharesTraded.String(),
			})
		}
	}

	if result.Trades == nil {
		result.Trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
// The owner's id comes from the trusted X-User-ID header.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	refunded, err := s.engine.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if order, err := s.store.GetOrder(r.Context(), orderID); err == nil {
		s.invalidate(r, order.MarketID, userID)
	}

	writeJSON(w, http.StatusOK, CancelOrderResponse{RefundedAmount: refunded})
}

// --- User handlers ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:        req.ID,
		Balance:   req.Balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("user created", "id", user.ID, "balance", user.Balance.String())
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.engine.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) UserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	orders, err := s.store.OrdersByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// UserPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) UserPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.PositionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// UserTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) UserTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.store.TradesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Helpers ---

// invalidate drops cached reads touched by a settlement, when caching is on.
func (s *Service) invalidate(r *http.Request, marketID string, userIDs ...string) {
	if s.cache != nil {
		s.cache.InvalidateMarket(r.Context(), marketID, userIDs...)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrMarketNotTradable),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
