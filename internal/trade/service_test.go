package trade_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/engine"
	"github.com/forecastx/exchange/internal/limits"
	"github.com/forecastx/exchange/internal/model"
	"github.com/forecastx/exchange/internal/store"
	"github.com/forecastx/exchange/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestRouter(t *testing.T) (chi.Router, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(ms, limits.NewOrderLimiter(d(1), d(10000)))
	svc := trade.NewService(ms, eng, nil, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/markets", func(r chi.Router) {
			r.Get("/", svc.ListMarkets)
			r.Post("/", svc.CreateMarket)
			r.Get("/{marketID}", svc.GetMarket)
			r.Post("/{marketID}/close", svc.CloseMarket)
			r.Post("/{marketID}/resolve", svc.ResolveMarket)
			r.Get("/{marketID}/orderbook", svc.OrderBook)
			r.Get("/{marketID}/trades", svc.MarketTrades)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", svc.PlaceOrder)
			r.Delete("/{orderID}", svc.CancelOrder)
		})
		r.Route("/users", func(r chi.Router) {
			r.Post("/", svc.CreateUser)
			r.Get("/{userID}", svc.GetUser)
			r.Post("/{userID}/deposit", svc.Deposit)
			r.Get("/{userID}/orders", svc.UserOrders)
			r.Get("/{userID}/positions", svc.UserPositions)
			r.Get("/{userID}/trades", svc.UserTrades)
		})
	})
	return r, ms
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createMarket(t *testing.T, r chi.Router) model.Market {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/markets", trade.CreateMarketRequest{Question: "Will BTC close above 100k?"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: status %d: %s", w.Code, w.Body.String())
	}
	return decode[model.Market](t, w)
}

func createUser(t *testing.T, r chi.Router, id string, balance float64) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/users", trade.CreateUserRequest{ID: id, Balance: d(balance)}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: status %d: %s", w.Code, w.Body.String())
	}
}

func TestMarketLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)

	market := createMarket(t, r)
	if market.Status != model.MarketOpen {
		t.Errorf("expected open market, got %s", market.Status)
	}
	if !market.YesPrice.Equal(d(0.5)) {
		t.Errorf("expected initial price 0.5, got %s", market.YesPrice)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/markets/"+market.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get market: status %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/markets", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list markets: status %d", w.Code)
	}
	if markets := decode[[]model.Market](t, w); len(markets) != 1 {
		t.Errorf("expected 1 market, got %d", len(markets))
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/markets/"+market.ID+"/close", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close market: status %d: %s", w.Code, w.Body.String())
	}
	if closed := decode[model.Market](t, w); closed.Status != model.MarketClosed {
		t.Errorf("expected closed, got %s", closed.Status)
	}

	// Closing twice is an invalid transition.
	w = doJSON(t, r, http.MethodPost, "/api/v1/markets/"+market.ID+"/close", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double close: expected 409, got %d", w.Code)
	}
}

func TestCreateMarket_RequiresQuestion(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/markets", trade.CreateMarketRequest{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPlaceOrder_MatchOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)
	market := createMarket(t, r)
	createUser(t, r, "maker", 100)
	createUser(t, r, "taker", 100)

	w := doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "maker", MarketID: market.ID, Side: model.SideNo, Price: d(0.40), Amount: d(40),
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("maker order: status %d: %s", w.Code, w.Body.String())
	}
	makerResult := decode[engine.SubmitResult](t, w)
	if makerResult.RestingOrder == nil {
		t.Fatal("expected maker order to rest")
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "taker", MarketID: market.ID, Side: model.SideYes, Price: d(0.60), Amount: d(60),
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("taker order: status %d: %s", w.Code, w.Body.String())
	}
	takerResult := decode[engine.SubmitResult](t, w)
	if len(takerResult.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(takerResult.Trades))
	}
	if !takerResult.Trades[0].SharesTraded.Equal(d(40)) {
		t.Errorf("expected 40 shares, got %s", takerResult.Trades[0].SharesTraded)
	}

	// Book holds only the 20 resting remainder.
	w = doJSON(t, r, http.MethodGet, "/api/v1/markets/"+market.ID+"/orderbook", nil, nil)
	book := decode[[]model.Order](t, w)
	if len(book) != 1 || !book[0].RemainingAmount.Equal(d(20)) {
		t.Errorf("unexpected book: %+v", book)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/markets/"+market.ID+"/trades", nil, nil)
	if trades := decode[[]model.Trade](t, w); len(trades) != 1 {
		t.Errorf("expected 1 trade in history, got %d", len(trades))
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/users/taker/positions", nil, nil)
	positions := decode[[]model.Position](t, w)
	if len(positions) != 1 || !positions[0].YesShares.Equal(d(40)) {
		t.Errorf("unexpected taker positions: %+v", positions)
	}
}

func TestPlaceOrder_ErrorStatuses(t *testing.T) {
	r, _ := newTestRouter(t)
	market := createMarket(t, r)
	createUser(t, r, "alice", 5)

	cases := []struct {
		name string
		req  trade.PlaceOrderRequest
		want int
	}{
		{"missing user_id", trade.PlaceOrderRequest{MarketID: market.ID, Side: model.SideYes, Price: d(0.5), Amount: d(10)}, http.StatusBadRequest},
		{"missing market_id", trade.PlaceOrderRequest{UserID: "alice", Side: model.SideYes, Price: d(0.5), Amount: d(10)}, http.StatusBadRequest},
		{"bad side", trade.PlaceOrderRequest{UserID: "alice", MarketID: market.ID, Side: "MAYBE", Price: d(0.5), Amount: d(10)}, http.StatusBadRequest},
		{"bad price", trade.PlaceOrderRequest{UserID: "alice", MarketID: market.ID, Side: model.SideYes, Price: d(1.5), Amount: d(10)}, http.StatusBadRequest},
		{"unknown market", trade.PlaceOrderRequest{UserID: "alice", MarketID: "missing", Side: model.SideYes, Price: d(0.5), Amount: d(10)}, http.StatusNotFound},
		{"insufficient funds", trade.PlaceOrderRequest{UserID: "alice", MarketID: market.ID, Side: model.SideYes, Price: d(0.5), Amount: d(10)}, http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/v1/orders", tc.req, nil)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestPlaceOrder_ClosedMarketConflict(t *testing.T) {
	r, _ := newTestRouter(t)
	market := createMarket(t, r)
	createUser(t, r, "alice", 100)

	if w := doJSON(t, r, http.MethodPost, "/api/v1/markets/"+market.ID+"/close", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("close failed: %d", w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "alice", MarketID: market.ID, Side: model.SideYes, Price: d(0.5), Amount: d(10),
	}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for closed market, got %d", w.Code)
	}
}

func TestCancelOrder_OverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)
	market := createMarket(t, r)
	createUser(t, r, "alice", 100)

	w := doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "alice", MarketID: market.ID, Side: model.SideYes, Price: d(0.5), Amount: d(25),
	}, nil)
	result := decode[engine.SubmitResult](t, w)
	orderID := result.RestingOrder.ID

	// Header identifies the caller.
	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing header: expected 400, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+orderID, nil, map[string]string{"X-User-ID": "bob"})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong owner: expected 403, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+orderID, nil, map[string]string{"X-User-ID": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", w.Code, w.Body.String())
	}
	resp := decode[trade.CancelOrderResponse](t, w)
	if !resp.RefundedAmount.Equal(d(25)) {
		t.Errorf("expected refund 25, got %s", resp.RefundedAmount)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+orderID, nil, map[string]string{"X-User-ID": "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("double cancel: expected 409, got %d", w.Code)
	}
}

func TestResolveMarket_OverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)
	market := createMarket(t, r)
	createUser(t, r, "maker", 100)
	createUser(t, r, "taker", 100)

	doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "maker", MarketID: market.ID, Side: model.SideNo, Price: d(0.40), Amount: d(40),
	}, nil)
	doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "taker", MarketID: market.ID, Side: model.SideYes, Price: d(0.60), Amount: d(40),
	}, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/markets/"+market.ID+"/resolve", trade.ResolveMarketRequest{Outcome: model.OutcomeYes}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: status %d: %s", w.Code, w.Body.String())
	}
	resp := decode[trade.ResolveMarketResponse](t, w)
	if len(resp.Payouts) != 1 || !resp.Payouts[0].Amount.Equal(d(40)) {
		t.Errorf("unexpected payouts: %+v", resp.Payouts)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/users/taker", nil, nil)
	user := decode[model.User](t, w)
	if !user.Balance.Equal(d(116)) { // 100 - 24 spent + 40 payout
		t.Errorf("expected balance 116, got %s", user.Balance)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/markets/"+market.ID+"/resolve", trade.ResolveMarketRequest{Outcome: model.OutcomeYes}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double resolve: expected 409, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/markets/missing/resolve", trade.ResolveMarketRequest{Outcome: model.OutcomeYes}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing market: expected 404, got %d", w.Code)
	}
}

func TestUserEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	createUser(t, r, "alice", 50)

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/alice", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get user: status %d", w.Code)
	}
	if u := decode[model.User](t, w); !u.Balance.Equal(d(50)) {
		t.Errorf("expected balance 50, got %s", u.Balance)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/users/alice/deposit", trade.DepositRequest{Amount: d(25)}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d: %s", w.Code, w.Body.String())
	}
	if u := decode[model.User](t, w); !u.Balance.Equal(d(75)) {
		t.Errorf("expected balance 75, got %s", u.Balance)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/users/alice/deposit", trade.DepositRequest{Amount: d(-5)}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative deposit: expected 400, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/users/ghost", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing user: expected 404, got %d", w.Code)
	}

	// Duplicate user id conflicts.
	w = doJSON(t, r, http.MethodPost, "/api/v1/users", trade.CreateUserRequest{ID: "alice", Balance: d(1)}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate user: expected 409, got %d", w.Code)
	}

	// Empty collections come back as [], not null.
	w = doJSON(t, r, http.MethodGet, "/api/v1/users/alice/orders", nil, nil)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestOrderHistoryEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	market := createMarket(t, r)
	createUser(t, r, "maker", 100)
	createUser(t, r, "taker", 100)

	doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "maker", MarketID: market.ID, Side: model.SideNo, Price: d(0.40), Amount: d(10),
	}, nil)
	doJSON(t, r, http.MethodPost, "/api/v1/orders", trade.PlaceOrderRequest{
		UserID: "taker", MarketID: market.ID, Side: model.SideYes, Price: d(0.60), Amount: d(10),
	}, nil)

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/maker/orders", nil, nil)
	orders := decode[[]model.Order](t, w)
	if len(orders) != 1 || orders[0].Status != model.OrderFilled {
		t.Errorf("unexpected maker orders: %+v", orders)
	}

	for _, user := range []string{"maker", "taker"} {
		w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/users/%s/trades", user), nil, nil)
		if trades := decode[[]model.Trade](t, w); len(trades) != 1 {
			t.Errorf("%s: expected 1 trade, got %d", user, len(trades))
		}
	}
}
