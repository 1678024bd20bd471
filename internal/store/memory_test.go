package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastx/exchange/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, s *MemoryStore, id string, balance float64) {
	t.Helper()
	now := time.Now().UTC()
	if err := s.CreateUser(context.Background(), &model.User{ID: id, Balance: d(balance), CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func restingOrder(id, marketID, userID string, side model.Side, price, amount float64, createdAt time.Time) *model.Order {
	return &model.Order{
		ID:              id,
		MarketID:        marketID,
		UserID:          userID,
		Side:            side,
		Price:           d(price),
		OriginalAmount:  d(amount),
		RemainingAmount: d(amount),
		Status:          model.OrderOpen,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestRunTransaction_CommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "alice", 100)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		u, err := tx.GetUser(ctx, "alice")
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Sub(d(30))
		return tx.PutUser(ctx, u)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	u, _ := s.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(70)) {
		t.Errorf("expected 70, got %s", u.Balance)
	}
}

func TestRunTransaction_AbortLeavesNoTrace(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "alice", 100)

	boom := errors.New("boom")
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		u, err := tx.GetUser(ctx, "alice")
		if err != nil {
			return err
		}
		u.Balance = decimal.Zero
		if err := tx.PutUser(ctx, u); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, restingOrder("o1", "m1", "alice", model.SideYes, 0.5, 10, time.Now())); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{ID: "t1", MarketID: "m1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(100)) {
		t.Errorf("aborted write leaked: balance %s", u.Balance)
	}
	if _, err := s.GetOrder(context.Background(), "o1"); !errors.Is(err, model.ErrNotFound) {
		t.Error("aborted order insert leaked")
	}
	trades, _ := s.TradesByMarket(context.Background(), "m1")
	if len(trades) != 0 {
		t.Errorf("aborted trade leaked: %d trades", len(trades))
	}
}

func TestRunTransaction_ReadYourWrites(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "alice", 100)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		u, _ := tx.GetUser(ctx, "alice")
		u.Balance = d(42)
		if err := tx.PutUser(ctx, u); err != nil {
			return err
		}
		again, err := tx.GetUser(ctx, "alice")
		if err != nil {
			return err
		}
		if !again.Balance.Equal(d(42)) {
			t.Errorf("staged write not visible: %s", again.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestRestingOrders_FilterAndPriority(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		orders := []*model.Order{
			restingOrder("below-cutoff", "m1", "u1", model.SideNo, 0.30, 10, base),
			restingOrder("early-mid", "m1", "u2", model.SideNo, 0.40, 10, base),
			restingOrder("late-mid", "m1", "u3", model.SideNo, 0.40, 10, base.Add(time.Minute)),
			restingOrder("high-late", "m1", "u4", model.SideNo, 0.55, 10, base.Add(2*time.Minute)),
			restingOrder("wrong-side", "m1", "u5", model.SideYes, 0.55, 10, base),
			restingOrder("wrong-market", "m2", "u6", model.SideNo, 0.55, 10, base),
		}
		for _, o := range orders {
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		cancelled := restingOrder("cancelled", "m1", "u7", model.SideNo, 0.55, 10, base)
		cancelled.Status = model.OrderCancelled
		return tx.InsertOrder(ctx, cancelled)
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		got, err := tx.RestingOrders(ctx, "m1", model.SideNo, d(0.40))
		if err != nil {
			return err
		}
		want := []string{"early-mid", "late-mid", "high-late"}
		if len(got) != len(want) {
			t.Fatalf("expected %d orders, got %d", len(want), len(got))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
}

func TestRestingOrders_SeesStagedUpdates(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertOrder(ctx, restingOrder("o1", "m1", "u1", model.SideNo, 0.40, 10, base))
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, "o1")
		if err != nil {
			return err
		}
		o.Status = model.OrderFilled
		o.RemainingAmount = decimal.Zero
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}

		// The staged fill must hide the order from the book within the
		// same transaction.
		got, err := tx.RestingOrders(ctx, "m1", model.SideNo, d(0.01))
		if err != nil {
			return err
		}
		if len(got) != 0 {
			t.Errorf("filled order still visible as resting: %d", len(got))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestGetPosition_NilWhenAbsent(t *testing.T) {
	s := NewMemoryStore()

	p, err := s.GetPosition(context.Background(), "ghost", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil position, got %+v", p)
	}

	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPosition(ctx, "ghost", "m1")
		if err != nil {
			return err
		}
		if p != nil {
			t.Errorf("expected nil position in tx, got %+v", p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestInsertOrder_DuplicateRejected(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertOrder(ctx, restingOrder("o1", "m1", "u1", model.SideYes, 0.5, 10, base))
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertOrder(ctx, restingOrder("o1", "m1", "u1", model.SideYes, 0.5, 10, base))
	})
	if err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestStoreCopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "alice", 100)

	u, _ := s.GetUser(context.Background(), "alice")
	u.Balance = decimal.Zero

	again, _ := s.GetUser(context.Background(), "alice")
	if !again.Balance.Equal(d(100)) {
		t.Errorf("caller mutation leaked into store: %s", again.Balance)
	}
}
