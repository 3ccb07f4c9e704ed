package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/clearing"
	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

func TestHourlyWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 42, 7, 0, time.UTC)
	w := HourlyWindow(now)

	if want := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC); !w.Opening.Equal(want) {
		t.Errorf("opening: expected %v, got %v", want, w.Opening)
	}
	if want := time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC); !w.Closing.Equal(want) {
		t.Errorf("closing: expected %v, got %v", want, w.Closing)
	}
	if want := time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC); !w.Resolution.Equal(want) {
		t.Errorf("resolution: expected %v, got %v", want, w.Resolution)
	}
}

func TestHourlyWindow_LastHourOfDay(t *testing.T) {
	w := HourlyWindow(time.Date(2026, 12, 31, 23, 10, 0, 0, time.UTC))
	if want := time.Date(2027, 1, 1, 1, 0, 0, 0, time.UTC); !w.Resolution.Equal(want) {
		t.Errorf("resolution should roll over the year: got %v", w.Resolution)
	}
}

func TestTimeToLive(t *testing.T) {
	closing := time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC)

	tests := []struct {
		now  time.Time
		want time.Duration
	}{
		{closing.Add(-18 * time.Minute), 18 * time.Minute},
		{closing, 0},
		{closing.Add(time.Second), 0},
	}
	for _, tt := range tests {
		if got := TimeToLive(closing, tt.now); got != tt.want {
			t.Errorf("TimeToLive at %v = %v, want %v", tt.now, got, tt.want)
		}
	}
}

var testNow = time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

func seed(t *testing.T, ms *store.MemoryStore, id string, closing time.Time) {
	t.Helper()
	err := ms.CreateMarket(context.Background(), &model.Market{
		ID:          id,
		Status:      model.MarketOpen,
		ClosingDate: closing,
		Price:       decimal.Zero,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSweep_ClosesDueMarkets(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "due", testNow.Add(-time.Minute))
	seed(t, ms, "live", testNow.Add(time.Minute))

	e := clearing.NewEngine(ms, clearing.WithClock(func() time.Time { return testNow }))
	s := NewScheduler(ms, e, Config{})

	open, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 || open[0] != "live" {
		t.Errorf("expected only live to stay open, got %v", open)
	}
	m, _ := ms.GetMarket(context.Background(), "due")
	if m.Status != model.MarketClosed {
		t.Errorf("due market should be closed, got %s", m.Status)
	}
}

func TestClearOpen_ClearsEveryOpenMarket(t *testing.T) {
	ms := store.NewMemoryStore()
	e := clearing.NewEngine(ms, clearing.WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		seed(t, ms, id, testNow.Add(time.Hour))
		for _, req := range []clearing.OrderRequest{
			{MarketID: id, UserID: "s", Side: model.SideSell, Price: decimal.NewFromInt(5), Quantity: 2},
			{MarketID: id, UserID: "b", Side: model.SideBuy, Price: decimal.NewFromInt(7), Quantity: 2},
		} {
			if _, err := e.SubmitOrder(ctx, req); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	// A closed market keeps the book it had when it closed.
	seed(t, ms, "closed", testNow.Add(-time.Hour))
	err := ms.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, side := range []model.Side{model.SideSell, model.SideBuy} {
			o := &model.Order{MarketID: "closed", UserID: string(side), Side: side, Price: decimal.NewFromInt(1), Quantity: 1, Status: model.OrderPending}
			if err := tx.CreateOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed closed book: %v", err)
	}

	s := NewScheduler(ms, e, Config{MaxParallel: 2})
	if err := s.ClearOpen(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range ids {
		m, _ := ms.GetMarket(ctx, id)
		if !m.Price.Equal(decimal.NewFromInt(6)) {
			t.Errorf("%s: expected price 6, got %s", id, m.Price)
		}
		hist, _ := ms.ListHistory(ctx, id)
		if len(hist) != 1 {
			t.Errorf("%s: expected 1 round, got %d", id, len(hist))
		}
	}
	hist, _ := ms.ListHistory(ctx, "closed")
	if len(hist) != 0 {
		t.Errorf("closed market must not be cleared, got %d rounds", len(hist))
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ms := store.NewMemoryStore()
	s := NewScheduler(ms, clearing.NewEngine(ms), Config{Interval: time.Millisecond, ClearInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
