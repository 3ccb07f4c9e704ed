package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestExecute_BalanceEqualsSumOfPostings(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := Execute(ctx, tx, "u1", d(100), now); err != nil {
			return err
		}
		_, err := Execute(ctx, tx, "u1", d(200), now)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acct, err := s.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	if !acct.Balance.Equal(d(300)) {
		t.Errorf("expected balance 300, got %s", acct.Balance)
	}

	txns, _ := s.ListTransactions(ctx, "u1")
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if !Balance(txns).Equal(acct.Balance) {
		t.Errorf("sum of postings %s != balance %s", Balance(txns), acct.Balance)
	}
}

func TestExecute_AllowsNegativeBalance(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := Execute(ctx, tx, "u1", d(-10.25), time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acct, _ := s.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(d(-10.25)) {
		t.Errorf("expected -10.25, got %s", acct.Balance)
	}
}

func TestAdjustPosition_CreatesLazily(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	var before1, before2 int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if before1, err = AdjustPosition(ctx, tx, "m1", "u1", 3); err != nil {
			return err
		}
		before2, err = AdjustPosition(ctx, tx, "m1", "u1", -5)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before1 != 0 || before2 != 3 {
		t.Errorf("expected pre-trade quantities 0 and 3, got %d and %d", before1, before2)
	}

	pos, err := s.GetPosition(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if pos.Quantity != -2 {
		t.Errorf("expected -2, got %d", pos.Quantity)
	}
}

func TestAdjustPosition_RejectsOverflow(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tests := []struct {
		name         string
		start, delta int64
	}{
		{"long", math.MaxInt64 - 1, 2},
		{"short", math.MinInt64 + 1, -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := AdjustPosition(ctx, tx, "m1", tt.name, tt.start)
				return err
			}); err != nil {
				t.Fatalf("seed position: %v", err)
			}

			err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := AdjustPosition(ctx, tx, "m1", tt.name, tt.delta)
				return err
			})
			if !errors.Is(err, ErrPositionOverflow) {
				t.Fatalf("expected ErrPositionOverflow, got %v", err)
			}
			pos, _ := s.GetPosition(ctx, "m1", tt.name)
			if pos.Quantity != tt.start {
				t.Errorf("position changed to %d", pos.Quantity)
			}
		})
	}
}

func TestShortIssued(t *testing.T) {
	tests := []struct {
		before, qty, want int64
	}{
		{0, 6, 6},
		{6, 1, 0},
		{6, 6, 0},
		{2, 5, 3},
		{-1, 2, 2},
		{-3, 3, 3},
	}
	for _, tt := range tests {
		if got := ShortIssued(tt.before, tt.qty); got != tt.want {
			t.Errorf("ShortIssued(%d, %d) = %d, want %d", tt.before, tt.qty, got, tt.want)
		}
	}
}
