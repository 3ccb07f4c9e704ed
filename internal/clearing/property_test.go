package clearing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/callmarket/internal/auction"
	"github.com/atmx/callmarket/internal/book"
	"github.com/atmx/callmarket/internal/clearing"
	"github.com/atmx/callmarket/internal/ledger"
	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

var users = []string{"alice", "bob", "carol", "dave"}

// TestClearMarket_Properties settles random books and checks that a round
// conserves quantity, cash and stock, and agrees with the pure auction.
func TestClearMarket_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ms := store.NewMemoryStore()
		ctx := context.Background()
		m := &model.Market{ID: "m1", Status: model.MarketOpen, ClosingDate: time.Now().Add(time.Hour), Price: decimal.Zero}
		if err := ms.CreateMarket(ctx, m); err != nil {
			rt.Fatalf("seed market: %v", err)
		}
		e := clearing.NewEngine(ms)

		n := rapid.IntRange(0, 25).Draw(rt, "orders")
		original := make(map[string]int64, n)
		for i := 0; i < n; i++ {
			side := model.SideSell
			if rapid.Bool().Draw(rt, "buy") {
				side = model.SideBuy
			}
			o, err := e.SubmitOrder(ctx, clearing.OrderRequest{
				MarketID: "m1",
				UserID:   rapid.SampledFrom(users).Draw(rt, "user"),
				Side:     side,
				Price:    decimal.NewFromInt(int64(rapid.IntRange(0, 20).Draw(rt, "price"))),
				Quantity: int64(rapid.IntRange(1, 10).Draw(rt, "qty")),
			})
			if err != nil {
				rt.Fatalf("submit: %v", err)
			}
			original[o.ID] = o.Quantity
		}

		b, err := book.Load(ctx, ms, "m1")
		if err != nil {
			rt.Fatalf("load book: %v", err)
		}
		want, wantOK := auction.Clear(b.Sells(), b.Buys())

		out, err := e.ClearMarket(ctx, "m1")
		if err != nil {
			rt.Fatalf("clear: %v", err)
		}
		if out.Traded != wantOK {
			rt.Fatalf("traded=%v, auction says %v", out.Traded, wantOK)
		}
		if !out.Traded {
			return
		}
		if !out.Price.Equal(want.Price) || out.Quantity != want.Quantity {
			rt.Fatalf("settled %d @ %s, auction %d @ %s", out.Quantity, out.Price, want.Quantity, want.Price)
		}

		// Conservation per side and zero-sum cash across fills.
		var bought, sold int64
		cash := decimal.Zero
		for _, f := range out.Fills {
			if f.Side == model.SideBuy {
				bought += f.Quantity
			} else {
				sold += f.Quantity
			}
			cash = cash.Add(f.Amount)
		}
		if bought != out.Quantity || sold != out.Quantity {
			rt.Fatalf("bought %d, sold %d, reported %d", bought, sold, out.Quantity)
		}
		if !cash.IsZero() {
			rt.Fatalf("fills move %s net cash", cash)
		}

		// Ledger and positions net to zero across all users.
		balances, stock := decimal.Zero, int64(0)
		for _, u := range users {
			if acct, err := ms.GetAccount(ctx, u); err == nil {
				txns, _ := ms.ListTransactions(ctx, u)
				if !ledger.Balance(txns).Equal(acct.Balance) {
					rt.Fatalf("%s: balance %s != sum of postings %s", u, acct.Balance, ledger.Balance(txns))
				}
				balances = balances.Add(acct.Balance)
			}
			if pos, err := ms.GetPosition(ctx, "m1", u); err == nil {
				stock += pos.Quantity
			}
		}
		if !balances.IsZero() || stock != 0 {
			rt.Fatalf("balances sum %s, positions sum %d", balances, stock)
		}

		// Every pending order is positive and every original order's units
		// are accounted for by its cleared part plus its remainder.
		accounted := make(map[string]int64, len(original))
		for id, qty := range original {
			o, err := ms.GetOrder(ctx, id)
			if err != nil {
				rt.Fatalf("order %s vanished", id)
			}
			accounted[id] = o.Quantity
			if o.Status == model.OrderCleared && o.Quantity > qty {
				rt.Fatalf("order %s grew from %d to %d", id, qty, o.Quantity)
			}
		}
		for _, f := range out.Fills {
			if f.RemainderID == "" {
				continue
			}
			r, err := ms.GetOrder(ctx, f.RemainderID)
			if err != nil || !r.Pending() || r.Quantity <= 0 {
				rt.Fatalf("bad remainder for %s: %+v %v", f.OrderID, r, err)
			}
			accounted[f.OrderID] += r.Quantity
		}
		for id, qty := range original {
			if accounted[id] != qty {
				rt.Fatalf("order %s: %d units accounted, %d submitted", id, accounted[id], qty)
			}
		}

		after, _ := ms.GetMarket(ctx, "m1")
		if after.Volume != out.VolumeDelta {
			rt.Fatalf("volume %d != round delta %d", after.Volume, out.VolumeDelta)
		}
		if out.VolumeDelta > out.Quantity {
			rt.Fatalf("issued %d short units in a %d unit round", out.VolumeDelta, out.Quantity)
		}
	})
}
