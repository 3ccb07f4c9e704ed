package clearing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/auction"
	"github.com/atmx/callmarket/internal/book"
	"github.com/atmx/callmarket/internal/ledger"
	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

// Fill is one order's part in a clearing round.
type Fill struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Side        model.Side      `json:"side"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Quantity    int64           `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"` // signed cash posted to the user
	RemainderID string          `json:"remainder_id,omitempty"`
	ShortIssued int64           `json:"short_issued,omitempty"`
}

// Outcome is the committed result of a clearing round.
type Outcome struct {
	MarketID    string          `json:"market_id"`
	Traded      bool            `json:"traded"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	VolumeDelta int64           `json:"volume_delta"`
	Date        time.Time       `json:"date"`
	Fills       []Fill          `json:"fills,omitempty"`
	HistoryID   string          `json:"history_id,omitempty"`
}

// settle runs one round inside tx.
func (e *Engine) settle(ctx context.Context, tx store.Tx, marketID string) (Outcome, error) {
	market, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return Outcome{}, err
	}
	b, err := book.Load(ctx, tx, marketID)
	if err != nil {
		return Outcome{}, err
	}

	now := e.now().UTC()
	out := Outcome{MarketID: marketID, Date: now}

	sells, buys := b.Sells(), b.Buys()
	res, ok := auction.Clear(sells, buys)
	if !ok {
		return out, nil
	}

	// Buys first: a sale only issues short stock for what the seller did
	// not already hold, including what they bought earlier in this round.
	buyFills, _, err := fillSide(ctx, tx, buys, res, now)
	if err != nil {
		return Outcome{}, err
	}
	sellFills, shortIssued, err := fillSide(ctx, tx, sells, res, now)
	if err != nil {
		return Outcome{}, err
	}

	if shortIssued > math.MaxInt64-market.Volume {
		return Outcome{}, fmt.Errorf("market volume %d cannot absorb %d more units", market.Volume, shortIssued)
	}
	market.Price = res.Price
	market.Volume += shortIssued
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return Outcome{}, fmt.Errorf("update market: %w", err)
	}

	rec := &model.HistoryRecord{
		MarketID:    marketID,
		Date:        now,
		Price:       res.Price,
		Quantity:    res.Quantity,
		VolumeDelta: shortIssued,
	}
	if err := tx.AppendHistory(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("append history: %w", err)
	}

	out.Traded = true
	out.Price = res.Price
	out.Quantity = res.Quantity
	out.VolumeDelta = shortIssued
	out.Fills = append(buyFills, sellFills...)
	out.HistoryID = rec.ID
	return out, nil
}

// fillSide settles orders (one side, in priority order) until the round's
// quantity is used up. It returns the fills and the short stock they issued.
func fillSide(ctx context.Context, tx store.Tx, orders []model.Order, res auction.Result, now time.Time) ([]Fill, int64, error) {
	var (
		fills     []Fill
		remaining = res.Quantity
		issued    int64
	)

	for _, o := range orders {
		if remaining == 0 {
			break
		}
		// Sides are sorted, so nothing past the first non-crossing order crosses.
		if !auction.Crosses(o, res.Price) {
			break
		}

		qty := min(remaining, o.Quantity)
		cleared, rest, err := o.Fill(qty)
		if err != nil {
			return nil, 0, err
		}

		f, err := post(ctx, tx, o, qty, res.Price, now)
		if err != nil {
			return nil, 0, err
		}
		issued += f.ShortIssued

		if err := tx.UpdateOrder(ctx, &cleared); err != nil {
			return nil, 0, fmt.Errorf("update order %s: %w", o.ID, err)
		}
		if rest != nil {
			rest.CreatedAt = now
			if err := tx.CreateOrder(ctx, rest); err != nil {
				return nil, 0, fmt.Errorf("split order %s: %w", o.ID, err)
			}
			f.RemainderID = rest.ID
		}

		fills = append(fills, f)
		remaining -= qty
	}

	if remaining != 0 {
		return nil, 0, fmt.Errorf("crossing depth short by %d units at %s", remaining, res.Price)
	}
	return fills, issued, nil
}

// post moves cash and stock for qty units of o at price.
func post(ctx context.Context, tx store.Tx, o model.Order, qty int64, price decimal.Decimal, now time.Time) (Fill, error) {
	amount := price.Mul(decimal.NewFromInt(qty))
	delta := qty
	if o.Side == model.SideBuy {
		amount = amount.Neg()
	} else {
		delta = -qty
	}

	if _, err := ledger.Execute(ctx, tx, o.UserID, amount, now); err != nil {
		return Fill{}, err
	}
	before, err := ledger.AdjustPosition(ctx, tx, o.MarketID, o.UserID, delta)
	if err != nil {
		return Fill{}, err
	}

	f := Fill{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Side:       o.Side,
		LimitPrice: o.Price,
		Quantity:   qty,
		Amount:     amount,
	}
	if o.Side == model.SideSell {
		f.ShortIssued = ledger.ShortIssued(before, qty)
	}
	return f, nil
}
