// Package book builds the per-market view of pending orders used by a
// clearing round. Each side is kept in a B-tree ordered by matching
// priority: sells by ascending price, buys by descending price, ties broken
// by submission sequence (earlier first) and then by order ID.
package book

import (
	"context"
	"fmt"
	"math"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/model"
)

const degree = 16

// Level aggregates all pending orders resting at one price.
type Level struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	Cumulative int64           `json:"cumulative"` // depth up to and including this level
	Orders     int             `json:"orders"`
}

// OrderLister is the storage read the book depends on.
type OrderLister interface {
	ListOrders(ctx context.Context, marketID string, side model.Side, status model.OrderStatus) ([]model.Order, error)
}

// sellLess orders asks by price ascending, then submission sequence, then ID.
func sellLess(a, b model.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// buyLess orders bids by price descending, then submission sequence, then ID.
func buyLess(a, b model.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// Book is an immutable snapshot of one market's pending orders.
type Book struct {
	marketID string
	sells    *btree.BTreeG[model.Order]
	buys     *btree.BTreeG[model.Order]
}

// New builds a book for marketID. Orders belonging to other markets or not
// in pending status are dropped.
func New(marketID string, orders []model.Order) *Book {
	b := &Book{
		marketID: marketID,
		sells:    btree.NewG[model.Order](degree, sellLess),
		buys:     btree.NewG[model.Order](degree, buyLess),
	}
	for _, o := range orders {
		b.insert(o)
	}
	return b
}

// Load reads both sides of marketID's pending orders from storage.
func Load(ctx context.Context, l OrderLister, marketID string) (*Book, error) {
	sells, err := l.ListOrders(ctx, marketID, model.SideSell, model.OrderPending)
	if err != nil {
		return nil, fmt.Errorf("load sell orders for %s: %w", marketID, err)
	}
	buys, err := l.ListOrders(ctx, marketID, model.SideBuy, model.OrderPending)
	if err != nil {
		return nil, fmt.Errorf("load buy orders for %s: %w", marketID, err)
	}
	return New(marketID, append(sells, buys...)), nil
}

func (b *Book) insert(o model.Order) {
	if o.MarketID != b.marketID || !o.Pending() || o.Quantity <= 0 {
		return
	}
	switch o.Side {
	case model.SideSell:
		b.sells.ReplaceOrInsert(o)
	case model.SideBuy:
		b.buys.ReplaceOrInsert(o)
	}
}

// MarketID returns the market this book belongs to.
func (b *Book) MarketID() string {
	return b.marketID
}

// Sells returns pending sell orders in matching priority.
func (b *Book) Sells() []model.Order {
	return collect(b.sells)
}

// Buys returns pending buy orders in matching priority.
func (b *Book) Buys() []model.Order {
	return collect(b.buys)
}

// WalkSells calls fn for each sell order in priority until fn returns false.
func (b *Book) WalkSells(fn func(model.Order) bool) {
	b.sells.Ascend(fn)
}

// WalkBuys calls fn for each buy order in priority until fn returns false.
func (b *Book) WalkBuys(fn func(model.Order) bool) {
	b.buys.Ascend(fn)
}

// SellLevels aggregates the sell side into the cumulative supply curve.
func (b *Book) SellLevels() []Level {
	return levels(b.sells)
}

// BuyLevels aggregates the buy side into the cumulative demand curve.
func (b *Book) BuyLevels() []Level {
	return levels(b.buys)
}

// Len returns the number of pending sell and buy orders.
func (b *Book) Len() (sells, buys int) {
	return b.sells.Len(), b.buys.Len()
}

func collect(tree *btree.BTreeG[model.Order]) []model.Order {
	out := make([]model.Order, 0, tree.Len())
	tree.Ascend(func(o model.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

func levels(tree *btree.BTreeG[model.Order]) []Level {
	var out []Level
	var depth int64
	tree.Ascend(func(o model.Order) bool {
		depth = addSat(depth, o.Quantity)
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = addSat(out[n-1].Quantity, o.Quantity)
			out[n-1].Cumulative = depth
			out[n-1].Orders++
			return true
		}
		out = append(out, Level{
			Price:      o.Price,
			Quantity:   o.Quantity,
			Cumulative: depth,
			Orders:     1,
		})
		return true
	})
	return out
}

// addSat adds non-negative quantities, saturating at math.MaxInt64.
func addSat(a, b int64) int64 {
	if b > math.MaxInt64-a {
		return math.MaxInt64
	}
	return a + b
}
