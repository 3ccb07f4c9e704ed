// Package auction implements uniform-price call auction clearing.
//
// Every order is treated as a run of unit claims at the order's price. Sell
// orders in ascending price order form a non-decreasing supply curve, buy
// orders in descending price order form a non-increasing demand curve. The
// two curves are walked in lock-step; unit k crosses when its supply price
// is less than or equal to its demand price. Equal prices cross.
//
// The walk advances one order-pair segment at a time rather than one unit,
// so the cost is O(len(sells) + len(buys)) regardless of order quantities.
//
// All prices use shopspring/decimal, never float64.
package auction

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/model"
)

var two = decimal.NewFromInt(2)

// Result is the outcome of a clearing computation.
type Result struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`

	// Prices of the last crossing supply and demand units.
	LastAsk decimal.Decimal `json:"last_ask"`
	LastBid decimal.Decimal `json:"last_bid"`
}

// Clear computes the uniform clearing price and quantity for the given
// priority-ordered sides. sells must be sorted by ascending price and buys
// by descending price. It reports false when no unit crosses.
//
// The price is the midpoint of the last crossing demand and supply unit
// prices. Orders with a non-positive quantity contribute no units. The
// quantity saturates at math.MaxInt64: a deeper cross clears its first
// MaxInt64 units.
func Clear(sells, buys []model.Order) (Result, bool) {
	var (
		i, j    int
		askLeft int64
		bidLeft int64
		crossed int64
		lastAsk decimal.Decimal
		lastBid decimal.Decimal
	)

	for {
		for askLeft <= 0 && i < len(sells) {
			askLeft = sells[i].Quantity
			if askLeft <= 0 {
				i++
			}
		}
		for bidLeft <= 0 && j < len(buys) {
			bidLeft = buys[j].Quantity
			if bidLeft <= 0 {
				j++
			}
		}
		if i >= len(sells) || j >= len(buys) {
			break
		}

		ask, bid := sells[i].Price, buys[j].Price
		if ask.GreaterThan(bid) {
			break
		}

		// Every unit in this segment shares the same (ask, bid) pair.
		step := min(askLeft, bidLeft, math.MaxInt64-crossed)
		crossed += step
		lastAsk, lastBid = ask, bid
		if crossed == math.MaxInt64 {
			break
		}

		askLeft -= step
		bidLeft -= step
		if askLeft == 0 {
			i++
		}
		if bidLeft == 0 {
			j++
		}
	}

	if crossed == 0 {
		return Result{}, false
	}

	return Result{
		Price:    lastBid.Add(lastAsk).Div(two),
		Quantity: crossed,
		LastAsk:  lastAsk,
		LastBid:  lastBid,
	}, true
}

// Crosses reports whether an order on the given side participates at the
// clearing price: buys priced at or above it, sells priced at or below it.
func Crosses(o model.Order, price decimal.Decimal) bool {
	if o.Side == model.SideBuy {
		return o.Price.GreaterThanOrEqual(price)
	}
	return o.Price.LessThanOrEqual(price)
}
