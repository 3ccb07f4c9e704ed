package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidFill is returned when a fill quantity cannot be applied to an order.
var ErrInvalidFill = errors.New("model: invalid fill")

// MaxOrderQuantity bounds a single order. It keeps the depth of a book,
// and the positions built from it, far inside int64 range.
const MaxOrderQuantity int64 = 1_000_000_000

// Order is a resting limit order. A pending order always has Quantity > 0.
// Orders are never deleted; settlement transitions them to cleared.
type Order struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Side      Side            `json:"side" db:"side"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Status    OrderStatus     `json:"status" db:"status"`
	Seq       int64           `json:"seq" db:"seq"` // submission sequence, assigned by the store
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Pending reports whether the order is still resting on the book.
func (o Order) Pending() bool {
	return o.Status == OrderPending
}

// Fill returns the order's state after qty units have been matched.
// The first value is the order reduced to qty and marked cleared. When
// qty is smaller than the order quantity, the second value is a new
// pending order carrying the remainder; its ID and Seq are left empty
// for the store to assign. The receiver is not modified.
func (o Order) Fill(qty int64) (Order, *Order, error) {
	if !o.Pending() {
		return Order{}, nil, fmt.Errorf("%w: order %s is %s", ErrInvalidFill, o.ID, o.Status)
	}
	if qty <= 0 || qty > o.Quantity {
		return Order{}, nil, fmt.Errorf("%w: quantity %d outside (0, %d]", ErrInvalidFill, qty, o.Quantity)
	}

	cleared := o
	cleared.Quantity = qty
	cleared.Status = OrderCleared

	if qty == o.Quantity {
		return cleared, nil, nil
	}

	remainder := Order{
		MarketID: o.MarketID,
		UserID:   o.UserID,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity - qty,
		Status:   OrderPending,
	}
	return cleared, &remainder, nil
}
