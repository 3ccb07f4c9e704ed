// Package model defines the core domain types shared across the call market.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the settlement state of an order.
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderCleared OrderStatus = "cleared"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen   MarketStatus = "open"
	MarketClosed MarketStatus = "closed"
)

// Market represents one instrument traded in periodic clearing rounds.
// Price is the last clearing price; Volume counts stock issued by short sales.
type Market struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Description    string          `json:"description" db:"description"`
	Status         MarketStatus    `json:"status" db:"status"`
	OpeningDate    time.Time       `json:"opening_date" db:"opening_date"`
	ClosingDate    time.Time       `json:"closing_date" db:"closing_date"`
	ResolutionDate time.Time       `json:"resolution_date" db:"resolution_date"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Volume         int64           `json:"volume" db:"volume"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// HasClosed reports whether the market's closing date lies strictly before now.
func (m *Market) HasClosed(now time.Time) bool {
	return m.ClosingDate.Before(now)
}

// Close transitions the market to closed. It reports false if the market
// was already closed.
func (m *Market) Close() bool {
	if m.Status == MarketClosed {
		return false
	}
	m.Status = MarketClosed
	return true
}

// Position is a user's signed stock holding in one market (negative = short).
type Position struct {
	MarketID string `json:"market_id" db:"market_id"`
	UserID   string `json:"user_id" db:"user_id"`
	Quantity int64  `json:"quantity" db:"quantity"`
}

// Account holds a user's cash balance. Balance always equals the sum of
// the account's transaction amounts.
type Account struct {
	UserID  string          `json:"user_id" db:"user_id"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// Transaction is an immutable cash posting against an account.
type Transaction struct {
	ID     string          `json:"id" db:"id"`
	UserID string          `json:"user_id" db:"user_id"`
	Date   time.Time       `json:"date" db:"date"`
	Amount decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
}

// HistoryRecord is an immutable snapshot of one successful clearing round.
type HistoryRecord struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Date        time.Time       `json:"date" db:"date"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	VolumeDelta int64           `json:"volume_delta" db:"volume_delta"` // short-created stock this round
}
