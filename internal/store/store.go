// Package store defines the persistence interface for the call market.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/callmarket/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Reader holds the queries shared by the store and its transactions.
type Reader interface {
	// --- Markets ---

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Orders ---

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns a market's orders with the given side and status
	// in submission order.
	ListOrders(ctx context.Context, marketID string, side model.Side, status model.OrderStatus) ([]model.Order, error)

	// --- Positions ---

	// GetPosition retrieves the (market, user) stock position.
	GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error)

	// ListPositions returns all positions held by a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Ledger ---

	// GetAccount retrieves a user's cash account.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListTransactions returns a user's postings, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- History ---

	// ListHistory returns a market's clearing records, newest first.
	ListHistory(ctx context.Context, marketID string) ([]model.HistoryRecord, error)
}

// Tx is a unit of work. Every write made through a Tx becomes visible
// together on commit, or not at all.
type Tx interface {
	Reader

	// CreateOrder persists a new order. Empty ID and zero Seq are assigned.
	CreateOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder persists an order's quantity and status.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// UpdatePosition persists a position's quantity.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// UpdateAccount persists an account's balance.
	UpdateAccount(ctx context.Context, a *model.Account) error

	// AppendTransaction appends an immutable ledger posting.
	AppendTransaction(ctx context.Context, t *model.Transaction) error

	// UpdateMarket persists a market's status, price and volume.
	UpdateMarket(ctx context.Context, m *model.Market) error

	// AppendHistory appends an immutable clearing record.
	AppendHistory(ctx context.Context, h *model.HistoryRecord) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// WithTx runs fn inside a transaction. If fn returns an error every
	// write made through tx is discarded and the error is returned.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
