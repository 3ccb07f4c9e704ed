// Package clearing runs call-auction rounds against the store: it accepts
// orders into a market's book, computes the uniform clearing price, and
// settles the crossing orders against the ledger and positions.
//
// Every mutation of a market (submission, clearing, closing) runs under a
// per-market lock, and every clearing round is a single store transaction.
// Rounds on different markets proceed in parallel.
//
// All monetary values use shopspring/decimal, never float64.
package clearing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/auction"
	"github.com/atmx/callmarket/internal/book"
	"github.com/atmx/callmarket/internal/metrics"
	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

var (
	// ErrInvalidOrder is returned when a submission fails validation.
	ErrInvalidOrder = errors.New("clearing: invalid order")

	// ErrMarketClosed is returned for open-only operations on a closed market.
	ErrMarketClosed = errors.New("clearing: market closed")
)

// Notifier observes committed clearing rounds.
type Notifier interface {
	Notify(ctx context.Context, o Outcome)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, o Outcome)

func (f NotifierFunc) Notify(ctx context.Context, o Outcome) { f(ctx, o) }

// Engine serializes all mutations of a market and runs its clearing rounds.
type Engine struct {
	store    store.Store
	notifier Notifier
	locks    *marketLocks
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier registers n to receive every committed round that traded.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock replaces time.Now as the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over st.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		locks: newMarketLocks(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OrderRequest is a new limit order.
type OrderRequest struct {
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Side     model.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// Validate checks the request without touching the store.
func (r OrderRequest) Validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidOrder)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case r.Price.IsNegative():
		return fmt.Errorf("%w: price must be non-negative", ErrInvalidOrder)
	case r.Quantity < 1:
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidOrder)
	case r.Quantity > model.MaxOrderQuantity:
		return fmt.Errorf("%w: quantity must not exceed %d", ErrInvalidOrder, model.MaxOrderQuantity)
	}
	return nil
}

// SubmitOrder validates req and rests it on the market's book as a pending
// order. The lifecycle check runs in the same transaction: a market whose
// closing date has passed is closed and the order is rejected with
// ErrMarketClosed.
func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if err := req.Validate(); err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock := e.locks.lock(req.MarketID)
	defer unlock()

	now := e.now()
	order := &model.Order{
		MarketID:  req.MarketID,
		UserID:    req.UserID,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    model.OrderPending,
		CreatedAt: now.UTC(),
	}
	var (
		market *model.Market
		closed bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if market, closed, err = closeIfDue(ctx, tx, req.MarketID, now); err != nil {
			return err
		}
		if market.Status == model.MarketClosed {
			return nil
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("clearing: submit order to %s: %w", req.MarketID, err)
	}
	if closed {
		recordClose(market)
	}
	if market.Status == model.MarketClosed {
		metrics.OrdersRejected.WithLabelValues("closed").Inc()
		return nil, fmt.Errorf("clearing: submit order to %s: %w", req.MarketID, ErrMarketClosed)
	}

	metrics.OrdersSubmitted.WithLabelValues(string(order.Side)).Inc()
	slog.Info("order submitted",
		"order_id", order.ID,
		"market", order.MarketID,
		"user", order.UserID,
		"side", order.Side,
		"price", order.Price.String(),
		"qty", order.Quantity,
	)
	return order, nil
}

// Quote is a clearing computation that has not been applied.
type Quote struct {
	MarketID string          `json:"market_id"`
	Traded   bool            `json:"traded"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Sells    []book.Level    `json:"sells"`
	Buys     []book.Level    `json:"buys"`
}

// Preview computes the round ClearMarket would run now, without applying it.
func (e *Engine) Preview(ctx context.Context, marketID string) (Quote, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return Quote{}, err
	}
	b, err := book.Load(ctx, e.store, marketID)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		MarketID: marketID,
		Sells:    b.SellLevels(),
		Buys:     b.BuyLevels(),
	}
	if res, ok := auction.Clear(b.Sells(), b.Buys()); ok {
		q.Traded = true
		q.Price = res.Price
		q.Quantity = res.Quantity
	}
	return q, nil
}

// ClearMarket runs one clearing round for marketID. A round that finds no
// crossing orders returns an Outcome with Traded false and changes nothing.
// If any step fails the whole round is rolled back.
func (e *Engine) ClearMarket(ctx context.Context, marketID string) (Outcome, error) {
	unlock := e.locks.lock(marketID)
	defer unlock()

	start := time.Now()
	var out Outcome
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = e.settle(ctx, tx, marketID)
		return err
	})
	metrics.ClearingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClearingRounds.WithLabelValues("error").Inc()
		slog.Error("clearing round failed", "market", marketID, "err", err)
		return Outcome{}, fmt.Errorf("clearing: market %s: %w", marketID, err)
	}

	if !out.Traded {
		metrics.ClearingRounds.WithLabelValues("no_trade").Inc()
		slog.Debug("clearing round found no trade", "market", marketID)
		return out, nil
	}

	metrics.ClearingRounds.WithLabelValues("traded").Inc()
	metrics.ClearedQuantity.WithLabelValues(marketID).Add(float64(out.Quantity))
	if out.VolumeDelta > 0 {
		metrics.ShortVolume.WithLabelValues(marketID).Add(float64(out.VolumeDelta))
	}
	slog.Info("clearing round executed",
		"market", marketID,
		"price", out.Price.String(),
		"qty", out.Quantity,
		"volume_delta", out.VolumeDelta,
		"fills", len(out.Fills),
	)

	// Still under the market lock so observers see rounds in commit order.
	if e.notifier != nil {
		e.notifier.Notify(ctx, out)
	}
	return out, nil
}

// CloseIfDue applies the one-way open to closed transition when the
// market's closing date has passed, and returns the market as it stands
// afterwards.
func (e *Engine) CloseIfDue(ctx context.Context, marketID string) (*model.Market, error) {
	unlock := e.locks.lock(marketID)
	defer unlock()

	now := e.now()
	var (
		market *model.Market
		closed bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		market, closed, err = closeIfDue(ctx, tx, marketID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clearing: close market %s: %w", marketID, err)
	}

	if closed {
		recordClose(market)
	}
	return market, nil
}

// closeIfDue reads the market inside tx and closes it when due. It reports
// whether this call made the transition.
func closeIfDue(ctx context.Context, tx store.Tx, marketID string, now time.Time) (*model.Market, bool, error) {
	market, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return nil, false, err
	}
	if market.Status == model.MarketClosed || !market.HasClosed(now) {
		return market, false, nil
	}
	closed := market.Close()
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return nil, false, err
	}
	return market, closed, nil
}

func recordClose(m *model.Market) {
	metrics.MarketsClosed.Inc()
	metrics.ActiveMarkets.Dec()
	slog.Info("market closed", "market", m.ID, "closing_date", m.ClosingDate)
}

// EnsureOpen runs the lifecycle check callers perform before clearing. It
// returns ErrMarketClosed once the market has closed.
func (e *Engine) EnsureOpen(ctx context.Context, marketID string) (*model.Market, error) {
	market, err := e.CloseIfDue(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status == model.MarketClosed {
		return market, fmt.Errorf("%w: %s", ErrMarketClosed, marketID)
	}
	return market, nil
}
