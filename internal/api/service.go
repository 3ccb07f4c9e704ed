// Package api provides the HTTP handlers for listing markets, submitting
// orders, previewing and executing clearing rounds, and querying accounts
// and portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/book"
	"github.com/atmx/callmarket/internal/clearing"
	"github.com/atmx/callmarket/internal/lifecycle"
	"github.com/atmx/callmarket/internal/metrics"
	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

// Service handles market operations. Mutations go through the clearing
// engine, which serializes them per market; reads go straight to the store.
type Service struct {
	store    store.Store
	engine   *clearing.Engine
	wsHub    *WSHub    // optional WebSocket hub for real-time broadcasts
	throttle *Throttle // optional order submission limiter
}

// NewService creates a new API service.
// Pass nil for hub or throttle to disable them.
func NewService(st store.Store, engine *clearing.Engine, hub *WSHub, throttle *Throttle) *Service {
	return &Service{
		store:    st,
		engine:   engine,
		wsHub:    hub,
		throttle: throttle,
	}
}

// Routes registers the API under r (mounted at /api/v1 by the server).
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetBook)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)

	// Order entry and clearing.
	r.With(s.throttle.Middleware).Post("/markets/{marketID}/orders", s.SubmitOrder)
	r.Get("/markets/{marketID}/clear", s.PreviewClearing)
	r.Post("/markets/{marketID}/clear", s.ClearMarket)
	r.Get("/orders/{orderID}", s.GetOrder)

	// Account queries.
	r.Get("/accounts/{userID}", s.GetAccount)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. When
// closing_date is omitted the market gets the current hourly window.
type CreateMarketRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	OpeningDate    *time.Time `json:"opening_date,omitempty"`
	ClosingDate    *time.Time `json:"closing_date,omitempty"`
	ResolutionDate *time.Time `json:"resolution_date,omitempty"`
}

// MarketView is a market with its remaining trading time.
type MarketView struct {
	model.Market
	TimeToLiveSeconds int64 `json:"time_to_live_seconds"`
}

// OrderRequest is the JSON body for POST /markets/{marketID}/orders.
type OrderRequest struct {
	UserID   string          `json:"user_id"`
	Side     model.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// BookResponse is a market's pending orders in matching priority.
type BookResponse struct {
	MarketID   string        `json:"market_id"`
	Sells      []model.Order `json:"sells"`
	Buys       []model.Order `json:"buys"`
	SellLevels []book.Level  `json:"sell_levels"`
	BuyLevels  []book.Level  `json:"buy_levels"`
}

// AccountResponse is a user's balance and postings.
type AccountResponse struct {
	UserID       string              `json:"user_id"`
	Balance      decimal.Decimal     `json:"balance"`
	Transactions []model.Transaction `json:"transactions"`
}

// PositionView values a position at its market's last clearing price.
type PositionView struct {
	model.Position
	MarketName string          `json:"market_name"`
	Price      decimal.Decimal `json:"price"`
	Value      decimal.Decimal `json:"value"`
}

// Portfolio summarises a user's holdings.
type Portfolio struct {
	UserID     string          `json:"user_id"`
	Balance    decimal.Decimal `json:"balance"`
	Positions  []PositionView  `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value"`
	NetWorth   decimal.Decimal `json:"net_worth"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=open|closed.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	status := model.MarketStatus(r.URL.Query().Get("status"))
	now := time.Now()
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		if status != "" && m.Status != status {
			continue
		}
		views = append(views, newMarketView(m, now))
	}

	writeJSON(w, http.StatusOK, views)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	window := lifecycle.HourlyWindow(now)
	if req.ClosingDate != nil {
		window = lifecycle.Window{Opening: now, Closing: req.ClosingDate.UTC(), Resolution: req.ClosingDate.UTC()}
	}
	if req.OpeningDate != nil {
		window.Opening = req.OpeningDate.UTC()
	}
	if req.ResolutionDate != nil {
		window.Resolution = req.ResolutionDate.UTC()
	}
	if !window.Closing.After(window.Opening) {
		writeError(w, "closing_date must be after opening_date", http.StatusBadRequest)
		return
	}
	if window.Resolution.Before(window.Closing) {
		writeError(w, "resolution_date must not be before closing_date", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Description:    req.Description,
		Status:         model.MarketOpen,
		OpeningDate:    window.Opening,
		ClosingDate:    window.Closing,
		ResolutionDate: window.Resolution,
		Price:          decimal.Zero,
		CreatedAt:      now,
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", market.ID,
		"name", market.Name,
		"closing_date", market.ClosingDate,
	)

	writeJSON(w, http.StatusCreated, newMarketView(*market, now))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(*market, time.Now()))
}

// GetBook handles GET /api/v1/markets/{marketID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeStoreError(w, err)
		return
	}
	b, err := book.Load(ctx, s.store, marketID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BookResponse{
		MarketID:   marketID,
		Sells:      b.Sells(),
		Buys:       b.Buys(),
		SellLevels: orEmpty(b.SellLevels()),
		BuyLevels:  orEmpty(b.BuyLevels()),
	})
}

// SubmitOrder handles POST /api/v1/markets/{marketID}/orders
// Rests a limit order on the book until the next clearing round.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	// The engine rejects orders for closed markets, closing them when due.
	order, err := s.engine.SubmitOrder(ctx, clearing.OrderRequest{
		MarketID: marketID,
		UserID:   req.UserID,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "order_submitted",
			MarketID: marketID,
			Side:     string(order.Side),
			Price:    order.Price.String(),
			Quantity: order.Quantity,
		})
	}

	writeJSON(w, http.StatusCreated, order)
}

// PreviewClearing handles GET /api/v1/markets/{marketID}/clear
// Shows the price and quantity a round would clear at, without applying it.
func (s *Service) PreviewClearing(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Preview(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	q.Sells = orEmpty(q.Sells)
	q.Buys = orEmpty(q.Buys)
	writeJSON(w, http.StatusOK, q)
}

// ClearMarket handles POST /api/v1/markets/{marketID}/clear
// Runs one clearing round. A round with no crossing orders is not an error.
func (s *Service) ClearMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.engine.EnsureOpen(ctx, marketID); err != nil {
		writeStoreError(w, err)
		return
	}

	out, err := s.engine.ClearMarket(ctx, marketID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns clearing records, newest first.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeStoreError(w, err)
		return
	}
	records, err := s.store.ListHistory(ctx, marketID)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(records))
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetAccount handles GET /api/v1/accounts/{userID}
// Users who never traded have a zero balance and no postings.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	balance, err := s.balance(r, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	txns, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AccountResponse{
		UserID:       userID,
		Balance:      balance,
		Transactions: orEmpty(txns),
	})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Values every position at its market's last clearing price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	balance, err := s.balance(r, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	total := decimal.Zero
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{Position: p}
		if m, err := s.store.GetMarket(ctx, p.MarketID); err == nil {
			v.MarketName = m.Name
			v.Price = m.Price
			v.Value = m.Price.Mul(decimal.NewFromInt(p.Quantity))
		}
		total = total.Add(v.Value)
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, Portfolio{
		UserID:     userID,
		Balance:    balance,
		Positions:  views,
		TotalValue: total,
		NetWorth:   balance.Add(total),
	})
}

func (s *Service) balance(r *http.Request, userID string) (decimal.Decimal, error) {
	acct, err := s.store.GetAccount(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

func newMarketView(m model.Market, now time.Time) MarketView {
	v := MarketView{Market: m}
	if m.Status == model.MarketOpen {
		v.TimeToLiveSeconds = int64(lifecycle.TimeToLive(m.ClosingDate, now) / time.Second)
	}
	return v
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps domain errors to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, clearing.ErrInvalidOrder):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, clearing.ErrMarketClosed):
		writeError(w, "market is closed", http.StatusConflict)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
