package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/callmarket/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions run against a private copy of the state which replaces the
// live state only when the callback succeeds. Transactions are serialized;
// a callback must use its Tx and never call back into the MemoryStore.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type positionKey struct {
	marketID string
	userID   string
}

type memState struct {
	markets      map[string]model.Market
	orders       map[string]model.Order
	positions    map[positionKey]model.Position
	accounts     map[string]model.Account
	transactions []model.Transaction
	history      []model.HistoryRecord
	seq          int64
}

func newMemState() *memState {
	return &memState{
		markets:   make(map[string]model.Market),
		orders:    make(map[string]model.Order),
		positions: make(map[positionKey]model.Position),
		accounts:  make(map[string]model.Account),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		markets:      make(map[string]model.Market, len(st.markets)),
		orders:       make(map[string]model.Order, len(st.orders)),
		positions:    make(map[positionKey]model.Position, len(st.positions)),
		accounts:     make(map[string]model.Account, len(st.accounts)),
		transactions: slices.Clone(st.transactions),
		history:      slices.Clone(st.history),
		seq:          st.seq,
	}
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.positions {
		c.positions[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	return c
}

// --- Store ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if _, ok := s.state.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.state.markets[m.ID] = *m
	return nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(ctx, &memTx{st: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getMarket(id)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listMarkets(), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getOrder(id)
}

func (s *MemoryStore) ListOrders(_ context.Context, marketID string, side model.Side, status model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listOrders(marketID, side, status), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getPosition(marketID, userID)
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listPositions(userID), nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getAccount(userID)
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listTransactions(userID), nil
}

func (s *MemoryStore) ListHistory(_ context.Context, marketID string) ([]model.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listHistory(marketID), nil
}

// --- Transaction ---

type memTx struct {
	st *memState
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	return tx.st.getMarket(id)
}

func (tx *memTx) ListMarkets(_ context.Context) ([]model.Market, error) {
	return tx.st.listMarkets(), nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return tx.st.getOrder(id)
}

func (tx *memTx) ListOrders(_ context.Context, marketID string, side model.Side, status model.OrderStatus) ([]model.Order, error) {
	return tx.st.listOrders(marketID, side, status), nil
}

func (tx *memTx) GetPosition(_ context.Context, marketID, userID string) (*model.Position, error) {
	return tx.st.getPosition(marketID, userID)
}

func (tx *memTx) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	return tx.st.listPositions(userID), nil
}

func (tx *memTx) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	return tx.st.getAccount(userID)
}

func (tx *memTx) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	return tx.st.listTransactions(userID), nil
}

func (tx *memTx) ListHistory(_ context.Context, marketID string) ([]model.HistoryRecord, error) {
	return tx.st.listHistory(marketID), nil
}

func (tx *memTx) CreateOrder(_ context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if _, ok := tx.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	tx.st.seq++
	o.Seq = tx.st.seq
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	tx.st.orders[o.ID] = *o
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	existing, ok := tx.st.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	existing.Quantity = o.Quantity
	existing.Status = o.Status
	tx.st.orders[o.ID] = existing
	return nil
}

func (tx *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	key := positionKey{p.MarketID, p.UserID}
	if _, ok := tx.st.positions[key]; ok {
		return fmt.Errorf("position %s/%s already exists", p.MarketID, p.UserID)
	}
	tx.st.positions[key] = *p
	return nil
}

func (tx *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	key := positionKey{p.MarketID, p.UserID}
	if _, ok := tx.st.positions[key]; !ok {
		return fmt.Errorf("position %s/%s: %w", p.MarketID, p.UserID, ErrNotFound)
	}
	tx.st.positions[key] = *p
	return nil
}

func (tx *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := tx.st.accounts[a.UserID]; ok {
		return fmt.Errorf("account %s already exists", a.UserID)
	}
	tx.st.accounts[a.UserID] = *a
	return nil
}

func (tx *memTx) UpdateAccount(_ context.Context, a *model.Account) error {
	if _, ok := tx.st.accounts[a.UserID]; !ok {
		return fmt.Errorf("account %s: %w", a.UserID, ErrNotFound)
	}
	tx.st.accounts[a.UserID] = *a
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	tx.st.transactions = append(tx.st.transactions, *t)
	return nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	existing, ok := tx.st.markets[m.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	existing.Status = m.Status
	existing.Price = m.Price
	existing.Volume = m.Volume
	tx.st.markets[m.ID] = existing
	return nil
}

func (tx *memTx) AppendHistory(_ context.Context, h *model.HistoryRecord) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	tx.st.history = append(tx.st.history, *h)
	return nil
}

// --- Shared queries ---

func (st *memState) getMarket(id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (st *memState) listMarkets() []model.Market {
	markets := make([]model.Market, 0, len(st.markets))
	for _, m := range st.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets
}

func (st *memState) getOrder(id string) (*model.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (st *memState) listOrders(marketID string, side model.Side, status model.OrderStatus) []model.Order {
	var result []model.Order
	for _, o := range st.orders {
		if o.MarketID == marketID && o.Side == side && o.Status == status {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (st *memState) getPosition(marketID, userID string) (*model.Position, error) {
	p, ok := st.positions[positionKey{marketID, userID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", marketID, userID, ErrNotFound)
	}
	return &p, nil
}

func (st *memState) listPositions(userID string) []model.Position {
	var result []model.Position
	for _, p := range st.positions {
		if p.UserID == userID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result
}

func (st *memState) getAccount(userID string) (*model.Account, error) {
	a, ok := st.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return &a, nil
}

func (st *memState) listTransactions(userID string) []model.Transaction {
	var result []model.Transaction
	for _, t := range st.transactions {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result
}

// listHistory walks the append log backwards so equal timestamps keep
// newest-first order.
func (st *memState) listHistory(marketID string) []model.HistoryRecord {
	var result []model.HistoryRecord
	for i := len(st.history) - 1; i >= 0; i-- {
		if st.history[i].MarketID == marketID {
			result = append(result, st.history[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	return result
}
