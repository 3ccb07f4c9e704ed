package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/callmarket/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and clearing history. Writes go to the primary store;
// keys touched by a transaction are invalidated once it commits.
//
// Each market has a generation counter that commits bump before deleting
// its keys. A read-through only fills the cache when the generation is the
// one it saw before reading the primary, so a read that raced a commit
// never caches the pre-commit value.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.set(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &cachedTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	// Invalidate after commit; the next read re-populates.
	if len(touched) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(touched))
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for id := range touched {
			p.Incr(ctx, generationKey(id))
			keys = append(keys, marketKey(id), historyKey(id))
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
	return nil
}

// cachedTx records which markets a transaction wrote.
type cachedTx struct {
	Tx
	touched map[string]struct{}
}

func (t *cachedTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.touched[m.ID] = struct{}{}
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *cachedTx) AppendHistory(ctx context.Context, h *model.HistoryRecord) error {
	t.touched[h.MarketID] = struct{}{}
	return t.Tx.AppendHistory(ctx, h)
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.get(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, id)
	market, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, id, gen, marketKey(id), market)
	return market, nil
}

func (s *CachedStore) ListHistory(ctx context.Context, marketID string) ([]model.HistoryRecord, error) {
	var records []model.HistoryRecord
	if s.get(ctx, historyKey(marketID), &records) {
		return records, nil
	}

	gen := s.generation(ctx, marketID)
	records, err := s.primary.ListHistory(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, marketID, gen, historyKey(marketID), records)
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, marketID string, side model.Side, status model.OrderStatus) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, marketID, side, status)
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, marketID, userID)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, userID)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

var errGenerationMoved = errors.New("cache generation moved")

// generation returns the market's current generation, "" before its first
// invalidation.
func (s *CachedStore) generation(ctx context.Context, marketID string) string {
	gen, err := s.rdb.Get(ctx, generationKey(marketID)).Result()
	if err != nil {
		return ""
	}
	return gen
}

// fill caches v under key if the market is still at generation gen.
func (s *CachedStore) fill(ctx context.Context, marketID, gen, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	genKey := generationKey(marketID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errGenerationMoved
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, errGenerationMoved) && !errors.Is(err, redis.TxFailedErr) {
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func historyKey(id string) string    { return fmt.Sprintf("history:%s", id) }
func generationKey(id string) string { return fmt.Sprintf("market-gen:%s", id) }
