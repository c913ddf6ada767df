package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for stock snapshots and recent price history. Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary.
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

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	data, err := s.rdb.Get(ctx, stockKey(id)).Bytes()
	if err == nil {
		var st model.Stock
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheStock(ctx, st)
	return st, nil
}

func (s *CachedStore) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	// Cache via symbol->ID mapping.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetStock(ctx, id)
	}

	st, err := s.primary.GetStockBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheStock(ctx, st)
	s.rdb.Set(ctx, symbolKey(symbol), st.ID, s.ttl)
	return st, nil
}

func (s *CachedStore) PriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	key := historyKey(stockID, limit)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entries []model.PriceHistoryEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.PriceHistory(ctx, stockID, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return entries, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateStock(ctx context.Context, st *model.Stock, entry *model.PriceHistoryEntry) error {
	if err := s.primary.CreateStock(ctx, st, entry); err != nil {
		return err
	}
	s.cacheStock(ctx, st)
	return nil
}

func (s *CachedStore) RemoveStock(ctx context.Context, id string) error {
	if err := s.primary.RemoveStock(ctx, id); err != nil {
		return err
	}
	s.invalidateStock(ctx, id)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, app TradeApplication) error {
	if err := s.primary.ApplyTrade(ctx, app); err != nil {
		return err
	}
	s.invalidateStock(ctx, app.StockID)
	return nil
}

func (s *CachedStore) ApplyPriceUpdate(ctx context.Context, upd PriceUpdate) error {
	if err := s.primary.ApplyPriceUpdate(ctx, upd); err != nil {
		return err
	}
	s.invalidateStock(ctx, upd.StockID)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.primary.ListStocks(ctx)
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, stockID string) (int64, error) {
	return s.primary.GetHolding(ctx, userID, stockID)
}

func (s *CachedStore) ListHoldingsByStock(ctx context.Context, stockID string) ([]model.Holding, error) {
	return s.primary.ListHoldingsByStock(ctx, stockID)
}

func (s *CachedStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.ListHoldingsByUser(ctx, userID)
}

func (s *CachedStore) CompensateHolder(ctx context.Context, userID, stockID string, amount decimal.Decimal) error {
	return s.primary.CompensateHolder(ctx, userID, stockID, amount)
}

func (s *CachedStore) ListTransactionsByStock(ctx context.Context, stockID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByStock(ctx, stockID)
}

func (s *CachedStore) CreateBet(ctx context.Context, bet *model.DirectionalBet) error {
	return s.primary.CreateBet(ctx, bet)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.DirectionalBet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) ListOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error) {
	return s.primary.ListOpenBetsByUser(ctx, userID)
}

func (s *CachedStore) ListOpenBetsByStock(ctx context.Context, stockID string) ([]model.DirectionalBet, error) {
	return s.primary.ListOpenBetsByStock(ctx, stockID)
}

func (s *CachedStore) ListDueBets(ctx context.Context, now time.Time) ([]model.DirectionalBet, error) {
	return s.primary.ListDueBets(ctx, now)
}

func (s *CachedStore) SettleBet(ctx context.Context, betID, status string, payout decimal.Decimal, resolvedAt time.Time) (bool, error) {
	return s.primary.SettleBet(ctx, betID, status, payout, resolvedAt)
}

func (s *CachedStore) DriftState(ctx context.Context) (model.DriftState, error) {
	return s.primary.DriftState(ctx)
}

func (s *CachedStore) SetDriftEnabled(ctx context.Context, enabled bool) error {
	return s.primary.SetDriftEnabled(ctx, enabled)
}

func (s *CachedStore) ClaimDriftWindow(ctx context.Context, now time.Time, window time.Duration, force bool) (bool, error) {
	return s.primary.ClaimDriftWindow(ctx, now, window, force)
}

// --- Cache helpers ---

func (s *CachedStore) cacheStock(ctx context.Context, st *model.Stock) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, stockKey(st.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateStock(ctx context.Context, id string) {
	s.rdb.Del(ctx, stockKey(id))
	// History keys are per-limit; sweep the stock's whole prefix.
	iter := s.rdb.Scan(ctx, 0, historyPrefix(id)+"*", 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func stockKey(id string) string      { return fmt.Sprintf("stock:%s", id) }
func symbolKey(s string) string      { return fmt.Sprintf("symbol:%s", s) }
func historyPrefix(id string) string { return fmt.Sprintf("history:%s:", id) }
func historyKey(id string, limit int) string {
	return fmt.Sprintf("%s%d", historyPrefix(id), limit)
}
