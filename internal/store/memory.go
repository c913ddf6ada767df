package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	stocks       map[string]*model.Stock
	users        map[string]*model.User
	holdings     map[string]map[string]int64 // userID -> stockID -> shares
	history      map[string][]model.PriceHistoryEntry
	transactions []model.Transaction
	bets         map[string]*model.DirectionalBet
	driftEnabled bool
	lastDriftAt  time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:       make(map[string]*model.Stock),
		users:        make(map[string]*model.User),
		holdings:     make(map[string]map[string]int64),
		history:      make(map[string][]model.PriceHistoryEntry),
		bets:         make(map[string]*model.DirectionalBet),
		driftEnabled: true,
	}
}

func (s *MemoryStore) CreateStock(_ context.Context, stock *model.Stock, entry *model.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stocks {
		if existing.Symbol == stock.Symbol {
			return fmt.Errorf("stock with symbol %s already exists", stock.Symbol)
		}
	}

	// Store copies to avoid external mutation.
	cp := *stock
	s.stocks[stock.ID] = &cp
	s.history[stock.ID] = append(s.history[stock.ID], *entry)
	return nil
}

func (s *MemoryStore) GetStock(_ context.Context, id string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStockLocked(id)
}

func (s *MemoryStore) getStockLocked(id string) (*model.Stock, error) {
	st, ok := s.stocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrStockNotFound, id)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) GetStockBySymbol(_ context.Context, symbol string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.stocks {
		if st.Symbol == symbol {
			cp := *st
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: symbol %s", model.ErrStockNotFound, symbol)
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		stocks = append(stocks, *st)
	}
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].Symbol < stocks[j].Symbol })
	return stocks, nil
}

func (s *MemoryStore) RemoveStock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stocks[id]; !ok {
		return fmt.Errorf("%w: %s", model.ErrStockNotFound, id)
	}
	// History, transactions, and settled bets are retained for replay.
	delete(s.stocks, id)
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, stockID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdings[userID][stockID], nil
}

func (s *MemoryStore) ListHoldingsByStock(_ context.Context, stockID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for userID, byStock := range s.holdings {
		if shares := byStock[stockID]; shares > 0 {
			result = append(result, model.Holding{UserID: userID, StockID: stockID, Shares: shares})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for stockID, shares := range s.holdings[userID] {
		if shares > 0 {
			result = append(result, model.Holding{UserID: userID, StockID: stockID, Shares: shares})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StockID < result[j].StockID })
	return result, nil
}

func (s *MemoryStore) CompensateHolder(_ context.Context, userID, stockID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	u.Balance = u.Balance.Add(amount)
	delete(s.holdings[userID], stockID)
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[stockID]
	// Stored oldest-first; return newest-first copies.
	result := make([]model.PriceHistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByStock(_ context.Context, stockID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.StockID == stockID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, app TradeApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[app.StockID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrStockNotFound, app.StockID)
	}
	u, ok := s.users[app.UserID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, app.UserID)
	}
	// Floor check before any mutation: a failed trade leaves no trace.
	if u.Balance.Add(app.BalanceDelta).IsNegative() {
		return fmt.Errorf("%w: user %s", model.ErrInsufficientFunds, app.UserID)
	}

	st.CurrentPrice = app.NewPrice
	st.AvailableShares = app.NewAvailable
	u.Balance = u.Balance.Add(app.BalanceDelta)

	if s.holdings[app.UserID] == nil {
		s.holdings[app.UserID] = make(map[string]int64)
	}
	s.holdings[app.UserID][app.StockID] += app.HoldingDelta

	s.transactions = append(s.transactions, *app.Transaction)
	s.history[app.StockID] = append(s.history[app.StockID], *app.Entry)
	return nil
}

func (s *MemoryStore) ApplyPriceUpdate(_ context.Context, upd PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[upd.StockID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrStockNotFound, upd.StockID)
	}

	st.CurrentPrice = upd.NewPrice
	if upd.NewTotal != nil {
		st.TotalShares = *upd.NewTotal
	}
	if upd.NewAvailable != nil {
		st.AvailableShares = *upd.NewAvailable
	}
	s.history[upd.StockID] = append(s.history[upd.StockID], *upd.Entry)
	return nil
}

func (s *MemoryStore) CreateBet(_ context.Context, bet *model.DirectionalBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[bet.UserID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, bet.UserID)
	}
	if u.Balance.LessThan(bet.Amount) {
		return fmt.Errorf("%w: user %s", model.ErrInsufficientFunds, bet.UserID)
	}
	u.Balance = u.Balance.Sub(bet.Amount)

	cp := *bet
	s.bets[bet.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBetNotFound, id)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListOpenBetsByUser(_ context.Context, userID string) ([]model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DirectionalBet
	for _, b := range s.bets {
		if b.UserID == userID && b.Status == model.BetOpen {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlacedAt.Before(result[j].PlacedAt) })
	return result, nil
}

func (s *MemoryStore) ListOpenBetsByStock(_ context.Context, stockID string) ([]model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DirectionalBet
	for _, b := range s.bets {
		if b.StockID == stockID && b.Status == model.BetOpen {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlacedAt.Before(result[j].PlacedAt) })
	return result, nil
}

func (s *MemoryStore) ListDueBets(_ context.Context, now time.Time) ([]model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DirectionalBet
	for _, b := range s.bets {
		if b.Status == model.BetOpen && !b.ExpiresAt.After(now) {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

func (s *MemoryStore) SettleBet(_ context.Context, betID, status string, payout decimal.Decimal, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return false, fmt.Errorf("%w: %s", model.ErrBetNotFound, betID)
	}
	if b.Status != model.BetOpen {
		return false, nil
	}

	b.Status = status
	b.Payout = payout
	b.ResolvedAt = &resolvedAt

	if payout.IsPositive() {
		if u, ok := s.users[b.UserID]; ok {
			u.Balance = u.Balance.Add(payout)
		}
	}
	return true, nil
}

func (s *MemoryStore) DriftState(_ context.Context) (model.DriftState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.DriftState{Enabled: s.driftEnabled, LastDriftAt: s.lastDriftAt}, nil
}

func (s *MemoryStore) SetDriftEnabled(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driftEnabled = enabled
	return nil
}

func (s *MemoryStore) ClaimDriftWindow(_ context.Context, now time.Time, window time.Duration, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if !s.driftEnabled || now.Sub(s.lastDriftAt) < window {
			return false, nil
		}
	}
	s.lastDriftAt = now
	return true, nil
}
