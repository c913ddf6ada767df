// Package market provides the engine's command and query surface: trade
// execution, supply and dilution, admin inflation, scheduled drift, and
// directional bet placement and settlement.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/audit"
	"github.com/charmarket/market-engine/internal/metrics"
	"github.com/charmarket/market-engine/internal/model"
	"github.com/charmarket/market-engine/internal/options"
	"github.com/charmarket/market-engine/internal/pricing"
	"github.com/charmarket/market-engine/internal/risk"
	"github.com/charmarket/market-engine/internal/store"
	"github.com/charmarket/market-engine/pkg/contracts/events"
)

var (
	// ErrInvalidArgument covers non-positive shares/amounts and malformed input.
	ErrInvalidArgument = errors.New("market: invalid argument")

	// ErrInsufficientFunds is returned when a buyer or bettor cannot cover
	// the cost. Alias of the store-level sentinel so callers see the same
	// error whether the precheck or a racing debit inside the transaction
	// rejected the operation.
	ErrInsufficientFunds = model.ErrInsufficientFunds

	// ErrInsufficientShares is returned when a buy exceeds the available float.
	ErrInsufficientShares = errors.New("market: insufficient shares available")

	// ErrInsufficientHoldings is returned when a sell exceeds the user's holding.
	ErrInsufficientHoldings = errors.New("market: insufficient holdings")

	// ErrBetNotDue is returned when settling a bet before its expiry.
	ErrBetNotDue = errors.New("market: bet not yet due for settlement")
)

// driftWindow is the rolling idempotence window for daily drift.
const driftWindow = 24 * time.Hour

// Service owns all engine state mutations. Per-stock mutexes serialize
// mutations to one stock; the store commits each operation atomically.
type Service struct {
	store   store.Store
	limiter *risk.ExposureLimiter
	audit   audit.Publisher
	wsHub   *WSHub // optional, nil disables broadcasts
	locks   *lockRegistry
}

// NewService creates the engine service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, limiter *risk.ExposureLimiter, pub audit.Publisher, hub *WSHub) *Service {
	return &Service{
		store:   st,
		limiter: limiter,
		audit:   pub,
		wsHub:   hub,
		locks:   newLockRegistry(),
	}
}

// BatchSummary reports per-item isolation results of a batch operation.
type BatchSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// --- Stock lifecycle ---

// CreateStock lists a new character stock with its full supply available
// and writes the listing ledger entry.
func (s *Service) CreateStock(ctx context.Context, symbol, name, category string, initialPrice decimal.Decimal, totalShares int64) (*model.Stock, error) {
	if err := model.ValidateSymbol(symbol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if initialPrice.LessThanOrEqual(decimal.Zero) || totalShares <= 0 {
		return nil, fmt.Errorf("%w: initial price and total shares must be positive", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	st := &model.Stock{
		ID:              uuid.New().String(),
		Symbol:          symbol,
		Name:            name,
		Category:        category,
		CurrentPrice:    pricing.ClampPrice(initialPrice),
		TotalShares:     totalShares,
		AvailableShares: totalShares,
		CreatedAt:       now,
	}
	entry := s.historyEntry(st.ID, st.CurrentPrice, model.CauseListing, now)

	if err := s.store.CreateStock(ctx, st, entry); err != nil {
		return nil, err
	}

	metrics.ListedStocks.Inc()
	s.audit.Publish(ctx, audit.NewEvent(events.ActionCreateStock, "admin", "stock", st.ID,
		nil, map[string]string{"symbol": symbol, "price": st.CurrentPrice.String(), "total_shares": fmt.Sprint(totalShares)}))

	slog.Info("stock listed", "id", st.ID, "symbol", symbol, "price", st.CurrentPrice.String())
	return st, nil
}

// CreateUser registers a user balance with the engine.
func (s *Service) CreateUser(ctx context.Context, id string, balance decimal.Decimal) (*model.User, error) {
	if id == "" || balance.IsNegative() {
		return nil, fmt.Errorf("%w: user id required, balance must be non-negative", ErrInvalidArgument)
	}
	u := &model.User{ID: id, Balance: balance}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Price formation ---

// Buy executes a purchase of shares from the available float at the current
// price, then moves the price up along the impact curve.
func (s *Service) Buy(ctx context.Context, stockID, userID string, shares int64) (*model.Transaction, error) {
	return s.executeTrade(ctx, stockID, userID, model.SideBuy, shares)
}

// Sell executes a sale of held shares back into the float at the current
// price, then moves the price down along the impact curve.
func (s *Service) Sell(ctx context.Context, stockID, userID string, shares int64) (*model.Transaction, error) {
	return s.executeTrade(ctx, stockID, userID, model.SideSell, shares)
}

func (s *Service) executeTrade(ctx context.Context, stockID, userID, side string, shares int64) (*model.Transaction, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("%w: shares must be positive", ErrInvalidArgument)
	}
	start := time.Now()

	unlock := s.locks.acquire(stockID)
	defer unlock()

	st, err := s.store.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Execution happens at the pre-trade price; the impact moves the price
	// for the next trade.
	execPrice := st.CurrentPrice
	total := execPrice.Mul(decimal.NewFromInt(shares))

	var newPrice decimal.Decimal
	var newAvailable int64
	var balanceDelta decimal.Decimal
	var holdingDelta int64

	switch side {
	case model.SideBuy:
		if shares > st.AvailableShares {
			return nil, fmt.Errorf("%w: want %d, float has %d", ErrInsufficientShares, shares, st.AvailableShares)
		}
		if user.Balance.LessThan(total) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, total, user.Balance)
		}
		newPrice, err = pricing.BuyPrice(st.CurrentPrice, shares, st.AvailableShares)
		if err != nil {
			return nil, err
		}
		newAvailable = st.AvailableShares - shares
		balanceDelta = total.Neg()
		holdingDelta = shares

	case model.SideSell:
		held, err := s.store.GetHolding(ctx, userID, stockID)
		if err != nil {
			return nil, err
		}
		if held < shares {
			return nil, fmt.Errorf("%w: want %d, hold %d", ErrInsufficientHoldings, shares, held)
		}
		newPrice, err = pricing.SellPrice(st.CurrentPrice, shares, st.AvailableShares)
		if err != nil {
			return nil, err
		}
		newAvailable = st.AvailableShares + shares
		balanceDelta = total
		holdingDelta = -shares

	default:
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	tx := &model.Transaction{
		ID:            uuid.New().String(),
		StockID:       stockID,
		UserID:        userID,
		Side:          side,
		Shares:        shares,
		PricePerShare: execPrice,
		TotalAmount:   total,
		Timestamp:     now,
	}

	app := store.TradeApplication{
		StockID:      stockID,
		NewPrice:     newPrice,
		NewAvailable: newAvailable,
		Transaction:  tx,
		Entry:        s.historyEntry(stockID, newPrice, model.CauseTrade, now),
		UserID:       userID,
		BalanceDelta: balanceDelta,
		HoldingDelta: holdingDelta,
	}
	if err := s.store.ApplyTrade(ctx, app); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	s.audit.Publish(ctx, audit.NewEvent(actionForSide(side), userID, "stock", stockID,
		map[string]string{"price": st.CurrentPrice.String(), "available_shares": fmt.Sprint(st.AvailableShares)},
		map[string]string{"price": newPrice.String(), "available_shares": fmt.Sprint(newAvailable), "shares": fmt.Sprint(shares)}))

	slog.Info("trade executed",
		"tx_id", tx.ID, "user", userID, "stock", st.Symbol, "side", side,
		"shares", shares, "exec_price", execPrice.String(), "new_price", newPrice.String())

	s.broadcast(st, newPrice, model.CauseTrade)
	return tx, nil
}

func actionForSide(side string) string {
	if side == model.SideBuy {
		return events.ActionBuy
	}
	return events.ActionSell
}

// --- Supply & dilution ---

// CreateShares mints additional shares into a stock's float without
// repricing; market capitalization rises accordingly. The ledger still gets
// one entry to mark the supply-change event.
func (s *Service) CreateShares(ctx context.Context, stockID string, additional int64) (*model.Stock, error) {
	if additional <= 0 {
		return nil, fmt.Errorf("%w: additional shares must be positive", ErrInvalidArgument)
	}

	unlock := s.locks.acquire(stockID)
	defer unlock()

	st, err := s.store.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}

	if err := s.applySupplyChange(ctx, st, additional, false); err != nil {
		return nil, err
	}

	s.audit.Publish(ctx, audit.NewEvent(events.ActionCreateShares, "admin", "stock", stockID,
		map[string]string{"total_shares": fmt.Sprint(st.TotalShares)},
		map[string]string{"total_shares": fmt.Sprint(st.TotalShares + additional)}))

	return s.store.GetStock(ctx, stockID)
}

// applySupplyChange commits one stock's mint all-or-nothing. Caller holds
// the stock lock.
func (s *Service) applySupplyChange(ctx context.Context, st *model.Stock, additional int64, dilute bool) error {
	newPrice := st.CurrentPrice
	if dilute {
		var err error
		newPrice, err = pricing.DilutedPrice(st.CurrentPrice, st.TotalShares, additional)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	newTotal := st.TotalShares + additional
	newAvailable := st.AvailableShares + additional
	upd := store.PriceUpdate{
		StockID:      st.ID,
		NewPrice:     newPrice,
		NewTotal:     &newTotal,
		NewAvailable: &newAvailable,
		Entry:        s.historyEntry(st.ID, newPrice, model.CauseDilution, now),
	}
	if err := s.store.ApplyPriceUpdate(ctx, upd); err != nil {
		return err
	}

	slog.Info("shares created",
		"stock", st.Symbol, "additional", additional, "dilute", dilute, "new_price", newPrice.String())
	s.broadcast(st, newPrice, model.CauseDilution)
	return nil
}

// SupplyProgress is one event in a mass share-creation stream: either a
// per-stock result or (as the final event) the batch summary.
type SupplyProgress struct {
	StockID   string `json:"stock_id,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Err       string `json:"err,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// MassCreateShares mints additional shares into every listed stock,
// streaming one progress event per stock plus a terminal summary event.
// Each stock's mutation is all-or-nothing; cancelling the context stops
// scheduling further stocks but never rolls back committed ones.
func (s *Service) MassCreateShares(ctx context.Context, additional int64, dilute bool) (<-chan SupplyProgress, error) {
	if additional <= 0 {
		return nil, fmt.Errorf("%w: additional shares must be positive", ErrInvalidArgument)
	}

	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, err
	}

	progress := make(chan SupplyProgress, len(stocks)+1)
	go func() {
		defer close(progress)

		processed := 0
		failed := 0
		for i := range stocks {
			if ctx.Err() != nil {
				break
			}
			st := &stocks[i]

			err := func() error {
				unlock := s.locks.acquire(st.ID)
				defer unlock()

				// Re-read under the lock; the listing snapshot may be stale.
				fresh, err := s.store.GetStock(ctx, st.ID)
				if err != nil {
					return err
				}
				return s.applySupplyChange(ctx, fresh, additional, dilute)
			}()

			processed++
			ev := SupplyProgress{
				StockID:   st.ID,
				Symbol:    st.Symbol,
				Processed: processed,
				Total:     len(stocks),
			}
			if err != nil {
				failed++
				ev.Err = err.Error()
				slog.Error("mass share creation: stock failed", "stock", st.Symbol, "err", err)
			}
			progress <- ev
		}

		s.audit.Publish(context.WithoutCancel(ctx), audit.NewEvent(events.ActionCreateShares, "admin", "market", "all",
			nil, map[string]string{
				"additional": fmt.Sprint(additional),
				"dilute":     fmt.Sprint(dilute),
				"succeeded":  fmt.Sprint(processed - failed),
				"failed":     fmt.Sprint(failed),
			}))
		progress <- SupplyProgress{Processed: processed, Total: len(stocks), Done: true}
	}()

	return progress, nil
}

// --- Admin inflation & delisting ---

// InflateAll applies an immediate percentage shock to every stock's price.
// Per-stock failures are isolated; the batch continues.
func (s *Service) InflateAll(ctx context.Context, pct decimal.Decimal) (BatchSummary, error) {
	// Validate once up front so a bad percentage rejects the whole command.
	if _, err := pricing.InflatedPrice(decimal.NewFromInt(1), pct); err != nil {
		return BatchSummary{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return BatchSummary{}, err
	}

	var summary BatchSummary
	for i := range stocks {
		st := &stocks[i]
		err := func() error {
			unlock := s.locks.acquire(st.ID)
			defer unlock()

			fresh, err := s.store.GetStock(ctx, st.ID)
			if err != nil {
				return err
			}
			newPrice, err := pricing.InflatedPrice(fresh.CurrentPrice, pct)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			upd := store.PriceUpdate{
				StockID:  st.ID,
				NewPrice: newPrice,
				Entry:    s.historyEntry(st.ID, newPrice, model.CauseInflation, now),
			}
			if err := s.store.ApplyPriceUpdate(ctx, upd); err != nil {
				return err
			}
			s.broadcast(fresh, newPrice, model.CauseInflation)
			return nil
		}()
		if err != nil {
			summary.Failed++
			slog.Error("inflation: stock failed", "stock", st.Symbol, "err", err)
			continue
		}
		summary.Succeeded++
	}

	s.audit.Publish(ctx, audit.NewEvent(events.ActionInflateAll, "admin", "market", "all",
		nil, map[string]string{
			"percentage": pct.String(),
			"succeeded":  fmt.Sprint(summary.Succeeded),
			"failed":     fmt.Sprint(summary.Failed),
		}))

	slog.Info("inflation applied", "pct", pct.String(), "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

// DelistResult reports what a delisting settled and paid out.
type DelistResult struct {
	BetsCancelled int `json:"bets_cancelled"`
	HoldersPaid   int `json:"holders_paid"`
}

// Delist removes a stock. Ordering is mandatory: cancel every open bet
// (refunding the wager), compensate every shareholder in cash at the current
// price, then remove the stock record — no position may ever reference a
// nonexistent stock.
func (s *Service) Delist(ctx context.Context, stockID string) (DelistResult, error) {
	unlock := s.locks.acquire(stockID)
	defer unlock()

	st, err := s.store.GetStock(ctx, stockID)
	if err != nil {
		return DelistResult{}, err
	}

	var result DelistResult
	now := time.Now().UTC()

	// 1. Cancel open bets, returning the escrowed wager.
	bets, err := s.store.ListOpenBetsByStock(ctx, stockID)
	if err != nil {
		return result, err
	}
	for _, bet := range bets {
		applied, err := s.store.SettleBet(ctx, bet.ID, model.BetCancelled, bet.Amount, now)
		if err != nil {
			return result, fmt.Errorf("cancel bet %s: %w", bet.ID, err)
		}
		if applied {
			result.BetsCancelled++
			metrics.BetsSettledTotal.WithLabelValues(model.BetCancelled).Inc()
		}
	}

	// 2. Pay every shareholder at the delisting price.
	holdings, err := s.store.ListHoldingsByStock(ctx, stockID)
	if err != nil {
		return result, err
	}
	for _, h := range holdings {
		payout := st.CurrentPrice.Mul(decimal.NewFromInt(h.Shares))
		if err := s.store.CompensateHolder(ctx, h.UserID, stockID, payout); err != nil {
			return result, fmt.Errorf("compensate holder %s: %w", h.UserID, err)
		}
		result.HoldersPaid++
	}

	// 3. Remove the stock record. History stays.
	if err := s.store.RemoveStock(ctx, stockID); err != nil {
		return result, err
	}
	s.locks.release(stockID)

	metrics.ListedStocks.Dec()
	s.audit.Publish(ctx, audit.NewEvent(events.ActionDelist, "admin", "stock", stockID,
		map[string]string{"symbol": st.Symbol, "price": st.CurrentPrice.String()},
		map[string]string{
			"bets_cancelled": fmt.Sprint(result.BetsCancelled),
			"holders_paid":   fmt.Sprint(result.HoldersPaid),
		}))

	slog.Info("stock delisted",
		"stock", st.Symbol, "bets_cancelled", result.BetsCancelled, "holders_paid", result.HoldersPaid)
	return result, nil
}

// --- Drift scheduler ---

// SetDriftEnabled toggles the engine-wide drift switch. The toggle lives
// in the store so the API server and the settlement worker always agree.
// Disabling never undoes an already-applied drift.
func (s *Service) SetDriftEnabled(ctx context.Context, enabled bool) error {
	state, err := s.store.DriftState(ctx)
	if err != nil {
		return err
	}
	if err := s.store.SetDriftEnabled(ctx, enabled); err != nil {
		return err
	}

	s.audit.Publish(ctx, audit.NewEvent(events.ActionSetDrift, "admin", "config", "drift",
		map[string]string{"enabled": fmt.Sprint(state.Enabled)},
		map[string]string{"enabled": fmt.Sprint(enabled)}))
	slog.Info("drift toggled", "enabled", enabled)
	return nil
}

// DriftEnabled reports the engine-wide drift switch.
func (s *Service) DriftEnabled(ctx context.Context) (bool, error) {
	state, err := s.store.DriftState(ctx)
	return state.Enabled, err
}

// LastDriftAt returns when the drift window was last claimed.
func (s *Service) LastDriftAt(ctx context.Context) (time.Time, error) {
	state, err := s.store.DriftState(ctx)
	return state.LastDriftAt, err
}

// DriftResult reports one drift invocation. Applied is false when the call
// was a within-window or disabled no-op.
type DriftResult struct {
	Applied bool `json:"applied"`
	BatchSummary
}

// ApplyDailyDrift nudges every stock's price by a small independent random
// amount. At most once per rolling 24-hour window unless forced; calling
// again within the window is a no-op.
func (s *Service) ApplyDailyDrift(ctx context.Context, force bool) (DriftResult, error) {
	// Claim the window up front through the store: when the API server and
	// the settlement worker both fire, exactly one claim succeeds.
	claimed, err := s.store.ClaimDriftWindow(ctx, time.Now().UTC(), driftWindow, force)
	if err != nil {
		return DriftResult{}, err
	}
	if !claimed {
		return DriftResult{}, nil
	}

	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return DriftResult{}, err
	}

	result := DriftResult{Applied: true}
	maxFrac := pricing.MaxDriftFraction.InexactFloat64()
	for i := range stocks {
		st := &stocks[i]
		err := func() error {
			unlock := s.locks.acquire(st.ID)
			defer unlock()

			fresh, err := s.store.GetStock(ctx, st.ID)
			if err != nil {
				return err
			}
			fraction := decimal.NewFromFloat((rand.Float64()*2 - 1) * maxFrac)
			newPrice := pricing.DriftedPrice(fresh.CurrentPrice, fraction)

			now := time.Now().UTC()
			upd := store.PriceUpdate{
				StockID:  st.ID,
				NewPrice: newPrice,
				Entry:    s.historyEntry(st.ID, newPrice, model.CauseDrift, now),
			}
			if err := s.store.ApplyPriceUpdate(ctx, upd); err != nil {
				return err
			}
			s.broadcast(fresh, newPrice, model.CauseDrift)
			return nil
		}()
		if err != nil {
			result.Failed++
			slog.Error("drift: stock failed", "stock", st.Symbol, "err", err)
			continue
		}
		result.Succeeded++
	}

	metrics.DriftRunsTotal.Inc()
	s.audit.Publish(ctx, audit.NewEvent(events.ActionDrift, "system", "market", "all",
		nil, map[string]string{
			"forced":    fmt.Sprint(force),
			"succeeded": fmt.Sprint(result.Succeeded),
			"failed":    fmt.Sprint(result.Failed),
		}))

	slog.Info("drift applied", "forced", force, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// --- Directional bets ---

// PlaceBet opens a call/put wager. The amount is escrowed (debited)
// immediately; the entry price is the stock's price at this instant.
func (s *Service) PlaceBet(ctx context.Context, stockID, userID, betType string, amount decimal.Decimal, expiryDays int) (*model.DirectionalBet, error) {
	if betType != model.BetCall && betType != model.BetPut {
		return nil, fmt.Errorf("%w: type must be call or put", ErrInvalidArgument)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if err := options.ValidateExpiryDays(expiryDays); err != nil {
		return nil, err
	}

	// Entry price is captured under the stock lock so a concurrent trade
	// cannot slip between the read and the bet insert.
	unlock := s.locks.acquire(stockID)
	defer unlock()

	st, err := s.store.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, amount, user.Balance)
	}

	if err := s.checkExposure(ctx, st, userID, amount); err != nil {
		metrics.ExposureLimitRejections.Inc()
		return nil, err
	}

	now := time.Now().UTC()
	bet := &model.DirectionalBet{
		ID:         uuid.New().String(),
		StockID:    stockID,
		UserID:     userID,
		Type:       betType,
		Amount:     amount,
		EntryPrice: st.CurrentPrice,
		Status:     model.BetOpen,
		Payout:     decimal.Zero,
		PlacedAt:   now,
		ExpiresAt:  now.AddDate(0, 0, expiryDays),
	}
	if err := s.store.CreateBet(ctx, bet); err != nil {
		return nil, err
	}

	metrics.BetsPlacedTotal.WithLabelValues(betType).Inc()
	s.audit.Publish(ctx, audit.NewEvent(events.ActionPlaceBet, userID, "bet", bet.ID,
		nil, map[string]string{
			"stock":       st.Symbol,
			"type":        betType,
			"amount":      amount.String(),
			"entry_price": bet.EntryPrice.String(),
			"expires_at":  bet.ExpiresAt.Format(time.RFC3339),
		}))

	slog.Info("bet placed",
		"bet_id", bet.ID, "user", userID, "stock", st.Symbol,
		"type", betType, "amount", amount.String(), "entry_price", bet.EntryPrice.String())
	return bet, nil
}

// checkExposure runs the open-bet escrow limiter for a prospective wager.
func (s *Service) checkExposure(ctx context.Context, st *model.Stock, userID string, amount decimal.Decimal) error {
	if s.limiter == nil {
		return nil
	}
	open, err := s.store.ListOpenBetsByUser(ctx, userID)
	if err != nil {
		return err
	}

	categories := map[string]string{st.ID: st.Category}
	exposures := make([]risk.Exposure, 0, len(open))
	for _, b := range open {
		cat, ok := categories[b.StockID]
		if !ok {
			other, err := s.store.GetStock(ctx, b.StockID)
			if err == nil {
				cat = other.Category
			}
			categories[b.StockID] = cat
		}
		exposures = append(exposures, risk.Exposure{
			StockID:  b.StockID,
			Category: cat,
			Amount:   b.Amount,
		})
	}
	return s.limiter.CheckLimit(st.ID, st.Category, amount, exposures)
}

// SettleBet resolves a due bet against the stock's current price. A call
// wins if the price rose above entry, a put if it fell below; a tie loses.
// Settling an already-terminal bet is a no-op, never an error.
func (s *Service) SettleBet(ctx context.Context, betID string) (*model.DirectionalBet, error) {
	bet, err := s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.Terminal() {
		return bet, nil
	}

	now := time.Now().UTC()
	if now.Before(bet.ExpiresAt) {
		return nil, fmt.Errorf("%w: expires at %s", ErrBetNotDue, bet.ExpiresAt.Format(time.RFC3339))
	}

	st, err := s.store.GetStock(ctx, bet.StockID)
	if err != nil {
		return nil, err
	}

	status := model.BetLost
	payout := decimal.Zero
	if options.Won(bet.Type, bet.EntryPrice, st.CurrentPrice) {
		status = model.BetWon
		payout = options.Payout(bet.Amount, bet.EntryPrice, st.CurrentPrice)
	}

	applied, err := s.store.SettleBet(ctx, betID, status, payout, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent sweep won the race; its outcome stands.
		return s.store.GetBet(ctx, betID)
	}

	metrics.BetsSettledTotal.WithLabelValues(status).Inc()
	s.audit.Publish(ctx, audit.NewEvent(events.ActionSettleBet, "system", "bet", betID,
		map[string]string{"status": model.BetOpen, "entry_price": bet.EntryPrice.String()},
		map[string]string{"status": status, "settle_price": st.CurrentPrice.String(), "payout": payout.String()}))

	slog.Info("bet settled",
		"bet_id", betID, "status", status,
		"entry_price", bet.EntryPrice.String(), "settle_price", st.CurrentPrice.String(),
		"payout", payout.String())

	bet.Status = status
	bet.Payout = payout
	bet.ResolvedAt = &now
	return bet, nil
}

// SettleDueBets sweeps every open bet past expiry. Per-bet failures are
// isolated; overlapping sweeps are safe via the terminal-state guard.
func (s *Service) SettleDueBets(ctx context.Context) (BatchSummary, error) {
	due, err := s.store.ListDueBets(ctx, time.Now().UTC())
	if err != nil {
		return BatchSummary{}, err
	}

	var summary BatchSummary
	for _, bet := range due {
		if _, err := s.SettleBet(ctx, bet.ID); err != nil {
			summary.Failed++
			slog.Error("settlement sweep: bet failed", "bet_id", bet.ID, "err", err)
			continue
		}
		summary.Succeeded++
	}

	if len(due) > 0 {
		slog.Info("settlement sweep", "due", len(due), "succeeded", summary.Succeeded, "failed", summary.Failed)
	}
	return summary, nil
}

// --- Queries ---

// GetStock returns one stock by ID.
func (s *Service) GetStock(ctx context.Context, stockID string) (*model.Stock, error) {
	return s.store.GetStock(ctx, stockID)
}

// GetStockBySymbol returns one stock by ticker symbol.
func (s *Service) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	return s.store.GetStockBySymbol(ctx, symbol)
}

// ListStocks returns all listed stocks.
func (s *Service) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.store.ListStocks(ctx)
}

// GetPrice returns a stock's current price.
func (s *Service) GetPrice(ctx context.Context, stockID string) (decimal.Decimal, error) {
	st, err := s.store.GetStock(ctx, stockID)
	if err != nil {
		return decimal.Zero, err
	}
	return st.CurrentPrice, nil
}

// GetPriceHistory returns up to limit ledger entries, newest first.
func (s *Service) GetPriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	return s.store.PriceHistory(ctx, stockID, limit)
}

// GetOptionChain derives the display-only strike ladder for a stock.
// Never consulted by bet settlement.
func (s *Service) GetOptionChain(ctx context.Context, stockID string, expiryDays int) (*options.Chain, error) {
	st, err := s.store.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	return options.GenerateChain(st.ID, st.CurrentPrice, expiryDays, time.Now().UTC())
}

// GetOpenBetsByUser returns a user's open bets.
func (s *Service) GetOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error) {
	return s.store.ListOpenBetsByUser(ctx, userID)
}

// GetOpenBetsByStock returns a stock's open bets.
func (s *Service) GetOpenBetsByStock(ctx context.Context, stockID string) ([]model.DirectionalBet, error) {
	return s.store.ListOpenBetsByStock(ctx, stockID)
}

// PortfolioPosition is one holding marked to the current price.
type PortfolioPosition struct {
	StockID string          `json:"stock_id"`
	Symbol  string          `json:"symbol"`
	Shares  int64           `json:"shares"`
	Price   decimal.Decimal `json:"price"`
	Value   decimal.Decimal `json:"value"`
}

// Portfolio aggregates a user's balance and holdings.
type Portfolio struct {
	UserID     string              `json:"user_id"`
	Balance    decimal.Decimal     `json:"balance"`
	Positions  []PortfolioPosition `json:"positions"`
	TotalValue decimal.Decimal     `json:"total_value"` // balance + holdings
}

// GetPortfolio returns a user's balance and mark-to-market holdings.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		UserID:     userID,
		Balance:    user.Balance,
		TotalValue: user.Balance,
	}
	for _, h := range holdings {
		st, err := s.store.GetStock(ctx, h.StockID)
		if err != nil {
			continue // delisted mid-query; holder was compensated
		}
		value := st.CurrentPrice.Mul(decimal.NewFromInt(h.Shares))
		p.Positions = append(p.Positions, PortfolioPosition{
			StockID: h.StockID,
			Symbol:  st.Symbol,
			Shares:  h.Shares,
			Price:   st.CurrentPrice,
			Value:   value,
		})
		p.TotalValue = p.TotalValue.Add(value)
	}
	return p, nil
}

// --- Helpers ---

func (s *Service) historyEntry(stockID string, price decimal.Decimal, cause string, at time.Time) *model.PriceHistoryEntry {
	return &model.PriceHistoryEntry{
		ID:        uuid.New().String(),
		StockID:   stockID,
		Price:     price,
		Cause:     cause,
		Timestamp: at,
	}
}

func (s *Service) broadcast(st *model.Stock, price decimal.Decimal, cause string) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:    "price_update",
		StockID: st.ID,
		Symbol:  st.Symbol,
		Price:   price.String(),
		Cause:   cause,
	})
}
