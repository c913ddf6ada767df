// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Mutations that the spec requires to be atomic — a trade, a supply change,
// a bet placement or settlement — are exposed as coarse application methods
// so each implementation can commit them in a single transaction boundary.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
)

// TradeApplication is the full effect of one trade execution: price and
// float update, immutable transaction record, ledger entry, and the acting
// user's balance/holding deltas. Committed all-or-nothing.
type TradeApplication struct {
	StockID      string
	NewPrice     decimal.Decimal
	NewAvailable int64
	Transaction  *model.Transaction
	Entry        *model.PriceHistoryEntry
	UserID       string
	BalanceDelta decimal.Decimal // signed: negative on buy, positive on sell
	HoldingDelta int64           // signed: positive on buy, negative on sell
}

// PriceUpdate is a non-trade price mutation (dilution, inflation, drift)
// plus its mandatory ledger entry. Supply fields are nil when unchanged.
type PriceUpdate struct {
	StockID      string
	NewPrice     decimal.Decimal
	NewTotal     *int64
	NewAvailable *int64
	Entry        *model.PriceHistoryEntry
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Stocks ---

	// CreateStock persists a new stock together with its listing ledger entry.
	CreateStock(ctx context.Context, stock *model.Stock, entry *model.PriceHistoryEntry) error

	// GetStock retrieves a stock by ID.
	GetStock(ctx context.Context, id string) (*model.Stock, error)

	// GetStockBySymbol retrieves a stock by ticker symbol.
	GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error)

	// ListStocks returns all listed stocks.
	ListStocks(ctx context.Context) ([]model.Stock, error)

	// RemoveStock deletes a delisted stock. Its price history, transactions,
	// and settled bets are retired in place, never rewritten.
	RemoveStock(ctx context.Context, id string) error

	// --- Users & holdings ---

	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetHolding(ctx context.Context, userID, stockID string) (int64, error)
	ListHoldingsByStock(ctx context.Context, stockID string) ([]model.Holding, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)

	// CompensateHolder credits a cash amount and removes the holding in one
	// transaction (delisting payout).
	CompensateHolder(ctx context.Context, userID, stockID string, amount decimal.Decimal) error

	// --- Immutable ledger ---

	// PriceHistory returns up to limit entries, newest first. limit <= 0
	// means no limit.
	PriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error)

	// ListTransactionsByStock returns all trades for a stock, oldest first.
	ListTransactionsByStock(ctx context.Context, stockID string) ([]model.Transaction, error)

	// --- Atomic applications ---

	// ApplyTrade commits one trade execution all-or-nothing. A negative
	// balance delta that would overdraw the user fails the whole trade
	// with model.ErrInsufficientFunds — the floor is enforced inside the
	// transaction so concurrent debits on other stocks cannot slip past
	// the service's precheck.
	ApplyTrade(ctx context.Context, app TradeApplication) error

	// ApplyPriceUpdate commits one non-trade price mutation all-or-nothing.
	ApplyPriceUpdate(ctx context.Context, upd PriceUpdate) error

	// --- Directional bets ---

	// CreateBet debits the escrowed amount from the user's balance and
	// inserts the bet in one transaction. Fails with
	// model.ErrInsufficientFunds when the balance cannot cover the wager.
	CreateBet(ctx context.Context, bet *model.DirectionalBet) error

	GetBet(ctx context.Context, id string) (*model.DirectionalBet, error)
	ListOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error)
	ListOpenBetsByStock(ctx context.Context, stockID string) ([]model.DirectionalBet, error)

	// ListDueBets returns open bets with expiresAt <= now.
	ListDueBets(ctx context.Context, now time.Time) ([]model.DirectionalBet, error)

	// SettleBet transitions an open bet to a terminal status, crediting the
	// payout (if positive) in the same transaction. Returns false without
	// error when the bet is already terminal — the idempotence guard that
	// makes overlapping settlement sweeps safe.
	SettleBet(ctx context.Context, betID, status string, payout decimal.Decimal, resolvedAt time.Time) (bool, error)

	// --- Drift scheduler state ---

	// DriftState returns the shared drift toggle and last-applied timestamp.
	DriftState(ctx context.Context) (model.DriftState, error)

	// SetDriftEnabled flips the engine-wide drift switch.
	SetDriftEnabled(ctx context.Context, enabled bool) error

	// ClaimDriftWindow atomically advances lastDriftAt to now when drift
	// may run: always when forced, otherwise only when enabled and the
	// window has elapsed. Returns false when the window is still closed or
	// another process already claimed it.
	ClaimDriftWindow(ctx context.Context, now time.Time, window time.Duration, force bool) (bool, error)
}
