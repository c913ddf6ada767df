// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Directional bet types.
const (
	BetCall = "call"
	BetPut  = "put"
)

// Directional bet statuses. Transitions are monotonic:
// open -> won | lost (settlement) or open -> cancelled (delisting).
const (
	BetOpen      = "open"
	BetWon       = "won"
	BetLost      = "lost"
	BetCancelled = "cancelled"
)

// Price mutation causes recorded alongside ledger entries and broadcasts.
const (
	CauseTrade     = "trade"
	CauseDilution  = "dilution"
	CauseInflation = "inflation"
	CauseDrift     = "drift"
	CauseListing   = "listing"
)

var (
	// ErrStockNotFound is returned when a stock ID or symbol resolves to nothing.
	ErrStockNotFound = errors.New("model: stock not found")

	// ErrUserNotFound is returned when a user ID resolves to nothing.
	ErrUserNotFound = errors.New("model: user not found")

	// ErrBetNotFound is returned when a bet ID resolves to nothing.
	ErrBetNotFound = errors.New("model: bet not found")

	// ErrInvalidSymbol is returned for symbols outside the allowed format.
	ErrInvalidSymbol = errors.New("model: symbol must be 2-12 uppercase letters or digits")

	// ErrInsufficientFunds is returned when a balance debit would overdraw
	// the user. Stores enforce this inside the debit transaction, so it
	// holds even when concurrent operations race on the same balance.
	ErrInsufficientFunds = errors.New("model: insufficient funds")
)

// symbolRegex matches stock ticker symbols, e.g. "SPIKE" or "MIKU39".
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// ValidateSymbol checks a stock ticker symbol against the allowed format.
func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(symbol) {
		return ErrInvalidSymbol
	}
	return nil
}

// Stock is a tradeable character stock. Supply invariant:
// 0 <= AvailableShares <= TotalShares, and TotalShares - AvailableShares
// equals the sum of all user holdings. CurrentPrice is always > 0.
type Stock struct {
	ID              string          `json:"id" db:"id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Name            string          `json:"name" db:"name"`
	Category        string          `json:"category" db:"category"` // grouping key, e.g. "anime"
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// MarketCap returns CurrentPrice * TotalShares.
func (s *Stock) MarketCap() decimal.Decimal {
	return s.CurrentPrice.Mul(decimal.NewFromInt(s.TotalShares))
}

// PriceHistoryEntry is one point in a stock's append-only price trajectory.
// Once written these are never modified or deleted; replaying them in order
// reproduces the live price exactly.
type PriceHistoryEntry struct {
	ID        string          `json:"id" db:"id"`
	StockID   string          `json:"stock_id" db:"stock_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cause     string          `json:"cause" db:"cause"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Transaction is an immutable record of a share trade execution. It is both
// the audit record and the trigger event for price formation.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	StockID       string          `json:"stock_id" db:"stock_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Side          string          `json:"side" db:"side"` // "buy" or "sell"
	Shares        int64           `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// DirectionalBet is a time-boxed call/put wager against a stock's price
// trajectory. The wagered amount is escrowed at placement; settlement is
// terminal and idempotent.
type DirectionalBet struct {
	ID         string          `json:"id" db:"id"`
	StockID    string          `json:"stock_id" db:"stock_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Type       string          `json:"type" db:"type"` // "call" or "put"
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	Status     string          `json:"status" db:"status"`
	Payout     decimal.Decimal `json:"payout" db:"payout"`
	PlacedAt   time.Time       `json:"placed_at" db:"placed_at"`
	ExpiresAt  time.Time       `json:"expires_at" db:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Terminal reports whether the bet has reached a final status.
func (b *DirectionalBet) Terminal() bool {
	return b.Status != BetOpen
}

// User carries the engine-visible slice of a user: a cash balance.
// Everything else about users lives in out-of-scope collaborator systems.
type User struct {
	ID      string          `json:"id" db:"id"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// DriftState is the engine-wide drift scheduler state. It lives in the
// store so the toggle and the 24h window are shared by every process.
type DriftState struct {
	Enabled     bool      `json:"enabled" db:"enabled"`
	LastDriftAt time.Time `json:"last_drift_at" db:"last_drift_at"`
}

// Holding is a user's share count in one stock.
type Holding struct {
	UserID  string `json:"user_id" db:"user_id"`
	StockID string `json:"stock_id" db:"stock_id"`
	Shares  int64  `json:"shares" db:"shares"`
}
