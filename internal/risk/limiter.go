// Package risk enforces open-bet escrow limits per user.
//
// Character stocks in the same category (e.g. every "anime" stock) tend to
// move together under drift and inflation, so a user loading up on calls
// across one category has correlated exposure. The limiter caps escrowed
// wagers per individual stock and in aggregate per category.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerStockLimitExceeded is returned when a bet would push a user's
	// escrowed total on a single stock beyond the per-stock maximum.
	ErrPerStockLimitExceeded = errors.New("risk: per-stock bet exposure limit exceeded")

	// ErrCategoryLimitExceeded is returned when a bet would push a user's
	// aggregate escrowed total across one category beyond the category maximum.
	ErrCategoryLimitExceeded = errors.New("risk: category bet exposure limit exceeded")
)

// Exposure is a user's current escrowed open-bet total for one stock.
type Exposure struct {
	StockID  string
	Category string
	Amount   decimal.Decimal
}

// ExposureLimiter enforces per-stock and per-category escrow limits.
type ExposureLimiter struct {
	// MaxPerStock is the maximum escrowed total on any single stock.
	MaxPerStock decimal.Decimal

	// MaxPerCategory is the maximum aggregate escrowed total across all
	// stocks sharing a category.
	MaxPerCategory decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerStock, maxPerCategory decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerStock:    maxPerStock,
		MaxPerCategory: maxPerCategory,
	}
}

// CheckLimit validates whether placing a bet of amount on the target stock
// respects the limits, given the user's existing open-bet exposures.
func (l *ExposureLimiter) CheckLimit(
	targetStockID, targetCategory string,
	amount decimal.Decimal,
	existing []Exposure,
) error {
	perStock := amount
	perCategory := amount

	for _, e := range existing {
		if e.StockID == targetStockID {
			perStock = perStock.Add(e.Amount)
		}
		if e.Category == targetCategory {
			perCategory = perCategory.Add(e.Amount)
		}
	}

	if perStock.GreaterThan(l.MaxPerStock) {
		return ErrPerStockLimitExceeded
	}
	if perCategory.GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}
	return nil
}
