// Package history provides derived computations over a stock's append-only
// price trajectory: latest-N views and percent-change since a duration.
package history

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
)

// ErrNoHistory is returned when a stock has no recorded entries at all.
var ErrNoHistory = errors.New("history: no price history")

// Latest returns up to n entries in descending time order. entries must
// already be sorted descending by timestamp (the store's query order).
func Latest(entries []model.PriceHistoryEntry, n int) []model.PriceHistoryEntry {
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// ChangeSince returns the percent change of the newest entry versus the most
// recent entry at or before now-duration. If no entry is that old, the oldest
// available entry is used instead — approximate-but-available beats
// unavailable. entries must be sorted descending by timestamp.
func ChangeSince(entries []model.PriceHistoryEntry, now time.Time, duration time.Duration) (decimal.Decimal, error) {
	if len(entries) == 0 {
		return decimal.Zero, ErrNoHistory
	}

	cutoff := now.Add(-duration)
	baseline := entries[len(entries)-1] // oldest, the fallback
	for _, e := range entries {
		if !e.Timestamp.After(cutoff) {
			baseline = e
			break
		}
	}

	current := entries[0]
	if baseline.Price.IsZero() {
		return decimal.Zero, nil
	}
	return current.Price.Sub(baseline.Price).
		Div(baseline.Price).
		Mul(decimal.NewFromInt(100)).
		Round(4), nil
}
