package history_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/history"
	"github.com/charmarket/market-engine/internal/model"
)

// entriesDesc builds a descending-by-time trajectory; prices are paired with
// minutes-ago offsets, newest first.
func entriesDesc(now time.Time, points ...struct {
	minsAgo int
	price   float64
}) []model.PriceHistoryEntry {
	out := make([]model.PriceHistoryEntry, 0, len(points))
	for _, p := range points {
		out = append(out, model.PriceHistoryEntry{
			Price:     decimal.NewFromFloat(p.price),
			Timestamp: now.Add(-time.Duration(p.minsAgo) * time.Minute),
		})
	}
	return out
}

type point = struct {
	minsAgo int
	price   float64
}

func TestLatest(t *testing.T) {
	now := time.Now()
	entries := entriesDesc(now, point{0, 3.0}, point{10, 2.0}, point{20, 1.0})

	got := history.Latest(entries, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if !got[0].Price.Equal(decimal.NewFromFloat(3.0)) {
		t.Errorf("newest entry first: got %s", got[0].Price)
	}

	if got := history.Latest(entries, 10); len(got) != 3 {
		t.Errorf("n beyond length returns all: got %d", len(got))
	}
	if got := history.Latest(entries, 0); got != nil {
		t.Errorf("n=0 returns nil, got %v", got)
	}
	if got := history.Latest(nil, 5); got != nil {
		t.Errorf("empty input returns nil, got %v", got)
	}
}

func TestChangeSince(t *testing.T) {
	now := time.Now()

	t.Run("baseline at cutoff", func(t *testing.T) {
		// 1.00 two hours ago, 1.25 now: +25% over the last hour window uses
		// the two-hour-old entry as the most recent one at or before cutoff.
		entries := entriesDesc(now, point{0, 1.25}, point{120, 1.00})
		change, err := history.ChangeSince(entries, now, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !change.Equal(decimal.NewFromInt(25)) {
			t.Errorf("change = %s, want 25", change)
		}
	})

	t.Run("prefers newest entry within window", func(t *testing.T) {
		entries := entriesDesc(now, point{0, 2.00}, point{90, 1.00}, point{200, 4.00})
		change, err := history.ChangeSince(entries, now, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Baseline is the 90-minute-old entry (first at or before cutoff),
		// not the older 200-minute one.
		if !change.Equal(decimal.NewFromInt(100)) {
			t.Errorf("change = %s, want 100", change)
		}
	})

	t.Run("falls back to oldest when history is short", func(t *testing.T) {
		entries := entriesDesc(now, point{0, 1.10}, point{5, 1.00})
		change, err := history.ChangeSince(entries, now, 24*time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !change.Equal(decimal.NewFromInt(10)) {
			t.Errorf("change = %s, want 10 (oldest-entry fallback)", change)
		}
	})

	t.Run("no history", func(t *testing.T) {
		if _, err := history.ChangeSince(nil, now, time.Hour); err != history.ErrNoHistory {
			t.Errorf("expected ErrNoHistory, got %v", err)
		}
	})
}
