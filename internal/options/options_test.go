package options_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
	"github.com/charmarket/market-engine/internal/options"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestWon(t *testing.T) {
	tests := []struct {
		name       string
		betType    string
		entry      float64
		settlement float64
		want       bool
	}{
		{"call price up", model.BetCall, 1.00, 1.10, true},
		{"call price down", model.BetCall, 1.00, 0.90, false},
		{"call price unchanged loses", model.BetCall, 1.00, 1.00, false},
		{"put price down", model.BetPut, 1.00, 0.90, true},
		{"put price up", model.BetPut, 1.00, 1.10, false},
		{"put price unchanged loses", model.BetPut, 1.00, 1.00, false},
		{"unknown type loses", "straddle", 1.00, 2.00, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := options.Won(tt.betType, d(tt.entry), d(tt.settlement))
			if got != tt.want {
				t.Errorf("Won(%s, %v, %v) = %v, want %v", tt.betType, tt.entry, tt.settlement, got, tt.want)
			}
		})
	}
}

func TestPayout(t *testing.T) {
	tests := []struct {
		name       string
		amount     float64
		entry      float64
		settlement float64
		want       float64
	}{
		// 10% move: bonus = 4 * 0.10 = 0.40 -> 1.40x
		{"ten percent move", 100, 1.00, 1.10, 140.00},
		// 5% move down counts the same for magnitude
		{"five percent down", 100, 1.00, 0.95, 120.00},
		// 50% move: bonus = 2.0 capped to 1.5 -> 2.5x
		{"capped at 2.5x", 100, 1.00, 1.50, 250.00},
		{"huge move still capped", 100, 1.00, 10.00, 250.00},
		// Tiny move pays just above the stake
		{"one percent move", 50, 2.00, 2.02, 52.00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := options.Payout(d(tt.amount), d(tt.entry), d(tt.settlement))
			if !got.Equal(d(tt.want)) {
				t.Errorf("Payout(%v, %v, %v) = %s, want %v", tt.amount, tt.entry, tt.settlement, got, tt.want)
			}
		})
	}
}

func TestPayout_NeverExceedsCap(t *testing.T) {
	amount := d(37.50)
	max := amount.Mul(d(2.5))

	for _, settlement := range []float64{0.01, 0.50, 1.00, 2.00, 100.00} {
		got := options.Payout(amount, d(1.00), d(settlement))
		if got.GreaterThan(max) {
			t.Errorf("payout %s exceeds 2.5x cap %s at settlement %v", got, max, settlement)
		}
		if got.LessThan(amount) {
			t.Errorf("winning payout %s below stake %s at settlement %v", got, amount, settlement)
		}
	}
}

func TestValidateExpiryDays(t *testing.T) {
	for _, days := range []int{1, 7, 30} {
		if err := options.ValidateExpiryDays(days); err != nil {
			t.Errorf("ValidateExpiryDays(%d) = %v, want nil", days, err)
		}
	}
	for _, days := range []int{0, -1, 31, 365} {
		if err := options.ValidateExpiryDays(days); err != options.ErrInvalidExpiry {
			t.Errorf("ValidateExpiryDays(%d) = %v, want ErrInvalidExpiry", days, err)
		}
	}
}

func TestGenerateChain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	chain, err := options.GenerateChain("stock-1", d(10.00), 7, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(chain.Rows) != 11 {
		t.Fatalf("expected 11 strike rows, got %d", len(chain.Rows))
	}
	if !chain.SpotPrice.Equal(d(10.00)) {
		t.Errorf("spot price = %s, want 10", chain.SpotPrice)
	}

	mid := chain.Rows[5]
	if !mid.Strike.Equal(d(10.00)) {
		t.Errorf("middle strike = %s, want at-the-money 10", mid.Strike)
	}

	for i, row := range chain.Rows {
		if row.CallDelta.LessThanOrEqual(decimal.Zero) || row.CallDelta.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			t.Errorf("row %d: call delta %s out of (0,1)", i, row.CallDelta)
		}
		if row.PutDelta.GreaterThanOrEqual(decimal.Zero) {
			t.Errorf("row %d: put delta %s should be negative", i, row.PutDelta)
		}
		if row.Gamma.LessThan(decimal.Zero) {
			t.Errorf("row %d: gamma %s should be non-negative", i, row.Gamma)
		}
		if row.Theta.GreaterThan(decimal.Zero) {
			t.Errorf("row %d: theta %s should be non-positive", i, row.Theta)
		}
		if row.CallPrice.LessThan(decimal.Zero) || row.PutPrice.LessThan(decimal.Zero) {
			t.Errorf("row %d: negative option price call=%s put=%s", i, row.CallPrice, row.PutPrice)
		}
		if i > 0 && !row.Strike.GreaterThan(chain.Rows[i-1].Strike) {
			t.Errorf("strikes must be ascending: row %d strike %s", i, row.Strike)
		}
	}

	// Deeper in-the-money calls are worth more.
	if !chain.Rows[0].CallPrice.GreaterThan(chain.Rows[10].CallPrice) {
		t.Errorf("call price should fall with strike: low=%s high=%s",
			chain.Rows[0].CallPrice, chain.Rows[10].CallPrice)
	}
}

func TestGenerateChain_Invalid(t *testing.T) {
	now := time.Now()

	if _, err := options.GenerateChain("s", d(10), 0, now); err != options.ErrInvalidExpiry {
		t.Errorf("expected ErrInvalidExpiry, got %v", err)
	}
	if _, err := options.GenerateChain("s", d(10), 45, now); err != options.ErrInvalidExpiry {
		t.Errorf("expected ErrInvalidExpiry, got %v", err)
	}
	if _, err := options.GenerateChain("s", decimal.Zero, 7, now); err == nil {
		t.Error("expected error for non-positive spot")
	}
}
