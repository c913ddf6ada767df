package risk_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit(t *testing.T) {
	limiter := risk.NewExposureLimiter(d(500), d(2000))

	existing := []risk.Exposure{
		{StockID: "s1", Category: "anime", Amount: d(300)},
		{StockID: "s2", Category: "anime", Amount: d(800)},
		{StockID: "s3", Category: "gaming", Amount: d(400)},
	}

	tests := []struct {
		name     string
		stockID  string
		category string
		amount   float64
		wantErr  error
	}{
		{"within both limits", "s3", "gaming", 100, nil},
		{"exactly at per-stock limit", "s1", "anime", 200, nil},
		{"per-stock exceeded", "s1", "anime", 201, risk.ErrPerStockLimitExceeded},
		{"fresh stock within category", "s4", "anime", 500, nil},
		{"category exceeded", "s4", "anime", 901, risk.ErrCategoryLimitExceeded},
		{"fresh category unconstrained by others", "s5", "sports", 500, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := limiter.CheckLimit(tt.stockID, tt.category, d(tt.amount), existing)
			if err != tt.wantErr {
				t.Errorf("CheckLimit() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckLimit_NoExisting(t *testing.T) {
	limiter := risk.NewExposureLimiter(d(500), d(2000))

	if err := limiter.CheckLimit("s1", "anime", d(500), nil); err != nil {
		t.Errorf("bet at per-stock cap with no exposure should pass, got %v", err)
	}
	if err := limiter.CheckLimit("s1", "anime", d(501), nil); err != risk.ErrPerStockLimitExceeded {
		t.Errorf("expected ErrPerStockLimitExceeded, got %v", err)
	}
}
