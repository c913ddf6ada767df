// Package options implements directional bet settlement math and the
// display-only option chain estimator.
//
// The two halves are deliberately firewalled: Payout is the only function
// settlement code may call, and the chain generator is never consulted when
// money moves. The chain's greeks are rough Black-Scholes style indicators
// computed with a fixed volatility assumption — advisory output for UI
// ladders, not an authoritative pricing source.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses float64, with results immediately
// converted back to decimal.
package options

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for non-positive wager amounts.
	ErrInvalidAmount = errors.New("options: amount must be positive")

	// ErrInvalidExpiry is returned when the expiry is outside the allowed range.
	ErrInvalidExpiry = errors.New("options: expiry days out of allowed range")
)

// Expiry bounds for directional bets, in days.
const (
	MinExpiryDays = 1
	MaxExpiryDays = 30
)

var (
	// payoutGain scales how strongly a favorable move grows the payout.
	payoutGain = decimal.NewFromInt(4)

	// payoutCap bounds the bonus multiplier, capping engine liability at
	// (1 + payoutCap) = 2.5x the wagered amount.
	payoutCap = decimal.NewFromFloat(1.5)

	// ImpliedVolatility is the fixed annualized volatility assumption used
	// by the chain estimator.
	ImpliedVolatility = 0.60

	// MoneyScale is the number of decimal places for payout rounding.
	MoneyScale int32 = 2
)

// ValidateExpiryDays checks the bet duration against the allowed range.
func ValidateExpiryDays(days int) error {
	if days < MinExpiryDays || days > MaxExpiryDays {
		return ErrInvalidExpiry
	}
	return nil
}

// Won reports whether a bet of the given type wins when the price moved from
// entry to settlement. A tie settles as a loss.
func Won(betType string, entry, settlement decimal.Decimal) bool {
	switch betType {
	case model.BetCall:
		return settlement.GreaterThan(entry)
	case model.BetPut:
		return settlement.LessThan(entry)
	}
	return false
}

// Payout computes the winning payout for a bet:
//
//	payout = amount * (1 + min(gain * |move|/entry, cap))
//
// Larger favorable moves pay more, bounded above by the cap. Callers invoke
// this only for winning bets; losing bets forfeit the escrowed amount.
func Payout(amount, entry, settlement decimal.Decimal) decimal.Decimal {
	move := settlement.Sub(entry).Abs().Div(entry)
	bonus := payoutGain.Mul(move)
	if bonus.GreaterThan(payoutCap) {
		bonus = payoutCap
	}
	return amount.Mul(decimal.NewFromInt(1).Add(bonus)).Round(MoneyScale)
}

// ChainRow is one strike level of a derived option chain. Non-persistent:
// recomputed on demand, never stored, never read by settlement.
type ChainRow struct {
	Strike    decimal.Decimal `json:"strike"`
	CallPrice decimal.Decimal `json:"call_price"`
	PutPrice  decimal.Decimal `json:"put_price"`
	CallDelta decimal.Decimal `json:"call_delta"`
	PutDelta  decimal.Decimal `json:"put_delta"`
	Gamma     decimal.Decimal `json:"gamma"`
	Theta     decimal.Decimal `json:"theta"` // value decay per day, negative
}

// Chain is the derived option chain for one stock and expiry.
type Chain struct {
	StockID     string          `json:"stock_id"`
	SpotPrice   decimal.Decimal `json:"spot_price"`
	ExpiryDays  int             `json:"expiry_days"`
	Volatility  float64         `json:"volatility"`
	GeneratedAt time.Time       `json:"generated_at"`
	Rows        []ChainRow      `json:"rows"`
}

// Strike ladder shape: strikesPerSide levels above and below spot, stepPct
// apart.
const (
	strikesPerSide = 5
	stepPct        = 0.05
)

// GenerateChain produces the strike ladder with sensitivity estimates around
// the given spot price. Black-Scholes with zero rate and the package's fixed
// volatility; float math internally, decimal out.
func GenerateChain(stockID string, spot decimal.Decimal, expiryDays int, now time.Time) (*Chain, error) {
	if err := ValidateExpiryDays(expiryDays); err != nil {
		return nil, err
	}
	if spot.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	s := spot.InexactFloat64()
	t := float64(expiryDays) / 365.0
	sigma := ImpliedVolatility
	sqrtT := math.Sqrt(t)

	chain := &Chain{
		StockID:     stockID,
		SpotPrice:   spot,
		ExpiryDays:  expiryDays,
		Volatility:  sigma,
		GeneratedAt: now,
	}

	for i := -strikesPerSide; i <= strikesPerSide; i++ {
		k := s * (1 + stepPct*float64(i))
		d1 := (math.Log(s/k) + 0.5*sigma*sigma*t) / (sigma * sqrtT)
		d2 := d1 - sigma*sqrtT

		callPrice := s*normCDF(d1) - k*normCDF(d2)
		putPrice := k*normCDF(-d2) - s*normCDF(-d1)
		callDelta := normCDF(d1)
		gamma := normPDF(d1) / (s * sigma * sqrtT)
		// Per-day time decay of the call value (put decay matches at r=0).
		theta := -(s * normPDF(d1) * sigma) / (2 * sqrtT) / 365.0

		chain.Rows = append(chain.Rows, ChainRow{
			Strike:    decimal.NewFromFloat(k).Round(4),
			CallPrice: decimal.NewFromFloat(callPrice).Round(4),
			PutPrice:  decimal.NewFromFloat(putPrice).Round(4),
			CallDelta: decimal.NewFromFloat(callDelta).Round(4),
			PutDelta:  decimal.NewFromFloat(callDelta - 1).Round(4),
			Gamma:     decimal.NewFromFloat(gamma).Round(6),
			Theta:     decimal.NewFromFloat(theta).Round(6),
		})
	}

	return chain, nil
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal probability density function.
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
