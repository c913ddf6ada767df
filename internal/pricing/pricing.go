// Package pricing implements the price formation curves for character stocks:
// trade impact, dilution repricing, admin inflation, and scheduled drift.
//
// The impact curve is a bounded monotonic function of trade size relative to
// the remaining float. It guarantees:
//   - price strictly increases on any buy and strictly decreases on any sell
//   - price moves continuously (no jump beyond the trade's own impact)
//   - price never reaches zero or becomes non-finite
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidShares is returned for non-positive share counts.
	ErrInvalidShares = errors.New("pricing: shares must be positive")

	// ErrInvalidPercentage is returned when an inflation percentage is
	// at or below -100 (which would zero or negate every price).
	ErrInvalidPercentage = errors.New("pricing: percentage must be greater than -100")

	// MinPrice is the strictly positive floor every price is clamped to.
	// Prevents degenerate stocks where shares become worthless.
	MinPrice = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places for price rounding.
	PriceScale int32 = 4

	// impactCoefficient scales how strongly trade size relative to float
	// moves the price. At k=0.25, buying the entire remaining float moves
	// the price by 25%.
	impactCoefficient = decimal.NewFromFloat(0.25)
)

var one = decimal.NewFromInt(1)

// tick is the smallest representable price increment at PriceScale. Trades
// whose impact rounds away still move the price by one tick, so a buy
// strictly raises and a sell strictly lowers the price regardless of size.
var tick = decimal.New(1, -PriceScale)

// ClampPrice rounds to PriceScale and enforces the MinPrice floor.
func ClampPrice(p decimal.Decimal) decimal.Decimal {
	p = p.Round(PriceScale)
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	return p
}

// BuyPrice returns the post-trade price after buying shares out of the
// available float:
//
//	p' = p * (1 + k * shares/available)
//
// available is the pre-trade float; shares <= available is enforced by the
// caller, so the ratio is in (0, 1] and the single-trade impact is bounded
// by the coefficient k.
func BuyPrice(current decimal.Decimal, shares, available int64) (decimal.Decimal, error) {
	if shares <= 0 {
		return decimal.Zero, ErrInvalidShares
	}
	ratio := decimal.NewFromInt(shares).Div(decimal.NewFromInt(available))
	factor := one.Add(impactCoefficient.Mul(ratio))
	p := ClampPrice(current.Mul(factor))
	if !p.GreaterThan(current) {
		p = current.Add(tick)
	}
	return p, nil
}

// SellPrice returns the post-trade price after selling shares back into the
// float:
//
//	p' = p / (1 + k * shares/(available + shares))
//
// The denominator uses the post-trade float, mirroring BuyPrice so that the
// impact of a sell is symmetric to the buy that would undo it. The divisor
// is always > 1, so the result stays strictly positive.
func SellPrice(current decimal.Decimal, shares, available int64) (decimal.Decimal, error) {
	if shares <= 0 {
		return decimal.Zero, ErrInvalidShares
	}
	ratio := decimal.NewFromInt(shares).Div(decimal.NewFromInt(available + shares))
	factor := one.Add(impactCoefficient.Mul(ratio))
	p := ClampPrice(current.DivRound(factor, PriceScale))
	if !p.LessThan(current) && current.GreaterThan(MinPrice) {
		p = current.Sub(tick)
		if p.LessThan(MinPrice) {
			p = MinPrice
		}
	}
	return p, nil
}

// DilutedPrice returns the repriced per-share value after minting
// additionalShares such that market capitalization is preserved:
//
//	p' = p * total / (total + additional)
func DilutedPrice(current decimal.Decimal, totalShares, additionalShares int64) (decimal.Decimal, error) {
	if additionalShares <= 0 {
		return decimal.Zero, ErrInvalidShares
	}
	oldTotal := decimal.NewFromInt(totalShares)
	newTotal := decimal.NewFromInt(totalShares + additionalShares)
	return ClampPrice(current.Mul(oldTotal).DivRound(newTotal, PriceScale)), nil
}

// InflatedPrice applies a whole-market percentage shock:
//
//	p' = p * (1 + pct/100)
//
// pct must be > -100. The result is floor-clamped so even a -99.99% shock
// leaves a strictly positive price.
func InflatedPrice(current decimal.Decimal, pct decimal.Decimal) (decimal.Decimal, error) {
	hundred := decimal.NewFromInt(100)
	if pct.LessThanOrEqual(hundred.Neg()) {
		return decimal.Zero, ErrInvalidPercentage
	}
	factor := one.Add(pct.Div(hundred))
	return ClampPrice(current.Mul(factor)), nil
}

// MaxDriftFraction bounds the magnitude of a single drift step (±1.5%),
// materially smaller than a typical trade's impact.
var MaxDriftFraction = decimal.NewFromFloat(0.015)

// DriftedPrice applies one autonomous drift step. fraction must lie within
// [-MaxDriftFraction, +MaxDriftFraction]; values outside are clamped rather
// than rejected so a misconfigured caller cannot shock the market.
func DriftedPrice(current decimal.Decimal, fraction decimal.Decimal) decimal.Decimal {
	if fraction.GreaterThan(MaxDriftFraction) {
		fraction = MaxDriftFraction
	}
	if fraction.LessThan(MaxDriftFraction.Neg()) {
		fraction = MaxDriftFraction.Neg()
	}
	return ClampPrice(current.Mul(one.Add(fraction)))
}
