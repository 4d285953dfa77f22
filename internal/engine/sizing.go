package engine

import (
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
)

var (
	one    = decimal.NewFromInt(1)
	pFloor = decimal.RequireFromString("0.50")
	pCeil  = decimal.RequireFromString("0.70")
)

// KellySize converts a whale's normalized rank score into a position
// size via bounded fractional Kelly.
//
// Win probability is not observable from the public feed, so the edge
// is approximated from activity quality: the rank score lifts a small
// prior, clamped to [0.50, 0.70]. Only a fraction of full Kelly is
// deployed, capped at a hard ceiling, and the final size is clamped to
// the configured bankroll percentage band.
//
// Returns (0, false) when the price is outside (0,1) or the approximated
// edge is zero; such signals are skipped, not traded at the minimum.
func KellySize(cfg config.SizingConfig, bankroll, price, rankScore decimal.Decimal) (decimal.Decimal, bool) {
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return decimal.Zero, false
	}
	if !bankroll.IsPositive() {
		return decimal.Zero, false
	}

	// p = clamp(prior + α·rank, 0.50, 0.70)
	p := cfg.KellyPrior.Add(cfg.Alpha.Mul(rankScore))
	if p.LessThan(pFloor) {
		p = pFloor
	}
	if p.GreaterThan(pCeil) {
		p = pCeil
	}

	// b = 1/price − 1, the net decimal odds at entry
	b := one.Div(price).Sub(one)
	if !b.IsPositive() {
		return decimal.Zero, false
	}

	// f* = max((b·p − (1−p)) / b, 0)
	fStar := b.Mul(p).Sub(one.Sub(p)).Div(b)
	if !fStar.IsPositive() {
		return decimal.Zero, false
	}

	fUsed := cfg.KellyMultiplier.Mul(fStar)
	if fUsed.GreaterThan(cfg.FractionCap) {
		fUsed = cfg.FractionCap
	}

	size := bankroll.Mul(fUsed)
	minSize := bankroll.Mul(cfg.MinPositionPct)
	maxSize := bankroll.Mul(cfg.MaxPositionPct)
	if size.LessThan(minSize) {
		size = minSize
	}
	if size.GreaterThan(maxSize) {
		size = maxSize
	}
	return size, true
}
