package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
)

func testSizingConfig() config.SizingConfig {
	return config.SizingConfig{
		KellyPrior:      decimal.RequireFromString("0.52"),
		Alpha:           decimal.RequireFromString("0.08"),
		FractionCap:     decimal.RequireFromString("0.05"),
		KellyMultiplier: decimal.RequireFromString("0.25"),
		MinPositionPct:  decimal.RequireFromString("0.01"),
		MaxPositionPct:  decimal.RequireFromString("0.05"),
		CommissionRate:  decimal.RequireFromString("0.02"),
		GasCostUSD:      decimal.RequireFromString("0.01"),
	}
}

func TestKellySizeTopRankedWhale(t *testing.T) {
	t.Parallel()
	cfg := testSizingConfig()
	bankroll := decimal.NewFromInt(100)

	// p = clamp(0.52 + 0.08·1.0) = 0.60, b = 1.5, f* = 1/3,
	// quarter Kelly 0.0833 hits the 0.05 cap: size = 5.00.
	size, ok := KellySize(cfg, bankroll, decimal.RequireFromString("0.40"), decimal.NewFromInt(1))
	if !ok {
		t.Fatal("KellySize skipped a well-formed signal")
	}
	if !size.Equal(decimal.NewFromInt(5)) {
		t.Errorf("size = %v, want 5", size)
	}
}

func TestKellySizeClampsToMinimum(t *testing.T) {
	t.Parallel()
	cfg := testSizingConfig()
	bankroll := decimal.NewFromInt(100)

	// Zero rank at price 0.51 leaves a sliver of edge, under 1% of
	// bankroll before the clamp.
	size, ok := KellySize(cfg, bankroll, decimal.RequireFromString("0.51"), decimal.Zero)
	if !ok {
		t.Fatal("KellySize skipped a signal with positive edge")
	}
	if !size.Equal(decimal.NewFromInt(1)) {
		t.Errorf("size = %v, want the 1.00 minimum clamp", size)
	}
}

func TestKellySizeSkipsWhenNoEdge(t *testing.T) {
	t.Parallel()
	cfg := testSizingConfig()
	bankroll := decimal.NewFromInt(100)

	// At price 0.70 with p = 0.52 full Kelly is negative.
	if _, ok := KellySize(cfg, bankroll, decimal.RequireFromString("0.70"), decimal.Zero); ok {
		t.Error("KellySize sized a signal with negative edge")
	}
}

func TestKellySizeRejectsMalformedPrice(t *testing.T) {
	t.Parallel()
	cfg := testSizingConfig()
	bankroll := decimal.NewFromInt(100)

	for _, price := range []string{"0", "1", "1.2", "-0.4"} {
		if _, ok := KellySize(cfg, bankroll, decimal.RequireFromString(price), decimal.NewFromInt(1)); ok {
			t.Errorf("KellySize accepted price %s", price)
		}
	}
}

func TestKellySizeProbabilityClamp(t *testing.T) {
	t.Parallel()
	cfg := testSizingConfig()
	cfg.Alpha = decimal.NewFromInt(1) // rank 1.0 would push p to 1.52
	bankroll := decimal.NewFromInt(100)

	// With p clamped at 0.70 and price 0.40: f* = (1.5·0.7 − 0.3)/1.5 = 0.5,
	// quarter Kelly 0.125 still hits the 0.05 cap.
	size, ok := KellySize(cfg, bankroll, decimal.RequireFromString("0.40"), decimal.NewFromInt(1))
	if !ok {
		t.Fatal("KellySize skipped")
	}
	if !size.Equal(decimal.NewFromInt(5)) {
		t.Errorf("size = %v, want 5 with p clamped to 0.70", size)
	}
}
