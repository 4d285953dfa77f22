package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"polycopy/internal/store"
	"polycopy/pkg/types"
)

var (
	commissionRate = decimal.RequireFromString("0.02")
	gasCost        = decimal.RequireFromString("0.01")
)

func testBankroll(t *testing.T) (*VirtualBankroll, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewVirtualBankroll(decimal.NewFromInt(100), st, logger), st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestZeroStateStats(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)

	stats := b.Stats()
	if stats.TotalCapital.String() != "100" {
		t.Errorf("TotalCapital = %v, want 100", stats.TotalCapital)
	}
	if !stats.WinRate.IsZero() || !stats.ROI.IsZero() {
		t.Errorf("zero-state WinRate/ROI = %v/%v, want 0/0", stats.WinRate, stats.ROI)
	}
	if stats.OpenPositions != 0 || stats.TotalTrades != 0 {
		t.Errorf("zero-state counters = %+v", stats)
	}
}

func TestOpenPositionLedgerMath(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)

	tradeID, err := b.OpenPosition(context.Background(),
		"mkt1", types.BUY, dec("5"), dec("0.40"), commissionRate, gasCost, "0xwhale")
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if tradeID == "" {
		t.Fatal("empty trade ID")
	}

	stats := b.Stats()
	// available = 100 − (5 + 0.10 + 0.01)
	if stats.Available.String() != "94.89" {
		t.Errorf("Available = %v, want 94.89", stats.Available)
	}
	if stats.Allocated.String() != "5" {
		t.Errorf("Allocated = %v, want 5", stats.Allocated)
	}
	if !stats.TotalCapital.Equal(stats.Available.Add(stats.Allocated)) {
		t.Error("TotalCapital != Available + Allocated")
	}
	if stats.TotalTrades != 1 || stats.OpenPositions != 1 {
		t.Errorf("counters = %d trades, %d open, want 1, 1", stats.TotalTrades, stats.OpenPositions)
	}
}

func TestOpenRejectsInsufficientFunds(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)

	// 100 size + commission + gas exceeds the 100 bankroll.
	_, err := b.OpenPosition(context.Background(),
		"mkt1", types.BUY, dec("100"), dec("0.5"), commissionRate, gasCost, "0xwhale")
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	// The failed open left no trace.
	stats := b.Stats()
	if stats.TotalTrades != 0 || !stats.Available.Equal(dec("100")) {
		t.Errorf("ledger mutated by rejected open: %+v", stats)
	}
}

func TestOpenRejectsMalformedInputs(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)
	ctx := context.Background()

	if _, err := b.OpenPosition(ctx, "m", types.BUY, dec("0"), dec("0.5"), commissionRate, gasCost, ""); err == nil {
		t.Error("accepted size 0")
	}
	if _, err := b.OpenPosition(ctx, "m", types.BUY, dec("5"), dec("0"), commissionRate, gasCost, ""); err == nil {
		t.Error("accepted price 0")
	}
	if _, err := b.OpenPosition(ctx, "m", types.BUY, dec("5"), dec("1"), commissionRate, gasCost, ""); err == nil {
		t.Error("accepted price 1")
	}
}

func TestCloseRealizesPnL(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)
	ctx := context.Background()

	tradeID, err := b.OpenPosition(ctx,
		"mkt1", types.BUY, dec("5"), dec("0.40"), commissionRate, gasCost, "0xwhale")
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	res, err := b.ClosePosition(ctx, tradeID, dec("0.50"), commissionRate, gasCost)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// gross = 5 · (0.50 − 0.40) / 0.40 = 1.25
	if res.GrossPnL.String() != "1.25" {
		t.Errorf("GrossPnL = %v, want 1.25", res.GrossPnL)
	}
	// fees = 0.10 close commission + 0.01 gas
	if res.Fees.String() != "0.11" {
		t.Errorf("Fees = %v, want 0.11", res.Fees)
	}
	if res.NetPnL.String() != "1.14" {
		t.Errorf("NetPnL = %v, want 1.14", res.NetPnL)
	}

	stats := b.Stats()
	if stats.Allocated.Sign() != 0 {
		t.Errorf("Allocated = %v, want 0 after close", stats.Allocated)
	}
	// available = 94.89 + 5 + 1.14
	if stats.Available.String() != "96.03" {
		t.Errorf("Available = %v, want 96.03", stats.Available)
	}
	if stats.WinCount != 1 || stats.LossCount != 0 {
		t.Errorf("win/loss = %d/%d, want 1/0", stats.WinCount, stats.LossCount)
	}
	if stats.OpenPositions != 0 {
		t.Errorf("OpenPositions = %d, want 0", stats.OpenPositions)
	}
}

func TestCloseAtEntryPriceLosesOnlyFees(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)
	ctx := context.Background()

	tradeID, _ := b.OpenPosition(ctx,
		"mkt1", types.SELL, dec("10"), dec("0.60"), commissionRate, gasCost, "0xwhale")

	res, err := b.ClosePosition(ctx, tradeID, dec("0.60"), commissionRate, gasCost)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !res.GrossPnL.IsZero() {
		t.Errorf("GrossPnL = %v, want 0 at entry price", res.GrossPnL)
	}
	if !res.NetPnL.Equal(res.Fees.Neg()) {
		t.Errorf("NetPnL = %v, want −fees %v", res.NetPnL, res.Fees.Neg())
	}
	// A fees-only loss still counts as a loss.
	if b.Stats().LossCount != 1 {
		t.Errorf("LossCount = %d, want 1", b.Stats().LossCount)
	}
}

func TestSellSideGrossNegated(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)
	ctx := context.Background()

	tradeID, _ := b.OpenPosition(ctx,
		"mkt1", types.SELL, dec("5"), dec("0.40"), commissionRate, gasCost, "0xwhale")

	// Price rose: a sell loses.
	res, err := b.ClosePosition(ctx, tradeID, dec("0.50"), commissionRate, gasCost)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if res.GrossPnL.String() != "-1.25" {
		t.Errorf("GrossPnL = %v, want -1.25 for sell on rising price", res.GrossPnL)
	}
}

func TestAvailableReconcilesAfterAllClosed(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)
	ctx := context.Background()

	netSum := decimal.Zero
	for i, exit := range []string{"0.50", "0.35", "0.45"} {
		tradeID, err := b.OpenPosition(ctx,
			"mkt1", types.BUY, dec("4"), dec("0.40"), commissionRate, gasCost, "0xwhale")
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		res, err := b.ClosePosition(ctx, tradeID, dec(exit), commissionRate, gasCost)
		if err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
		// The open leg's commission and gas also leave the ledger.
		openCosts := dec("4").Mul(commissionRate).Add(gasCost)
		netSum = netSum.Add(res.NetPnL).Sub(openCosts)
	}

	stats := b.Stats()
	want := dec("100").Add(netSum)
	if !stats.Available.Equal(want) {
		t.Errorf("Available = %v, want initial + Σ(net − open costs) = %v", stats.Available, want)
	}
	if stats.Allocated.Sign() != 0 {
		t.Errorf("Allocated = %v, want 0", stats.Allocated)
	}
}

func TestCloseUnknownTrade(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)

	if _, err := b.ClosePosition(context.Background(), "nope", dec("0.5"), commissionRate, gasCost); err == nil {
		t.Error("closed a trade that was never opened")
	}
}

func TestPersistenceFailureRollsBackMemory(t *testing.T) {
	t.Parallel()
	b, st := testBankroll(t)
	ctx := context.Background()

	tradeID, err := b.OpenPosition(ctx,
		"mkt1", types.BUY, dec("5"), dec("0.40"), commissionRate, gasCost, "0xwhale")
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	before := b.Stats()

	// Closing the store makes the paired write fail.
	st.Close()

	_, err = b.ClosePosition(ctx, tradeID, dec("0.50"), commissionRate, gasCost)
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}

	after := b.Stats()
	if !after.Available.Equal(before.Available) || !after.Allocated.Equal(before.Allocated) {
		t.Errorf("ledger diverged after failed persist: before %+v, after %+v", before, after)
	}
	if after.OpenPositions != 1 {
		t.Errorf("OpenPositions = %d, want position still open", after.OpenPositions)
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	t.Parallel()
	b, _ := testBankroll(t)
	ctx := context.Background()

	tradeID, _ := b.OpenPosition(ctx,
		"mkt1", types.BUY, dec("5"), dec("0.40"), commissionRate, gasCost, "0xwhale")
	_, _ = b.ClosePosition(ctx, tradeID, dec("0.30"), commissionRate, gasCost)

	b.Reset()
	stats := b.Stats()
	if !stats.Available.Equal(dec("100")) || stats.TotalTrades != 0 || stats.OpenPositions != 0 {
		t.Errorf("Reset left state %+v", stats)
	}
}
