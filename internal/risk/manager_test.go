package risk

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/store"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:           decimal.NewFromInt(10),
		MaxExposurePct:         decimal.RequireFromString("0.80"),
		MaxPositionPerMarket:   decimal.NewFromInt(10),
		MaxConsecutiveLosses:   3,
		SingleTradeDrawdownPct: decimal.RequireFromString("0.05"),
		FailedExecThreshold:    3,
		FailedExecWindow:       10 * time.Minute,
	}
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(testRiskConfig(), decimal.NewFromInt(100), st, logger)
}

func TestCanTradeWithinLimits(t *testing.T) {
	t.Parallel()
	rm := testManager(t)

	if !rm.CanTrade(context.Background(), "mkt1", decimal.NewFromInt(5), "copy") {
		t.Error("CanTrade = false with no exposure and no losses")
	}
}

func TestCanTradeBlocksOnExposure(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	// 80 of a 100 bankroll is the global ceiling.
	for i := 0; i < 8; i++ {
		rm.RegisterOpen("mkt"+string(rune('a'+i)), decimal.NewFromInt(10))
	}
	if rm.CanTrade(ctx, "mktz", decimal.NewFromInt(5), "copy") {
		t.Error("CanTrade = true beyond the global exposure limit")
	}
}

func TestCanTradeBlocksPerMarket(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	rm.RegisterOpen("mkt1", decimal.NewFromInt(8))
	if rm.CanTrade(ctx, "mkt1", decimal.NewFromInt(5), "copy") {
		t.Error("CanTrade = true beyond the per-market limit")
	}
	if !rm.CanTrade(ctx, "mkt2", decimal.NewFromInt(5), "copy") {
		t.Error("CanTrade = false for a different market within limits")
	}
}

func TestKillSwitchOnConsecutiveLosses(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	loss := decimal.RequireFromString("-1.50")
	rm.RecordOutcome(ctx, "copy", "mkt1", decimal.NewFromInt(3), loss)
	rm.RecordOutcome(ctx, "copy", "mkt2", decimal.NewFromInt(3), loss)
	if rm.IsKillSwitchActive() {
		t.Fatal("kill switch tripped before the third consecutive loss")
	}

	rm.RecordOutcome(ctx, "copy", "mkt3", decimal.NewFromInt(3), loss)
	if !rm.IsKillSwitchActive() {
		t.Fatal("kill switch not tripped on the third consecutive loss")
	}
	if rm.CanTrade(ctx, "mkt4", decimal.NewFromInt(1), "copy") {
		t.Error("CanTrade = true while kill switch active")
	}

	select {
	case sig := <-rm.KillCh():
		if sig.Reason == "" {
			t.Error("kill signal carries no reason")
		}
	default:
		t.Error("no kill signal delivered")
	}
}

func TestWinResetsConsecutiveLosses(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	loss := decimal.RequireFromString("-1.00")
	rm.RecordOutcome(ctx, "copy", "mkt1", decimal.NewFromInt(3), loss)
	rm.RecordOutcome(ctx, "copy", "mkt2", decimal.NewFromInt(3), loss)
	rm.RecordOutcome(ctx, "copy", "mkt3", decimal.NewFromInt(3), decimal.NewFromInt(2))
	rm.RecordOutcome(ctx, "copy", "mkt4", decimal.NewFromInt(3), loss)

	if rm.IsKillSwitchActive() {
		t.Error("kill switch tripped although a win broke the loss streak")
	}
}

func TestKillSwitchOnSingleTradeDrawdown(t *testing.T) {
	t.Parallel()
	rm := testManager(t)

	// 5.01 loss is beyond 5% of the 100 bankroll.
	rm.RecordOutcome(context.Background(), "copy", "mkt1",
		decimal.NewFromInt(5), decimal.RequireFromString("-5.01"))
	if !rm.IsKillSwitchActive() {
		t.Error("kill switch not tripped on single-trade drawdown")
	}
}

func TestKillSwitchOnDailyLoss(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rm.RecordOutcome(ctx, "copy", "mkt1", decimal.NewFromInt(4),
			decimal.RequireFromString("-3.50"))
	}
	// 10.50 cumulative loss breaches the 10.00 daily limit.
	if !rm.IsKillSwitchActive() {
		t.Error("kill switch not tripped on daily loss")
	}
}

func TestKillSwitchOnFailedExecutions(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	rm.RecordFailedExecution(ctx, "copy", "mkt1", "timeout")
	rm.RecordFailedExecution(ctx, "copy", "mkt1", "timeout")
	if rm.IsKillSwitchActive() {
		t.Fatal("kill switch tripped before the failure threshold")
	}
	rm.RecordFailedExecution(ctx, "copy", "mkt1", "timeout")
	if !rm.IsKillSwitchActive() {
		t.Error("kill switch not tripped on third failed execution")
	}
}

func TestFailedExecutionsOutsideWindowIgnored(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	current := base
	rm.now = func() time.Time { return current }

	rm.RecordFailedExecution(ctx, "copy", "mkt1", "timeout")
	rm.RecordFailedExecution(ctx, "copy", "mkt1", "timeout")

	// Two old failures age out before the third arrives.
	current = base.Add(11 * time.Minute)
	rm.RecordFailedExecution(ctx, "copy", "mkt1", "timeout")
	if rm.IsKillSwitchActive() {
		t.Error("kill switch tripped counting failures outside the window")
	}
}

func TestDailyCountersResetAtUTCMidnight(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 23, 23, 0, 0, 0, time.UTC)
	current := day1
	rm.now = func() time.Time { return current }

	rm.RecordOutcome(ctx, "copy", "mkt1", decimal.NewFromInt(4),
		decimal.RequireFromString("-4.50"))
	rm.RecordOutcome(ctx, "copy", "mkt2", decimal.NewFromInt(4),
		decimal.RequireFromString("-4.50"))
	if rm.CanTrade(ctx, "mkt3", decimal.NewFromInt(1), "copy") == false {
		t.Fatal("blocked before crossing the daily limit")
	}

	// Next UTC day: daily PnL and the loss streak start fresh.
	current = day1.Add(2 * time.Hour)
	if !rm.DailyPnL().IsZero() {
		t.Errorf("DailyPnL = %v after midnight, want 0", rm.DailyPnL())
	}

	rm.RecordOutcome(ctx, "copy", "mkt1", decimal.NewFromInt(4),
		decimal.RequireFromString("-4.50"))
	if rm.IsKillSwitchActive() {
		t.Error("yesterday's losses counted toward today's limits")
	}
}

func TestManualKillSwitch(t *testing.T) {
	t.Parallel()
	rm := testManager(t)
	ctx := context.Background()

	rm.TriggerKillSwitch(ctx, "operator halt")
	if !rm.IsKillSwitchActive() {
		t.Fatal("manual trigger did not engage the kill switch")
	}
	if rm.CanTrade(ctx, "mkt1", decimal.NewFromInt(1), "copy") {
		t.Error("CanTrade = true after manual kill")
	}
}

func TestGasCeilingGate(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testRiskConfig()
	cfg.MaxGasGwei = 200
	rm := NewManager(cfg, decimal.NewFromInt(100), st, logger)
	ctx := context.Background()

	// No observation yet: the gate stays open.
	if !rm.CanTrade(ctx, "mkt1", decimal.NewFromInt(1), "copy") {
		t.Error("CanTrade = false before any gas observation")
	}

	rm.ObserveGasPrice(350)
	if rm.CanTrade(ctx, "mkt1", decimal.NewFromInt(1), "copy") {
		t.Error("CanTrade = true with gas above the ceiling")
	}
	if rm.IsKillSwitchActive() {
		t.Error("gas block tripped the kill switch")
	}

	rm.ObserveGasPrice(40)
	if !rm.CanTrade(ctx, "mkt1", decimal.NewFromInt(1), "copy") {
		t.Error("CanTrade = false after gas fell below the ceiling")
	}
}
