package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/paper"
	"polycopy/internal/risk"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

type recordedOutcome struct {
	address string
	netPnL  decimal.Decimal
}

type outcomeSpy struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (s *outcomeSpy) RecordCopyOutcome(ctx context.Context, address string, netPnL decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, recordedOutcome{address, netPnL})
}

func (s *outcomeSpy) recorded() []recordedOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedOutcome(nil), s.outcomes...)
}

func testCopyConfig() config.CopyConfig {
	return config.CopyConfig{
		RiskScoreMax: 6,
		DedupWindow:  5 * time.Second,
		AllowScaleIn: false,
	}
}

func testEngine(t *testing.T, copyCfg config.CopyConfig) (*CopyEngine, *store.Store, *risk.Manager, *outcomeSpy) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bankroll := paper.NewVirtualBankroll(decimal.NewFromInt(100), st, logger)
	riskCfg := config.RiskConfig{
		MaxDailyLoss:           decimal.NewFromInt(10),
		MaxExposurePct:         decimal.RequireFromString("0.80"),
		MaxPositionPerMarket:   decimal.NewFromInt(10),
		MaxConsecutiveLosses:   3,
		SingleTradeDrawdownPct: decimal.RequireFromString("0.05"),
		FailedExecThreshold:    3,
		FailedExecWindow:       10 * time.Minute,
	}
	rm := risk.NewManager(riskCfg, decimal.NewFromInt(100), st, logger)
	exec := NewPaperExecutor(bankroll, testSizingConfig())
	spy := &outcomeSpy{}

	ce := NewCopyEngine(testSizingConfig(), copyCfg, exec, rm, bankroll, st, spy, logger)
	return ce, st, rm, spy
}

func rankedSignal(whale, market string, side types.Side, price string, at time.Time) types.WhaleSignal {
	return types.WhaleSignal{
		Trade: types.WhaleTrade{
			WhaleAddress: whale,
			MarketID:     market,
			Side:         side,
			SizeUSD:      decimal.NewFromInt(500),
			Price:        decimal.RequireFromString(price),
			TradedAt:     at,
			ExternalID:   whale + market + string(side) + at.String(),
		},
		Stats: types.WhaleStats{
			WalletAddress: whale,
			Status:        types.StatusRanked,
			RiskScore:     3,
		},
		RankScore:  decimal.NewFromInt(1),
		DetectedAt: at,
	}
}

func TestOpenOnRankedWhaleSignal(t *testing.T) {
	t.Parallel()
	ce, st, _, _ := testEngine(t, testCopyConfig())
	ctx := context.Background()

	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.40", time.Now().UTC()))

	open := ce.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	if !open[0].SizeUSD.Equal(decimal.NewFromInt(5)) {
		t.Errorf("size = %v, want the 5.00 Kelly cap", open[0].SizeUSD)
	}
	if open[0].Mode != types.ModePaper {
		t.Errorf("mode = %v, want paper", open[0].Mode)
	}

	counts, err := st.CountOpportunities(ctx)
	if err != nil {
		t.Fatalf("CountOpportunities: %v", err)
	}
	if counts["copied:open"] != 1 {
		t.Errorf("copied:open count = %d, want 1 (%v)", counts["copied:open"], counts)
	}
}

func TestSkipUnqualifiedWhale(t *testing.T) {
	t.Parallel()
	ce, st, _, _ := testEngine(t, testCopyConfig())
	ctx := context.Background()

	sig := rankedSignal("0xearly", "mkt1", types.BUY, "0.40", time.Now().UTC())
	sig.Stats.Status = types.StatusDiscovered
	ce.OnWhaleTrade(ctx, sig)

	if n := len(ce.OpenPositions()); n != 0 {
		t.Fatalf("open positions = %d, want 0", n)
	}
	counts, _ := st.CountOpportunities(ctx)
	if counts["skipped:whale_not_qualified"] != 1 {
		t.Errorf("skip reason missing: %v", counts)
	}
}

func TestSkipHighRiskScore(t *testing.T) {
	t.Parallel()
	ce, st, _, _ := testEngine(t, testCopyConfig())
	ctx := context.Background()

	sig := rankedSignal("0xrisky", "mkt1", types.BUY, "0.40", time.Now().UTC())
	sig.Stats.RiskScore = 8
	ce.OnWhaleTrade(ctx, sig)

	if n := len(ce.OpenPositions()); n != 0 {
		t.Fatalf("open positions = %d, want 0", n)
	}
	counts, _ := st.CountOpportunities(ctx)
	if counts["skipped:risk_score_above_max"] != 1 {
		t.Errorf("skip reason missing: %v", counts)
	}
}

func TestDuplicateSignalSuppressed(t *testing.T) {
	t.Parallel()
	ce, st, _, _ := testEngine(t, testCopyConfig())
	ctx := context.Background()

	sig := rankedSignal("0xwhale", "mkt1", types.BUY, "0.40", time.Now().UTC())
	ce.OnWhaleTrade(ctx, sig)
	ce.OnWhaleTrade(ctx, sig)

	if n := len(ce.OpenPositions()); n != 1 {
		t.Fatalf("open positions = %d, want 1", n)
	}
	counts, _ := st.CountOpportunities(ctx)
	if counts["copied:open"] != 1 {
		t.Errorf("duplicate re-copied: %v", counts)
	}
	if counts["skipped:duplicate_signal"] != 1 {
		t.Errorf("duplicate not audited: %v", counts)
	}
}

func TestSameSideIgnoredWithoutScaleIn(t *testing.T) {
	t.Parallel()
	ce, st, _, _ := testEngine(t, testCopyConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.40", now))
	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.41", now.Add(time.Minute)))

	if n := len(ce.OpenPositions()); n != 1 {
		t.Fatalf("open positions = %d, want 1", n)
	}
	counts, _ := st.CountOpportunities(ctx)
	if counts["skipped:already_in_position"] != 1 {
		t.Errorf("same-side signal not recorded as ignored: %v", counts)
	}
}

func TestScaleInCapsAtMaxPosition(t *testing.T) {
	t.Parallel()
	cfg := testCopyConfig()
	cfg.AllowScaleIn = true
	ce, st, _, _ := testEngine(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	// The first open already fills the 5% max-position band.
	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.40", now))
	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.41", now.Add(time.Minute)))

	if n := len(ce.OpenPositions()); n != 1 {
		t.Fatalf("open positions = %d, want 1", n)
	}
	counts, _ := st.CountOpportunities(ctx)
	if counts["skipped:position_at_max"] != 1 {
		t.Errorf("scale-in beyond max not skipped: %v", counts)
	}
}

func TestOppositeSideClosesPosition(t *testing.T) {
	t.Parallel()
	ce, _, rm, spy := testEngine(t, testCopyConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.40", now))
	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.SELL, "0.50", now.Add(time.Minute)))

	if n := len(ce.OpenPositions()); n != 0 {
		t.Fatalf("open positions = %d, want 0 after whale exit", n)
	}

	outcomes := spy.recorded()
	if len(outcomes) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(outcomes))
	}
	if outcomes[0].address != "0xwhale" {
		t.Errorf("outcome whale = %s, want 0xwhale", outcomes[0].address)
	}
	// gross = 5 · (0.50 − 0.40)/0.40 = 1.25, minus close fees 0.11
	if !outcomes[0].netPnL.Equal(decimal.RequireFromString("1.14")) {
		t.Errorf("net = %v, want 1.14", outcomes[0].netPnL)
	}
	if !rm.DailyPnL().Equal(decimal.RequireFromString("1.14")) {
		t.Errorf("risk daily PnL = %v, want 1.14", rm.DailyPnL())
	}
	if !rm.Exposure().IsZero() {
		t.Errorf("exposure = %v, want 0 after close", rm.Exposure())
	}
}

func TestKillSwitchBlocksOpens(t *testing.T) {
	t.Parallel()
	ce, st, rm, _ := testEngine(t, testCopyConfig())
	ctx := context.Background()

	rm.TriggerKillSwitch(ctx, "test halt")
	ce.OnWhaleTrade(ctx, rankedSignal("0xwhale", "mkt1", types.BUY, "0.40", time.Now().UTC()))

	if n := len(ce.OpenPositions()); n != 0 {
		t.Fatalf("open positions = %d, want 0 while killed", n)
	}
	counts, _ := st.CountOpportunities(ctx)
	if counts["skipped:risk_blocked"] != 1 {
		t.Errorf("risk block not recorded: %v", counts)
	}
}

func TestCloseAllUnwindsAtMark(t *testing.T) {
	t.Parallel()
	ce, _, _, spy := testEngine(t, testCopyConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	ce.OnWhaleTrade(ctx, rankedSignal("0xa", "mkt1", types.BUY, "0.40", now))
	ce.OnWhaleTrade(ctx, rankedSignal("0xb", "mkt2", types.BUY, "0.50", now))

	ce.CloseAll(ctx, func(marketID string) (decimal.Decimal, bool) {
		if marketID == "mkt1" {
			return decimal.RequireFromString("0.44"), true
		}
		return decimal.Zero, false // mkt2 falls back to entry price
	})

	if n := len(ce.OpenPositions()); n != 0 {
		t.Fatalf("open positions = %d, want 0 after CloseAll", n)
	}
	if len(spy.recorded()) != 2 {
		t.Fatalf("recorded outcomes = %d, want 2", len(spy.recorded()))
	}
}
