package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWhale(addr string, status types.WhaleStatus) types.WhaleStats {
	return types.WhaleStats{
		WalletAddress:  addr,
		TotalTrades:    50,
		TotalVolumeUSD: decimal.NewFromInt(10000),
		FirstSeenAt:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		LastActiveAt:   time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		RiskScore:      3,
		Status:         status,
		IsActive:       true,
	}
}

func TestUpsertWhaleStatusNeverMovesBackward(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertWhale(ctx, testWhale("0xaa", types.StatusQualified)); err != nil {
		t.Fatalf("UpsertWhale: %v", err)
	}

	// A refresh carrying stale status must not undo qualification.
	stale := testWhale("0xaa", types.StatusDiscovered)
	stale.TotalTrades = 60
	if err := s.UpsertWhale(ctx, stale); err != nil {
		t.Fatalf("UpsertWhale stale: %v", err)
	}

	whales, err := s.LoadKnownWhales(ctx)
	if err != nil {
		t.Fatalf("LoadKnownWhales: %v", err)
	}
	got := whales["0xaa"]
	if got.Status != types.StatusQualified {
		t.Errorf("Status = %v, want qualified preserved", got.Status)
	}
	if got.TotalTrades != 60 {
		t.Errorf("TotalTrades = %d, want counters merged to 60", got.TotalTrades)
	}
}

func TestUpsertWhaleFirstSeenWriteOnce(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	original := testWhale("0xbb", types.StatusDiscovered)
	if err := s.UpsertWhale(ctx, original); err != nil {
		t.Fatalf("UpsertWhale: %v", err)
	}

	later := testWhale("0xbb", types.StatusDiscovered)
	later.FirstSeenAt = time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	if err := s.UpsertWhale(ctx, later); err != nil {
		t.Fatalf("UpsertWhale later: %v", err)
	}

	whales, _ := s.LoadKnownWhales(ctx)
	if !whales["0xbb"].FirstSeenAt.Equal(original.FirstSeenAt) {
		t.Errorf("FirstSeenAt = %v, want original %v preserved",
			whales["0xbb"].FirstSeenAt, original.FirstSeenAt)
	}
}

func TestDemoteWhale(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertWhale(ctx, testWhale("0xcc", types.StatusRanked)); err != nil {
		t.Fatalf("UpsertWhale: %v", err)
	}
	if err := s.DemoteWhale(ctx, "0xcc"); err != nil {
		t.Fatalf("DemoteWhale: %v", err)
	}

	whales, _ := s.LoadKnownWhales(ctx)
	if whales["0xcc"].Status != types.StatusDiscovered {
		t.Errorf("Status = %v, want discovered after demotion", whales["0xcc"].Status)
	}
}

func TestInsertWhaleFillIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	fill := types.WhaleTrade{
		WhaleAddress: "0xaa",
		MarketID:     "mkt1",
		Side:         types.BUY,
		SizeUSD:      decimal.NewFromInt(100),
		Price:        decimal.RequireFromString("0.4"),
		TradedAt:     time.Now().UTC(),
		ExternalID:   "0xdeadbeef",
	}

	inserted, err := s.InsertWhaleFill(ctx, fill)
	if err != nil || !inserted {
		t.Fatalf("first insert = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, err = s.InsertWhaleFill(ctx, fill)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Error("second insert with same external ID reported inserted")
	}

	fills, err := s.ListWhaleFills(ctx, "0xaa", time.Time{})
	if err != nil {
		t.Fatalf("ListWhaleFills: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("fills = %d, want 1", len(fills))
	}
}

func TestLoadTopWhalesOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(addr string, score string, risk int, firstSeen time.Time) types.WhaleStats {
		w := testWhale(addr, types.StatusRanked)
		w.RankScore = decimal.RequireFromString(score)
		w.RiskScore = risk
		w.FirstSeenAt = firstSeen
		return w
	}

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for _, w := range []types.WhaleStats{
		mk("0x01", "0.50", 4, base),
		mk("0x02", "0.90", 2, base),
		mk("0x03", "0.50", 3, base.Add(24*time.Hour)), // lower risk beats 0x01
	} {
		if err := s.UpsertWhale(ctx, w); err != nil {
			t.Fatalf("UpsertWhale %s: %v", w.WalletAddress, err)
		}
	}
	// Non-ranked whales never appear in the top list.
	if err := s.UpsertWhale(ctx, testWhale("0x04", types.StatusQualified)); err != nil {
		t.Fatalf("UpsertWhale: %v", err)
	}

	top, err := s.LoadTopWhales(ctx, 10)
	if err != nil {
		t.Fatalf("LoadTopWhales: %v", err)
	}
	want := []string{"0x02", "0x03", "0x01"}
	if len(top) != len(want) {
		t.Fatalf("top = %d whales, want %d", len(top), len(want))
	}
	for i, addr := range want {
		if top[i].WalletAddress != addr {
			t.Errorf("top[%d] = %s, want %s", i, top[i].WalletAddress, addr)
		}
	}
}

func TestCloseTradeAndSnapshotCommitTogether(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trade := &VirtualTrade{
		ID:           "trade-1",
		WhaleAddress: "0xaa",
		MarketID:     "mkt1",
		Side:         "BUY",
		SizeUSD:      decimal.NewFromInt(5),
		EntryPrice:   decimal.RequireFromString("0.4"),
		Commission:   decimal.RequireFromString("0.01"),
		Status:       "open",
		Mode:         "paper",
		OpenedAt:     time.Now().UTC(),
	}
	if err := s.InsertTrade(ctx, trade); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	snap := types.BankrollSnapshot{
		Timestamp:    time.Now().UTC(),
		TotalCapital: decimal.NewFromInt(101),
		Allocated:    decimal.Zero,
		Available:    decimal.NewFromInt(101),
		TotalTrades:  1,
		WinCount:     1,
	}
	close := CloseFields{
		ExitPrice:  decimal.RequireFromString("0.5"),
		Commission: decimal.RequireFromString("0.01"),
		GrossPnL:   decimal.RequireFromString("1.25"),
		NetPnL:     decimal.RequireFromString("1.23"),
		ClosedAt:   time.Now().UTC(),
	}
	if err := s.CloseTradeAndSnapshot(ctx, "trade-1", close, snap); err != nil {
		t.Fatalf("CloseTradeAndSnapshot: %v", err)
	}

	closed, err := s.ListTrades(ctx, "closed")
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(closed))
	}
	if closed[0].NetPnL.String() != "1.23" {
		t.Errorf("NetPnL = %v, want 1.23", closed[0].NetPnL)
	}
	// Open + close commissions accumulate on the row.
	if closed[0].Commission.String() != "0.02" {
		t.Errorf("Commission = %v, want 0.02", closed[0].Commission)
	}

	snaps, err := s.ListSnapshots(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}
}

func TestCloseUnknownTradeRollsBackSnapshot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	err := s.CloseTradeAndSnapshot(ctx, "no-such-trade", CloseFields{
		ClosedAt: time.Now().UTC(),
	}, types.BankrollSnapshot{Timestamp: time.Now().UTC()})
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}

	snaps, _ := s.ListSnapshots(ctx, time.Time{})
	if len(snaps) != 0 {
		t.Errorf("snapshots = %d, want 0 after rollback", len(snaps))
	}
}

func TestInsertRiskEventAndOpportunityCounts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRiskEvent(ctx, types.RiskEvent{
		Kind:       "kill_switch",
		Severity:   "critical",
		Detail:     "3 consecutive losses",
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertRiskEvent: %v", err)
	}

	for _, opp := range []*Opportunity{
		{WhaleAddress: "0xaa", MarketID: "m1", Side: "BUY", Decision: "copied"},
		{WhaleAddress: "0xaa", MarketID: "m2", Side: "BUY", Decision: "skipped", Reason: "risk_score"},
		{WhaleAddress: "0xbb", MarketID: "m3", Side: "SELL", Decision: "skipped", Reason: "risk_score"},
	} {
		if err := s.InsertOpportunity(ctx, opp); err != nil {
			t.Fatalf("InsertOpportunity: %v", err)
		}
	}

	counts, err := s.CountOpportunities(ctx)
	if err != nil {
		t.Fatalf("CountOpportunities: %v", err)
	}
	if counts["copied"] != 1 {
		t.Errorf("copied = %d, want 1", counts["copied"])
	}
	if counts["skipped:risk_score"] != 2 {
		t.Errorf("skipped:risk_score = %d, want 2", counts["skipped:risk_score"])
	}
}
