// Package metrics derives trading KPIs from persisted state.
//
// The aggregator is strictly read-over-store: every number in a
// TradingMetrics report comes from persisted trades and snapshots, so
// the report survives a restart. Its only write is the periodic equity
// snapshot it asks the ledger to record.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// MarkFunc prices a market for unrealized PnL. Markets without a known
// mark are omitted from the unrealized sum.
type MarkFunc func(marketID string) (decimal.Decimal, bool)

// SnapshotWriter is the ledger surface the aggregator drives.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context) error
}

// Aggregator computes TradingMetrics and records equity snapshots.
type Aggregator struct {
	store    *store.Store
	ledger   SnapshotWriter // may be nil
	initial  decimal.Decimal
	markFor  MarkFunc // may be nil
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator wires the aggregator. initial is the starting bankroll,
// the ROI denominator.
func NewAggregator(st *store.Store, ledger SnapshotWriter, initial decimal.Decimal, markFor MarkFunc, interval time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    st,
		ledger:   ledger,
		initial:  initial,
		markFor:  markFor,
		interval: interval,
		logger:   logger.With("component", "metrics"),
		now:      time.Now,
	}
}

// Run writes an equity snapshot and logs a report on every interval
// tick until ctx ends.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) {
	if a.ledger != nil {
		if err := a.ledger.WriteSnapshot(ctx); err != nil {
			a.logger.Error("write equity snapshot", "error", err)
		}
	}
	m, err := a.Compute(ctx)
	if err != nil {
		a.logger.Error("compute metrics", "error", err)
		return
	}
	a.logger.Info("metrics",
		"trades", m.TotalTrades,
		"win_rate", m.WinRate,
		"roi", m.ROI,
		"realized", m.RealizedPnL,
		"unrealized", m.UnrealizedPnL,
		"max_drawdown", m.MaxDrawdown,
		"balance", m.Balance)
}

// Compute derives the full KPI set from persisted trades and snapshots.
func (a *Aggregator) Compute(ctx context.Context) (types.TradingMetrics, error) {
	trades, err := a.store.ListTrades(ctx, "")
	if err != nil {
		return types.TradingMetrics{}, err
	}
	snapshots, err := a.store.ListSnapshots(ctx, time.Time{})
	if err != nil {
		return types.TradingMetrics{}, err
	}

	m := types.TradingMetrics{
		TotalTrades: len(trades),
		LastUpdate:  a.now().UTC(),
	}

	closed := 0
	for _, t := range trades {
		switch t.Status {
		case "closed":
			closed++
			m.RealizedPnL = m.RealizedPnL.Add(t.NetPnL)
			if t.NetPnL.IsPositive() {
				m.WinningTrades++
			} else {
				m.LosingTrades++
			}
		case "open":
			m.UnrealizedPnL = m.UnrealizedPnL.Add(a.unrealized(t))
		}
	}

	if closed > 0 {
		n := decimal.NewFromInt(int64(closed))
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(n)
		m.Expectancy = m.RealizedPnL.Div(n)
	}

	m.Balance = a.initial
	if len(snapshots) > 0 {
		m.Balance = snapshots[len(snapshots)-1].TotalCapital
	}
	if a.initial.IsPositive() {
		m.ROI = m.Balance.Sub(a.initial).Div(a.initial)
	}
	m.MaxDrawdown = maxDrawdown(snapshots)

	return m, nil
}

// unrealized marks one open trade to the current mid. Unknown marks
// contribute zero rather than a stale guess.
func (a *Aggregator) unrealized(t store.VirtualTrade) decimal.Decimal {
	if a.markFor == nil || !t.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	mark, ok := a.markFor(t.MarketID)
	if !ok {
		return decimal.Zero
	}
	gross := t.SizeUSD.Mul(mark.Sub(t.EntryPrice)).Div(t.EntryPrice)
	if types.Side(t.Side) == types.SELL {
		gross = gross.Neg()
	}
	return gross
}

// maxDrawdown is the largest peak-to-trough equity decline, as a
// fraction of the peak, over the snapshot series.
func maxDrawdown(snapshots []types.BankrollSnapshot) decimal.Decimal {
	peak := decimal.Zero
	worst := decimal.Zero
	for _, s := range snapshots {
		if s.TotalCapital.GreaterThan(peak) {
			peak = s.TotalCapital
		}
		if peak.IsPositive() {
			dd := peak.Sub(s.TotalCapital).Div(peak)
			if dd.GreaterThan(worst) {
				worst = dd
			}
		}
	}
	return worst
}
