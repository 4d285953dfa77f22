// Package engine converts whale signals into sized, risk-gated orders.
//
// The copy engine consumes the detector's signal channel, classifies
// each signal as an open, a scale-in, or a close against its own open
// position book, sizes opens with bounded fractional Kelly, asks the
// risk manager for clearance, and dispatches to an Executor. Every
// evaluated signal leaves an opportunity audit row, copied or skipped.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/risk"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// OutcomeRecorder receives the realized result of each closed copy so
// the whale pipeline can attribute PnL back to the source address.
type OutcomeRecorder interface {
	RecordCopyOutcome(ctx context.Context, address string, netPnL decimal.Decimal)
}

// CapitalSource exposes the current bankroll for sizing.
type CapitalSource interface {
	Stats() types.BankrollStats
}

// slot is the engine's open book for one (whale, market) pair. A
// scale-in appends a tranche; a close unwinds every tranche.
type slot struct {
	side     types.Side
	tranches []types.CopyPosition
}

func (s *slot) totalSize() decimal.Decimal {
	total := decimal.Zero
	for _, t := range s.tranches {
		total = total.Add(t.SizeUSD)
	}
	return total
}

// CopyEngine is the signal-to-order pipeline.
type CopyEngine struct {
	sizing   config.SizingConfig
	cfg      config.CopyConfig
	exec     Executor
	risk     *risk.Manager
	capital  CapitalSource
	store    *store.Store
	outcomes OutcomeRecorder // may be nil
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	positions map[string]*slot     // keyed by whale|market
	dedup     map[string]time.Time // keyed by whale|market|side|price|traded_at
}

// NewCopyEngine wires the engine. outcomes may be nil when no whale
// attribution is wanted (tests).
func NewCopyEngine(
	sizing config.SizingConfig,
	cfg config.CopyConfig,
	exec Executor,
	rm *risk.Manager,
	capital CapitalSource,
	st *store.Store,
	outcomes OutcomeRecorder,
	logger *slog.Logger,
) *CopyEngine {
	return &CopyEngine{
		sizing:    sizing,
		cfg:       cfg,
		exec:      exec,
		risk:      rm,
		capital:   capital,
		store:     st,
		outcomes:  outcomes,
		logger:    logger.With("component", "copy"),
		now:       time.Now,
		positions: make(map[string]*slot),
		dedup:     make(map[string]time.Time),
	}
}

// Run consumes the detector's signal channel until the context ends.
func (ce *CopyEngine) Run(ctx context.Context, signals <-chan types.WhaleSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			ce.OnWhaleTrade(ctx, sig)
		}
	}
}

// OnWhaleTrade is the entry point for one whale signal.
func (ce *CopyEngine) OnWhaleTrade(ctx context.Context, sig types.WhaleSignal) {
	tr := sig.Trade

	switch sig.Stats.Status {
	case types.StatusQualified, types.StatusRanked:
	default:
		ce.recordSkip(ctx, tr, "whale_not_qualified")
		return
	}
	if sig.Stats.RiskScore > ce.cfg.RiskScoreMax {
		ce.recordSkip(ctx, tr, "risk_score_above_max")
		return
	}
	if ce.isDuplicate(tr) {
		ce.recordSkip(ctx, tr, "duplicate_signal")
		return
	}

	key := tr.WhaleAddress + "|" + tr.MarketID
	ce.mu.Lock()
	sl := ce.positions[key]
	ce.mu.Unlock()

	switch {
	case sl == nil:
		ce.open(ctx, sig, key, decimal.Zero)
	case tr.Side == sl.side:
		if !ce.cfg.AllowScaleIn {
			ce.recordSkip(ctx, tr, "already_in_position")
			return
		}
		ce.open(ctx, sig, key, sl.totalSize())
	default:
		ce.close(ctx, sig, key, sl)
	}
}

// open sizes and dispatches a new tranche. held is the size already in
// the slot; the combined position never exceeds the max-position clamp.
func (ce *CopyEngine) open(ctx context.Context, sig types.WhaleSignal, key string, held decimal.Decimal) {
	tr := sig.Trade
	bankroll := ce.capital.Stats().TotalCapital

	size, ok := KellySize(ce.sizing, bankroll, tr.Price, sig.RankScore)
	if !ok {
		ce.recordSkip(ctx, tr, "no_edge_or_bad_price")
		return
	}
	if held.IsPositive() {
		room := bankroll.Mul(ce.sizing.MaxPositionPct).Sub(held)
		if !room.IsPositive() {
			ce.recordSkip(ctx, tr, "position_at_max")
			return
		}
		if size.GreaterThan(room) {
			size = room
		}
	}

	if !ce.risk.CanTrade(ctx, tr.MarketID, size, "copy") {
		ce.recordSkip(ctx, tr, "risk_blocked")
		return
	}

	res, err := ce.exec.Open(ctx, tr.MarketID, tr.Side, size, tr.Price, tr.WhaleAddress)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientFunds) {
			ce.recordSkip(ctx, tr, "insufficient_funds")
			return
		}
		ce.logger.Error("open failed", "market", tr.MarketID, "whale", tr.WhaleAddress, "error", err)
		ce.risk.RecordFailedExecution(ctx, "copy", tr.MarketID, err.Error())
		ce.recordSkip(ctx, tr, "execution_failed")
		return
	}

	pos := types.CopyPosition{
		PositionID:     uuid.NewString(),
		TradeID:        res.TradeID,
		WhaleAddress:   tr.WhaleAddress,
		MarketID:       tr.MarketID,
		Side:           tr.Side,
		SizeUSD:        size,
		EntryPrice:     res.Fill.Price,
		OpenedAt:       ce.now().UTC(),
		WhaleRiskScore: sig.Stats.RiskScore,
		Mode:           ce.exec.Mode(),
	}

	ce.mu.Lock()
	sl := ce.positions[key]
	if sl == nil {
		sl = &slot{side: tr.Side}
		ce.positions[key] = sl
	}
	sl.tranches = append(sl.tranches, pos)
	ce.mu.Unlock()

	ce.risk.RegisterOpen(tr.MarketID, size)
	ce.recordCopy(ctx, tr, "open", size)
	ce.logger.Info("copied open",
		"whale", tr.WhaleAddress, "market", tr.MarketID, "side", tr.Side,
		"size", size, "price", res.Fill.Price)
}

// close unwinds every tranche at the whale's exit price. A tranche that
// fails to close stays in the slot for the next opposite-side signal.
func (ce *CopyEngine) close(ctx context.Context, sig types.WhaleSignal, key string, sl *slot) {
	tr := sig.Trade

	var remaining []types.CopyPosition
	closedSize := decimal.Zero
	netTotal := decimal.Zero

	for _, pos := range sl.tranches {
		out, err := ce.exec.Close(ctx, pos, tr.Price)
		if err != nil {
			ce.logger.Error("close failed", "trade_id", pos.TradeID, "market", tr.MarketID, "error", err)
			ce.risk.RecordFailedExecution(ctx, "copy", tr.MarketID, err.Error())
			remaining = append(remaining, pos)
			continue
		}
		ce.risk.RecordOutcome(ctx, "copy", tr.MarketID, pos.SizeUSD, out.NetPnL)
		if ce.outcomes != nil {
			ce.outcomes.RecordCopyOutcome(ctx, pos.WhaleAddress, out.NetPnL)
		}
		closedSize = closedSize.Add(pos.SizeUSD)
		netTotal = netTotal.Add(out.NetPnL)
	}

	ce.mu.Lock()
	if len(remaining) == 0 {
		delete(ce.positions, key)
	} else {
		sl.tranches = remaining
	}
	ce.mu.Unlock()

	if closedSize.IsPositive() {
		ce.recordCopy(ctx, tr, "close", closedSize)
		ce.logger.Info("copied close",
			"whale", tr.WhaleAddress, "market", tr.MarketID,
			"size", closedSize, "net_pnl", netTotal)
	} else {
		ce.recordSkip(ctx, tr, "execution_failed")
	}
}

// OpenPositions returns a flat snapshot of every open tranche.
func (ce *CopyEngine) OpenPositions() []types.CopyPosition {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	var out []types.CopyPosition
	for _, sl := range ce.positions {
		out = append(out, sl.tranches...)
	}
	return out
}

// CloseAll unwinds every open tranche, pricing each market through
// priceFor and falling back to the entry price when no mark is known.
// Used by the emergency-unwind path on shutdown.
func (ce *CopyEngine) CloseAll(ctx context.Context, priceFor func(marketID string) (decimal.Decimal, bool)) {
	for _, pos := range ce.OpenPositions() {
		exit := pos.EntryPrice
		if priceFor != nil {
			if px, ok := priceFor(pos.MarketID); ok {
				exit = px
			}
		}
		out, err := ce.exec.Close(ctx, pos, exit)
		if err != nil {
			ce.logger.Error("unwind failed", "trade_id", pos.TradeID, "error", err)
			continue
		}
		ce.risk.RecordOutcome(ctx, "copy", pos.MarketID, pos.SizeUSD, out.NetPnL)
		if ce.outcomes != nil {
			ce.outcomes.RecordCopyOutcome(ctx, pos.WhaleAddress, out.NetPnL)
		}
		ce.mu.Lock()
		key := pos.WhaleAddress + "|" + pos.MarketID
		if sl := ce.positions[key]; sl != nil {
			kept := sl.tranches[:0]
			for _, t := range sl.tranches {
				if t.PositionID != pos.PositionID {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(ce.positions, key)
			} else {
				sl.tranches = kept
			}
		}
		ce.mu.Unlock()
	}
}

// isDuplicate suppresses re-deliveries of the same signal within the
// dedup window and prunes expired entries as a side effect.
func (ce *CopyEngine) isDuplicate(tr types.WhaleTrade) bool {
	key := tr.WhaleAddress + "|" + tr.MarketID + "|" + string(tr.Side) +
		"|" + tr.Price.String() + "|" + tr.TradedAt.UTC().Format(time.RFC3339Nano)
	now := ce.now()

	ce.mu.Lock()
	defer ce.mu.Unlock()
	for k, seen := range ce.dedup {
		if now.Sub(seen) > ce.cfg.DedupWindow {
			delete(ce.dedup, k)
		}
	}
	if seen, ok := ce.dedup[key]; ok && now.Sub(seen) <= ce.cfg.DedupWindow {
		return true
	}
	ce.dedup[key] = now
	return false
}

func (ce *CopyEngine) recordCopy(ctx context.Context, tr types.WhaleTrade, reason string, size decimal.Decimal) {
	ce.insertOpportunity(ctx, tr, "copied", reason, size)
}

func (ce *CopyEngine) recordSkip(ctx context.Context, tr types.WhaleTrade, reason string) {
	ce.logger.Debug("signal skipped", "whale", tr.WhaleAddress, "market", tr.MarketID, "reason", reason)
	ce.insertOpportunity(ctx, tr, "skipped", reason, decimal.Zero)
}

func (ce *CopyEngine) insertOpportunity(ctx context.Context, tr types.WhaleTrade, decision, reason string, size decimal.Decimal) {
	opp := &store.Opportunity{
		WhaleAddress: tr.WhaleAddress,
		MarketID:     tr.MarketID,
		Side:         string(tr.Side),
		SignalPrice:  tr.Price,
		Decision:     decision,
		Reason:       reason,
		SizeUSD:      size,
		CreatedAt:    ce.now().UTC(),
	}
	if err := ce.store.InsertOpportunity(ctx, opp); err != nil {
		ce.logger.Error("persist opportunity", "error", err)
	}
}
