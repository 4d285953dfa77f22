// Package risk enforces the pre-trade gate and the kill switch.
//
// Every open goes through CanTrade, which checks the kill switch, the
// daily loss limit, global exposure, and per-market exposure. Closes
// report back through RecordOutcome, which drives the daily PnL and
// consecutive-loss counters. Both daily counters reset at UTC midnight;
// a tripped kill switch stays tripped for the rest of the run.
//
// When a limit is breached the manager persists a critical RiskEvent
// and emits a KillSignal. The kill channel is drained of stale signals
// before sending, so the latest reason is always delivered.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// KillSignal tells the supervisor to halt execution.
type KillSignal struct {
	Reason string
}

// Manager holds all risk counters behind one mutex.
type Manager struct {
	cfg      config.RiskConfig
	bankroll decimal.Decimal // initial bankroll, the base for pct limits
	store    *store.Store
	logger   *slog.Logger
	now      func() time.Time

	mu                sync.Mutex
	killActive        bool
	killReason        string
	gasGwei           int64
	gasKnown          bool
	day               string // UTC date the daily counters belong to
	dailyPnL          decimal.Decimal
	consecutiveLosses int
	exposure          decimal.Decimal
	perMarket         map[string]decimal.Decimal
	failedExecs       []time.Time

	killCh chan KillSignal
}

// NewManager creates a risk manager seeded against the initial bankroll.
func NewManager(cfg config.RiskConfig, bankroll decimal.Decimal, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		bankroll:  bankroll,
		store:     st,
		logger:    logger.With("component", "risk"),
		now:       time.Now,
		dailyPnL:  decimal.Zero,
		exposure:  decimal.Zero,
		perMarket: make(map[string]decimal.Decimal),
		killCh:    make(chan KillSignal, 10),
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.killActive
}

// CanTrade is the pre-trade gate. A false result is always paired with
// a persisted RiskEvent carrying the blocking reason.
func (rm *Manager) CanTrade(ctx context.Context, marketID string, size decimal.Decimal, strategy string) bool {
	rm.mu.Lock()
	rm.rollDayLocked()

	reason := ""
	switch {
	case rm.killActive:
		reason = "kill switch active: " + rm.killReason
	case rm.gasKnown && rm.cfg.MaxGasGwei > 0 && rm.gasGwei > int64(rm.cfg.MaxGasGwei):
		reason = fmt.Sprintf("gas price %d gwei above ceiling %d", rm.gasGwei, rm.cfg.MaxGasGwei)
	case rm.dailyPnL.LessThanOrEqual(rm.cfg.MaxDailyLoss.Neg()):
		reason = fmt.Sprintf("daily loss limit reached (daily_pnl %s)", rm.dailyPnL)
	case rm.exposure.Add(size).GreaterThan(rm.cfg.MaxExposurePct.Mul(rm.bankroll)):
		reason = fmt.Sprintf("exposure limit: %s + %s exceeds %s%% of bankroll",
			rm.exposure, size, rm.cfg.MaxExposurePct.Mul(decimal.NewFromInt(100)))
	case rm.perMarket[marketID].Add(size).GreaterThan(rm.cfg.MaxPositionPerMarket):
		reason = fmt.Sprintf("per-market limit: %s + %s exceeds %s",
			rm.perMarket[marketID], size, rm.cfg.MaxPositionPerMarket)
	}
	rm.mu.Unlock()

	if reason == "" {
		return true
	}

	rm.logger.Warn("trade blocked", "market", marketID, "strategy", strategy, "reason", reason)
	rm.persistEvent(ctx, types.RiskEvent{
		Kind:       "risk_block",
		Severity:   "warning",
		Strategy:   strategy,
		MarketID:   marketID,
		Detail:     reason,
		OccurredAt: rm.now().UTC(),
	})
	return false
}

// ObserveGasPrice records the latest chain gas price for the gate.
// Only live mode feeds it; without an observation the gate is open.
func (rm *Manager) ObserveGasPrice(gwei int64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.gasGwei = gwei
	rm.gasKnown = true
}

// RegisterOpen adds a filled open to the exposure books.
func (rm *Manager) RegisterOpen(marketID string, size decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.exposure = rm.exposure.Add(size)
	rm.perMarket[marketID] = rm.perMarket[marketID].Add(size)
}

// RecordOutcome books a closed trade: releases exposure, updates the
// daily counters, and evaluates the kill-switch triggers.
func (rm *Manager) RecordOutcome(ctx context.Context, strategy, marketID string, size, pnl decimal.Decimal) {
	rm.mu.Lock()
	rm.rollDayLocked()

	rm.exposure = rm.exposure.Sub(size)
	if rm.exposure.IsNegative() {
		rm.exposure = decimal.Zero
	}
	if cur, ok := rm.perMarket[marketID]; ok {
		next := cur.Sub(size)
		if next.IsPositive() {
			rm.perMarket[marketID] = next
		} else {
			delete(rm.perMarket, marketID)
		}
	}

	rm.dailyPnL = rm.dailyPnL.Add(pnl)
	if pnl.IsNegative() {
		rm.consecutiveLosses++
	} else {
		rm.consecutiveLosses = 0
	}

	var trigger string
	drawdownFloor := rm.bankroll.Mul(rm.cfg.SingleTradeDrawdownPct).Neg()
	switch {
	case pnl.LessThan(drawdownFloor):
		trigger = fmt.Sprintf("single-trade drawdown %s beyond %s", pnl, drawdownFloor)
	case rm.dailyPnL.LessThan(rm.cfg.MaxDailyLoss.Neg()):
		trigger = fmt.Sprintf("daily loss %s beyond limit %s", rm.dailyPnL, rm.cfg.MaxDailyLoss)
	case rm.consecutiveLosses >= rm.cfg.MaxConsecutiveLosses:
		trigger = fmt.Sprintf("%d consecutive losses", rm.consecutiveLosses)
	}
	rm.mu.Unlock()

	if trigger != "" {
		rm.trip(ctx, strategy, marketID, trigger)
	}
}

// RecordFailedExecution counts executor failures in a sliding window;
// too many in the window trips the kill switch.
func (rm *Manager) RecordFailedExecution(ctx context.Context, strategy, marketID, reason string) {
	rm.mu.Lock()
	now := rm.now()
	cutoff := now.Add(-rm.cfg.FailedExecWindow)

	kept := rm.failedExecs[:0]
	for _, ts := range rm.failedExecs {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rm.failedExecs = append(kept, now)
	count := len(rm.failedExecs)
	rm.mu.Unlock()

	rm.logger.Warn("execution failed", "market", marketID, "reason", reason, "recent_failures", count)

	if count >= rm.cfg.FailedExecThreshold {
		rm.trip(ctx, strategy, marketID,
			fmt.Sprintf("%d failed executions within %s", count, rm.cfg.FailedExecWindow))
	}
}

// TriggerKillSwitch is the manual trigger.
func (rm *Manager) TriggerKillSwitch(ctx context.Context, reason string) {
	rm.trip(ctx, "manual", "", reason)
}

// DailyPnL returns the current day's realized PnL as seen by the gate.
func (rm *Manager) DailyPnL() decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked()
	return rm.dailyPnL
}

// Exposure returns current total open exposure.
func (rm *Manager) Exposure() decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.exposure
}

// rollDayLocked resets the daily counters when the UTC date changes.
func (rm *Manager) rollDayLocked() {
	today := rm.now().UTC().Format("2006-01-02")
	if rm.day == today {
		return
	}
	if rm.day != "" {
		rm.logger.Info("daily risk counters reset", "previous_day", rm.day)
	}
	rm.day = today
	rm.dailyPnL = decimal.Zero
	rm.consecutiveLosses = 0
}

// trip activates the kill switch, persists the critical event, and
// delivers the signal.
func (rm *Manager) trip(ctx context.Context, strategy, marketID, reason string) {
	rm.mu.Lock()
	already := rm.killActive
	rm.killActive = true
	rm.killReason = reason
	rm.mu.Unlock()

	if already {
		return
	}

	rm.logger.Error("KILL SWITCH", "reason", reason, "market", marketID)
	rm.persistEvent(ctx, types.RiskEvent{
		Kind:       "kill_switch",
		Severity:   "critical",
		Strategy:   strategy,
		MarketID:   marketID,
		Detail:     reason,
		OccurredAt: rm.now().UTC(),
	})

	// Drain stale signal if the channel is full, then send.
	sig := KillSignal{Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}

func (rm *Manager) persistEvent(ctx context.Context, evt types.RiskEvent) {
	if err := rm.store.InsertRiskEvent(ctx, evt); err != nil {
		rm.logger.Error("persist risk event", "error", err)
	}
}
