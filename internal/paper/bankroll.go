// Package paper implements the deterministic virtual bankroll ledger.
//
// All mutations serialize through one mutex. Every state-changing call
// writes exactly one trade record and one bankroll snapshot, committed
// together; if the store rejects the pair, the in-memory ledger rolls
// back so memory and disk never diverge.
//
// PnL is realized at close only. Unrealized PnL is a read-side quantity
// computed by the metrics aggregator, never part of this ledger.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polycopy/internal/store"
	"polycopy/pkg/types"
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// position is the ledger's view of one open trade.
type position struct {
	tradeID    string
	marketID   string
	side       types.Side
	size       decimal.Decimal
	entryPrice decimal.Decimal
	whale      string
	openedAt   time.Time
}

// CloseResult reports the realized outcome of one close.
type CloseResult struct {
	TradeID  string
	GrossPnL decimal.Decimal
	Fees     decimal.Decimal
	NetPnL   decimal.Decimal
}

// VirtualBankroll is the paper-trading ledger.
type VirtualBankroll struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu                sync.Mutex
	initial           decimal.Decimal
	available         decimal.Decimal
	allocated         decimal.Decimal
	peakCapital       decimal.Decimal
	dailyPnL          decimal.Decimal
	dailyDrawdown     decimal.Decimal
	day               string
	totalTrades       int
	winCount          int
	lossCount         int
	lossStreak        int
	maxLossStreak     int
	open              map[string]position // keyed by trade ID
}

// NewVirtualBankroll seeds the ledger with the initial bankroll.
func NewVirtualBankroll(initial decimal.Decimal, st *store.Store, logger *slog.Logger) *VirtualBankroll {
	return &VirtualBankroll{
		store:       st,
		logger:      logger.With("component", "bankroll"),
		now:         time.Now,
		initial:     initial,
		available:   initial,
		allocated:   zero,
		peakCapital: initial,
		dailyPnL:    zero,
		open:        make(map[string]position),
	}
}

// OpenPosition reserves funds for a new position and persists the open
// trade with its snapshot. Returns the trade ID on success.
func (b *VirtualBankroll) OpenPosition(
	ctx context.Context,
	marketID string,
	side types.Side,
	size, price, commissionRate, gasCost decimal.Decimal,
	whaleSource string,
) (string, error) {
	if !size.IsPositive() {
		return "", fmt.Errorf("open position: size must be > 0, got %s", size)
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return "", fmt.Errorf("open position: price must be in (0,1), got %s", price)
	}

	commission := size.Mul(commissionRate)
	cost := size.Add(commission).Add(gasCost)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	if b.available.LessThan(cost) {
		return "", fmt.Errorf("%w: need %s, available %s",
			types.ErrInsufficientFunds, cost, b.available)
	}

	prev := b.snapshotStateLocked()

	tradeID := uuid.NewString()
	openedAt := b.now().UTC()

	b.available = b.available.Sub(cost)
	b.allocated = b.allocated.Add(size)
	b.totalTrades++
	b.open[tradeID] = position{
		tradeID:    tradeID,
		marketID:   marketID,
		side:       side,
		size:       size,
		entryPrice: price,
		whale:      whaleSource,
		openedAt:   openedAt,
	}

	trade := &store.VirtualTrade{
		ID:           tradeID,
		WhaleAddress: whaleSource,
		MarketID:     marketID,
		Side:         string(side),
		SizeUSD:      size,
		EntryPrice:   price,
		Commission:   commission,
		GasCostUSD:   gasCost,
		Status:       "open",
		Mode:         string(types.ModePaper),
		OpenedAt:     openedAt,
	}
	if err := b.store.OpenTradeAndSnapshot(ctx, trade, b.buildSnapshotLocked()); err != nil {
		b.restoreStateLocked(prev)
		delete(b.open, tradeID)
		return "", err
	}

	b.logger.Info("position opened",
		"trade_id", tradeID, "market", marketID, "side", side,
		"size", size, "price", price, "whale", whaleSource)
	return tradeID, nil
}

// ClosePosition realizes PnL for an open position and persists the
// close with its snapshot in one transaction.
func (b *VirtualBankroll) ClosePosition(
	ctx context.Context,
	tradeID string,
	exitPrice, commissionRate, gasCost decimal.Decimal,
) (CloseResult, error) {
	if !exitPrice.IsPositive() || exitPrice.GreaterThanOrEqual(one) {
		return CloseResult{}, fmt.Errorf("close position: price must be in (0,1), got %s", exitPrice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	pos, ok := b.open[tradeID]
	if !ok {
		return CloseResult{}, fmt.Errorf("close position: unknown trade %s", tradeID)
	}

	// gross = size · (px − pe) / pe for buys, negated for sells
	gross := pos.size.Mul(exitPrice.Sub(pos.entryPrice)).Div(pos.entryPrice)
	if pos.side == types.SELL {
		gross = gross.Neg()
	}
	commission := pos.size.Mul(commissionRate)
	fees := commission.Add(gasCost)
	net := gross.Sub(fees)

	prev := b.snapshotStateLocked()

	b.allocated = b.allocated.Sub(pos.size)
	b.available = b.available.Add(pos.size).Add(net)
	if net.IsPositive() {
		b.winCount++
		b.lossStreak = 0
	} else {
		b.lossCount++
		b.lossStreak++
		if b.lossStreak > b.maxLossStreak {
			b.maxLossStreak = b.lossStreak
		}
	}
	b.dailyPnL = b.dailyPnL.Add(net)

	total := b.available.Add(b.allocated)
	if total.GreaterThan(b.peakCapital) {
		b.peakCapital = total
	}
	if b.dailyPnL.IsNegative() && b.peakCapital.IsPositive() {
		drawdown := b.dailyPnL.Neg().Div(b.peakCapital)
		if drawdown.GreaterThan(b.dailyDrawdown) {
			b.dailyDrawdown = drawdown
		}
	}

	closedAt := b.now().UTC()
	fields := store.CloseFields{
		ExitPrice:  exitPrice,
		Commission: commission,
		GasCostUSD: gasCost,
		GrossPnL:   gross,
		NetPnL:     net,
		ClosedAt:   closedAt,
	}
	if err := b.store.CloseTradeAndSnapshot(ctx, tradeID, fields, b.buildSnapshotLocked()); err != nil {
		b.restoreStateLocked(prev)
		return CloseResult{}, err
	}
	delete(b.open, tradeID)

	b.logger.Info("position closed",
		"trade_id", tradeID, "market", pos.marketID,
		"gross_pnl", gross, "net_pnl", net)
	return CloseResult{TradeID: tradeID, GrossPnL: gross, Fees: fees, NetPnL: net}, nil
}

// Position returns the open position for a trade ID.
func (b *VirtualBankroll) Position(tradeID string) (types.CopyPosition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.open[tradeID]
	if !ok {
		return types.CopyPosition{}, false
	}
	return types.CopyPosition{
		PositionID:   pos.tradeID,
		TradeID:      pos.tradeID,
		WhaleAddress: pos.whale,
		MarketID:     pos.marketID,
		Side:         pos.side,
		SizeUSD:      pos.size,
		EntryPrice:   pos.entryPrice,
		OpenedAt:     pos.openedAt,
		Mode:         types.ModePaper,
	}, true
}

// Stats returns the derived ledger view.
func (b *VirtualBankroll) Stats() types.BankrollStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	total := b.available.Add(b.allocated)
	closed := b.winCount + b.lossCount

	winRate := zero
	if closed > 0 {
		winRate = decimal.NewFromInt(int64(b.winCount)).Div(decimal.NewFromInt(int64(closed)))
	}
	roi := zero
	if b.initial.IsPositive() {
		roi = total.Sub(b.initial).Div(b.initial)
	}

	return types.BankrollStats{
		InitialBankroll:      b.initial,
		TotalCapital:         total,
		Available:            b.available,
		Allocated:            b.allocated,
		TotalTrades:          b.totalTrades,
		WinCount:             b.winCount,
		LossCount:            b.lossCount,
		WinRate:              winRate,
		ROI:                  roi,
		DailyPnL:             b.dailyPnL,
		MaxConsecutiveLosses: b.maxLossStreak,
		OpenPositions:        len(b.open),
	}
}

// WriteSnapshot persists a snapshot of the current state without any
// trade mutation. Used for equity snapshots and the final report.
func (b *VirtualBankroll) WriteSnapshot(ctx context.Context) error {
	b.mu.Lock()
	snap := b.buildSnapshotLocked()
	b.mu.Unlock()
	return b.store.InsertBankrollSnapshot(ctx, snap)
}

// Reset zeroes all counters and restores the initial bankroll. Test
// harness use only; nothing is persisted.
func (b *VirtualBankroll) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.initial
	b.allocated = zero
	b.peakCapital = b.initial
	b.dailyPnL = zero
	b.dailyDrawdown = zero
	b.totalTrades = 0
	b.winCount = 0
	b.lossCount = 0
	b.lossStreak = 0
	b.maxLossStreak = 0
	b.open = make(map[string]position)
}

// ledgerState carries the fields restored on persistence failure.
type ledgerState struct {
	available     decimal.Decimal
	allocated     decimal.Decimal
	peakCapital   decimal.Decimal
	dailyPnL      decimal.Decimal
	dailyDrawdown decimal.Decimal
	totalTrades   int
	winCount      int
	lossCount     int
	lossStreak    int
	maxLossStreak int
}

func (b *VirtualBankroll) snapshotStateLocked() ledgerState {
	return ledgerState{
		available:     b.available,
		allocated:     b.allocated,
		peakCapital:   b.peakCapital,
		dailyPnL:      b.dailyPnL,
		dailyDrawdown: b.dailyDrawdown,
		totalTrades:   b.totalTrades,
		winCount:      b.winCount,
		lossCount:     b.lossCount,
		lossStreak:    b.lossStreak,
		maxLossStreak: b.maxLossStreak,
	}
}

func (b *VirtualBankroll) restoreStateLocked(s ledgerState) {
	b.available = s.available
	b.allocated = s.allocated
	b.peakCapital = s.peakCapital
	b.dailyPnL = s.dailyPnL
	b.dailyDrawdown = s.dailyDrawdown
	b.totalTrades = s.totalTrades
	b.winCount = s.winCount
	b.lossCount = s.lossCount
	b.lossStreak = s.lossStreak
	b.maxLossStreak = s.maxLossStreak
}

func (b *VirtualBankroll) buildSnapshotLocked() types.BankrollSnapshot {
	return types.BankrollSnapshot{
		Timestamp:     b.now().UTC(),
		TotalCapital:  b.available.Add(b.allocated),
		Allocated:     b.allocated,
		Available:     b.available,
		DailyPnL:      b.dailyPnL,
		DailyDrawdown: b.dailyDrawdown,
		TotalTrades:   b.totalTrades,
		WinCount:      b.winCount,
		LossCount:     b.lossCount,
	}
}

// rollDayLocked resets the daily counters when the UTC date changes.
func (b *VirtualBankroll) rollDayLocked() {
	today := b.now().UTC().Format("2006-01-02")
	if b.day == today {
		return
	}
	b.day = today
	b.dailyPnL = zero
	b.dailyDrawdown = zero
}
