// Package whale implements whale statistics, qualification, and the
// discovery → qualification → ranking pipeline.
//
// The data source exposes trades and positions but no per-trade win
// flag, so no win rate is computed for whales anywhere in this package.
// Qualification and risk scoring are activity-based only.
package whale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/dataapi"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// aggregateWindow bounds how far back Refresh looks for lifetime
// counters. The rolling 3-day counters sit inside this window.
const aggregateWindow = 90 * 24 * time.Hour

// Tracker turns raw feed data for one address into a statistics record.
type Tracker struct {
	data   *dataapi.Client
	store  *store.Store
	cfg    config.DetectorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker backed by the data API and the store.
func NewTracker(data *dataapi.Client, st *store.Store, cfg config.DetectorConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		data:   data,
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "tracker"),
		now:    time.Now,
	}
}

// Refresh fetches the address's recent trades, records each fill, and
// recomputes the stats window. Counters are recomputed from scratch on
// every call so re-observations can never double count.
func (t *Tracker) Refresh(ctx context.Context, address string) (types.WhaleStats, error) {
	since := t.now().Add(-aggregateWindow)
	pager := t.data.GetTrades(types.TradeFilter{User: address, Since: since, Limit: 1000})

	var trades []types.TradeRecord
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return types.WhaleStats{}, fmt.Errorf("refresh %s: %w", address, err)
		}
		if page == nil {
			break
		}
		trades = append(trades, page...)
	}

	for _, tr := range trades {
		if _, err := t.store.InsertWhaleFill(ctx, types.WhaleTrade{
			WhaleAddress: tr.Trader,
			MarketID:     tr.ConditionID,
			Side:         tr.Side,
			SizeUSD:      tr.SizeUSD,
			Price:        tr.Price,
			TradedAt:     tr.Timestamp,
			ExternalID:   tr.TxHash,
		}); err != nil {
			return types.WhaleStats{}, err
		}
	}

	return t.ComputeStats(address, trades), nil
}

// ComputeStats derives the statistics record from a trade list. Pure
// except for the clock.
func (t *Tracker) ComputeStats(address string, trades []types.TradeRecord) types.WhaleStats {
	now := t.now().UTC()
	threeDaysAgo := now.Add(-72 * time.Hour)

	stats := types.WhaleStats{
		WalletAddress:   address,
		TotalVolumeUSD:  decimal.Zero,
		AvgTradeSizeUSD: decimal.Zero,
		Status:          types.StatusDiscovered,
	}

	days := make(map[string]bool)
	for _, tr := range trades {
		stats.TotalTrades++
		stats.TotalVolumeUSD = stats.TotalVolumeUSD.Add(tr.SizeUSD)
		if !tr.Timestamp.Before(threeDaysAgo) {
			stats.TradesLast3Days++
		}
		days[tr.Timestamp.UTC().Format("2006-01-02")] = true

		if stats.FirstSeenAt.IsZero() || tr.Timestamp.Before(stats.FirstSeenAt) {
			stats.FirstSeenAt = tr.Timestamp
		}
		if tr.Timestamp.After(stats.LastActiveAt) {
			stats.LastActiveAt = tr.Timestamp
		}
	}
	stats.DaysActive = len(days)

	if stats.TotalTrades > 0 {
		stats.AvgTradeSizeUSD = stats.TotalVolumeUSD.Div(decimal.NewFromInt(int64(stats.TotalTrades)))
	}

	daysInactive := daysSince(stats.LastActiveAt, now)
	stats.IsActive = stats.TotalTrades > 0 && daysInactive <= t.cfg.Qualification.MaxInactiveDays
	stats.RiskScore = RiskScore(stats.TotalVolumeUSD, stats.TotalTrades, daysInactive)
	return stats
}

// Persist upserts the stats record into the store.
func (t *Tracker) Persist(ctx context.Context, stats types.WhaleStats) error {
	return t.store.UpsertWhale(ctx, stats)
}

// IsQualifyingWhale evaluates the qualification predicate. The second
// return value names every failed gate, feeding the blocker report.
func (t *Tracker) IsQualifyingWhale(stats types.WhaleStats) (bool, []string) {
	q := t.cfg.Qualification
	var blockers []string

	if stats.TotalTrades < q.MinTrades {
		blockers = append(blockers, "min_trades")
	}
	if stats.TotalVolumeUSD.LessThan(q.MinVolumeUSD) {
		blockers = append(blockers, "min_volume_usd")
	}
	if stats.TradesLast3Days < q.MinTradesLast3Days {
		blockers = append(blockers, "min_trades_last_3_days")
	}
	if stats.DaysActive < q.MinDaysActive {
		blockers = append(blockers, "min_days_active")
	}
	if !stats.IsActive {
		blockers = append(blockers, "max_inactive_days")
	}
	return len(blockers) == 0, blockers
}

// RiskScore maps activity to a 1..10 score, lower is better. Pure.
// Addresses below every activity tier score 8..10 by inactivity.
func RiskScore(volumeUSD decimal.Decimal, totalTrades int, daysInactive int) int {
	switch {
	case volumeUSD.GreaterThanOrEqual(decimal.NewFromInt(100_000)) && totalTrades >= 500:
		return 1
	case volumeUSD.GreaterThanOrEqual(decimal.NewFromInt(50_000)) && totalTrades >= 200:
		return 2
	case volumeUSD.GreaterThanOrEqual(decimal.NewFromInt(10_000)) && totalTrades >= 100:
		return 3
	case volumeUSD.GreaterThanOrEqual(decimal.NewFromInt(5_000)) && totalTrades >= 50:
		return 4
	case volumeUSD.GreaterThanOrEqual(decimal.NewFromInt(1_000)) && totalTrades >= 20:
		return 6
	}
	switch {
	case daysInactive <= 7:
		return 8
	case daysInactive <= 30:
		return 9
	default:
		return 10
	}
}

func daysSince(t time.Time, now time.Time) int {
	if t.IsZero() {
		return 1 << 20
	}
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
