// Package store persists the bot's durable state in a relational
// database via GORM.
//
// A DSN starting with postgres:// (or postgresql://) selects the
// Postgres driver; anything else is treated as a SQLite file path.
// Every exported operation is atomic per call; paired writes whose
// invariants span tables (closing a trade plus its bankroll snapshot)
// go through an explicit transaction helper.
package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"polycopy/pkg/types"
)

// Store wraps the GORM handle. All methods are safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects, runs migrations, and returns a ready store.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, types.PersistenceErrorf(mkErr, "create db dir")
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, types.PersistenceErrorf(err, "open database")
	}

	if err := db.AutoMigrate(
		&Whale{}, &WhaleFill{}, &VirtualTrade{},
		&Snapshot{}, &RiskEvent{}, &Opportunity{},
	); err != nil {
		return nil, types.PersistenceErrorf(err, "migrate")
	}

	log.Info("store opened", "dsn", redactDSN(dsn))
	return &Store{db: db, log: log.With("component", "store")}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return types.PersistenceErrorf(err, "close")
	}
	return sqlDB.Close()
}

// redactDSN hides credentials embedded in a postgres URL.
func redactDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 {
			return dsn[:scheme+3] + "…" + dsn[at:]
		}
	}
	return dsn
}

// ————————————————————————————————————————————————————————————————————————
// Whales
// ————————————————————————————————————————————————————————————————————————

// UpsertWhale merges stats into the row keyed by wallet address.
// first_seen_at is write-once and status never moves backward; a stale
// writer racing a promotion cannot undo it.
func (s *Store) UpsertWhale(ctx context.Context, stats types.WhaleStats) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Whale
		err := tx.First(&existing, "wallet_address = ?", stats.WalletAddress).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := whaleFromStats(stats)
			if row.FirstSeenAt.IsZero() {
				row.FirstSeenAt = time.Now().UTC()
			}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}

		row := whaleFromStats(stats)
		row.FirstSeenAt = existing.FirstSeenAt
		if types.WhaleStatus(row.Status).Rank() < types.WhaleStatus(existing.Status).Rank() {
			row.Status = existing.Status
		}
		row.CreatedAt = existing.CreatedAt
		return tx.Save(&row).Error
	})
	if err != nil {
		return types.PersistenceErrorf(err, "upsert whale")
	}
	return nil
}

// DemoteWhale is the one permitted backward status edge: a qualified
// or ranked whale whose thresholds stopped holding returns to
// discovered.
func (s *Store) DemoteWhale(ctx context.Context, address string) error {
	err := s.db.WithContext(ctx).Model(&Whale{}).
		Where("wallet_address = ? AND status IN ?", address,
			[]string{string(types.StatusQualified), string(types.StatusRanked)}).
		Update("status", string(types.StatusDiscovered)).Error
	if err != nil {
		return types.PersistenceErrorf(err, "demote whale")
	}
	return nil
}

// InsertWhaleFill records one observed whale trade. Returns false when
// the external ID was already present.
func (s *Store) InsertWhaleFill(ctx context.Context, t types.WhaleTrade) (bool, error) {
	row := WhaleFill{
		ExternalID:   t.ExternalID,
		WhaleAddress: t.WhaleAddress,
		MarketID:     t.MarketID,
		Side:         string(t.Side),
		SizeUSD:      t.SizeUSD,
		Price:        t.Price,
		TradedAt:     t.TradedAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, types.PersistenceErrorf(res.Error, "insert whale fill")
	}
	return res.RowsAffected > 0, nil
}

// ListWhaleFills returns fills for one address newer than since,
// oldest first.
func (s *Store) ListWhaleFills(ctx context.Context, address string, since time.Time) ([]types.WhaleTrade, error) {
	var rows []WhaleFill
	err := s.db.WithContext(ctx).
		Where("whale_address = ? AND traded_at >= ?", address, since).
		Order("traded_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.PersistenceErrorf(err, "list whale fills")
	}
	fills := make([]types.WhaleTrade, 0, len(rows))
	for _, r := range rows {
		fills = append(fills, types.WhaleTrade{
			WhaleAddress: r.WhaleAddress,
			MarketID:     r.MarketID,
			Side:         types.Side(r.Side),
			SizeUSD:      r.SizeUSD,
			Price:        r.Price,
			TradedAt:     r.TradedAt,
			ExternalID:   r.ExternalID,
		})
	}
	return fills, nil
}

// LoadKnownWhales returns every persisted whale keyed by address.
// The detector primes its cache from this at startup.
func (s *Store) LoadKnownWhales(ctx context.Context) (map[string]types.WhaleStats, error) {
	var rows []Whale
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, types.PersistenceErrorf(err, "load known whales")
	}
	whales := make(map[string]types.WhaleStats, len(rows))
	for _, r := range rows {
		whales[r.WalletAddress] = statsFromWhale(r)
	}
	return whales, nil
}

// LoadTopWhales returns up to n ranked whales by composite score.
// Ties break toward lower risk, then earlier discovery.
func (s *Store) LoadTopWhales(ctx context.Context, n int) ([]types.WhaleStats, error) {
	var rows []Whale
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.StatusRanked)).
		Order("rank_score DESC").
		Order("risk_score ASC").
		Order("first_seen_at ASC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, types.PersistenceErrorf(err, "load top whales")
	}
	whales := make([]types.WhaleStats, 0, len(rows))
	for _, r := range rows {
		whales = append(whales, statsFromWhale(r))
	}
	return whales, nil
}

func whaleFromStats(w types.WhaleStats) Whale {
	return Whale{
		WalletAddress:   w.WalletAddress,
		TotalTrades:     w.TotalTrades,
		TotalVolumeUSD:  w.TotalVolumeUSD,
		AvgTradeSizeUSD: w.AvgTradeSizeUSD,
		TradesLast3Days: w.TradesLast3Days,
		DaysActive:      w.DaysActive,
		FirstSeenAt:     w.FirstSeenAt,
		LastActiveAt:    w.LastActiveAt,
		RiskScore:       w.RiskScore,
		RankScore:       w.RankScore,
		Status:          string(w.Status),
		IsActive:        w.IsActive,
		RealizedPnLUSD:  w.RealizedPnLUSD,
		CopiedTrades:    w.CopiedTrades,
	}
}

func statsFromWhale(r Whale) types.WhaleStats {
	return types.WhaleStats{
		WalletAddress:   r.WalletAddress,
		TotalTrades:     r.TotalTrades,
		TotalVolumeUSD:  r.TotalVolumeUSD,
		AvgTradeSizeUSD: r.AvgTradeSizeUSD,
		TradesLast3Days: r.TradesLast3Days,
		DaysActive:      r.DaysActive,
		FirstSeenAt:     r.FirstSeenAt,
		LastActiveAt:    r.LastActiveAt,
		RiskScore:       r.RiskScore,
		RankScore:       r.RankScore,
		Status:          types.WhaleStatus(r.Status),
		IsActive:        r.IsActive,
		RealizedPnLUSD:  r.RealizedPnLUSD,
		CopiedTrades:    r.CopiedTrades,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trades and snapshots
// ————————————————————————————————————————————————————————————————————————

// InsertTrade records a newly opened copy trade.
func (s *Store) InsertTrade(ctx context.Context, t *VirtualTrade) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return types.PersistenceErrorf(err, "insert trade")
	}
	return nil
}

// CloseFields is everything UpdateTradeOnClose writes.
type CloseFields struct {
	ExitPrice  decimal.Decimal
	Commission decimal.Decimal
	GasCostUSD decimal.Decimal
	GrossPnL   decimal.Decimal
	NetPnL     decimal.Decimal
	ClosedAt   time.Time
}

// UpdateTradeOnClose marks an open trade closed.
func (s *Store) UpdateTradeOnClose(ctx context.Context, tradeID string, f CloseFields) error {
	return s.closeTrade(s.db.WithContext(ctx), tradeID, f)
}

func (s *Store) closeTrade(tx *gorm.DB, tradeID string, f CloseFields) error {
	closedAt := f.ClosedAt
	res := tx.Model(&VirtualTrade{}).
		Where("id = ? AND status = ?", tradeID, "open").
		Updates(map[string]interface{}{
			"exit_price":   f.ExitPrice,
			"commission":   gorm.Expr("commission + ?", f.Commission),
			"gas_cost_usd": gorm.Expr("gas_cost_usd + ?", f.GasCostUSD),
			"gross_pnl":    f.GrossPnL,
			"net_pnl":      f.NetPnL,
			"status":       "closed",
			"closed_at":    &closedAt,
		})
	if res.Error != nil {
		return types.PersistenceErrorf(res.Error, "close trade")
	}
	if res.RowsAffected == 0 {
		return types.PersistenceErrorf(gorm.ErrRecordNotFound, "close trade "+tradeID)
	}
	return nil
}

// InsertBankrollSnapshot appends one ledger snapshot.
func (s *Store) InsertBankrollSnapshot(ctx context.Context, snap types.BankrollSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snapshotRow(snap)).Error; err != nil {
		return types.PersistenceErrorf(err, "insert snapshot")
	}
	return nil
}

// CloseTradeAndSnapshot commits a trade close and the resulting ledger
// snapshot in one transaction, so the books can never show one without
// the other.
func (s *Store) CloseTradeAndSnapshot(ctx context.Context, tradeID string, f CloseFields, snap types.BankrollSnapshot) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.closeTrade(tx, tradeID, f); err != nil {
			return err
		}
		return tx.Create(snapshotRow(snap)).Error
	})
	if err != nil {
		if errors.Is(err, types.ErrPersistence) {
			return err
		}
		return types.PersistenceErrorf(err, "close trade and snapshot")
	}
	return nil
}

// OpenTradeAndSnapshot commits a trade open and its snapshot together.
func (s *Store) OpenTradeAndSnapshot(ctx context.Context, t *VirtualTrade, snap types.BankrollSnapshot) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Create(snapshotRow(snap)).Error
	})
	if err != nil {
		return types.PersistenceErrorf(err, "open trade and snapshot")
	}
	return nil
}

func snapshotRow(snap types.BankrollSnapshot) *Snapshot {
	return &Snapshot{
		Timestamp:     snap.Timestamp,
		TotalCapital:  snap.TotalCapital,
		Allocated:     snap.Allocated,
		Available:     snap.Available,
		DailyPnL:      snap.DailyPnL,
		DailyDrawdown: snap.DailyDrawdown,
		TotalTrades:   snap.TotalTrades,
		WinCount:      snap.WinCount,
		LossCount:     snap.LossCount,
	}
}

// ListTrades returns trades filtered by status ("open", "closed", or
// "" for all), oldest first.
func (s *Store) ListTrades(ctx context.Context, status string) ([]VirtualTrade, error) {
	q := s.db.WithContext(ctx).Order("opened_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []VirtualTrade
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.PersistenceErrorf(err, "list trades")
	}
	return rows, nil
}

// ListSnapshots returns snapshots newer than since, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, since time.Time) ([]types.BankrollSnapshot, error) {
	var rows []Snapshot
	err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.PersistenceErrorf(err, "list snapshots")
	}
	snaps := make([]types.BankrollSnapshot, 0, len(rows))
	for _, r := range rows {
		snaps = append(snaps, types.BankrollSnapshot{
			Timestamp:     r.Timestamp,
			TotalCapital:  r.TotalCapital,
			Allocated:     r.Allocated,
			Available:     r.Available,
			DailyPnL:      r.DailyPnL,
			DailyDrawdown: r.DailyDrawdown,
			TotalTrades:   r.TotalTrades,
			WinCount:      r.WinCount,
			LossCount:     r.LossCount,
		})
	}
	return snaps, nil
}

// ————————————————————————————————————————————————————————————————————————
// Risk events and opportunities
// ————————————————————————————————————————————————————————————————————————

// InsertRiskEvent appends one risk decision record.
func (s *Store) InsertRiskEvent(ctx context.Context, evt types.RiskEvent) error {
	row := RiskEvent{
		Kind:       evt.Kind,
		Severity:   evt.Severity,
		Strategy:   evt.Strategy,
		MarketID:   evt.MarketID,
		Detail:     evt.Detail,
		OccurredAt: evt.OccurredAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.PersistenceErrorf(err, "insert risk event")
	}
	return nil
}

// CountRiskEvents returns the number of risk events of a severity
// recorded since the given time. The promotion gate uses it to check
// for critical kill-switch activations in the validation window.
func (s *Store) CountRiskEvents(ctx context.Context, severity string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RiskEvent{}).
		Where("severity = ? AND occurred_at >= ?", severity, since).
		Count(&count).Error
	if err != nil {
		return 0, types.PersistenceErrorf(err, "count risk events")
	}
	return count, nil
}

// InsertOpportunity appends one signal-evaluation audit row.
func (s *Store) InsertOpportunity(ctx context.Context, opp *Opportunity) error {
	if err := s.db.WithContext(ctx).Create(opp).Error; err != nil {
		return types.PersistenceErrorf(err, "insert opportunity")
	}
	return nil
}

// CountOpportunities returns audit-row counts grouped by decision and
// reason, for the final report.
func (s *Store) CountOpportunities(ctx context.Context) (map[string]int64, error) {
	type bucket struct {
		Decision string
		Reason   string
		Count    int64
	}
	var buckets []bucket
	err := s.db.WithContext(ctx).Model(&Opportunity{}).
		Select("decision, reason, count(*) as count").
		Group("decision").Group("reason").
		Scan(&buckets).Error
	if err != nil {
		return nil, types.PersistenceErrorf(err, "count opportunities")
	}
	counts := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		key := b.Decision
		if b.Reason != "" {
			key += ":" + b.Reason
		}
		counts[key] = b.Count
	}
	return counts, nil
}
