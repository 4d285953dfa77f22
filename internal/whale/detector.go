// detector.go drives the discovery → qualification → ranking pipeline.
//
// The detector's in-memory whale set is a cache over the Store, primed
// by LoadKnownWhales at startup. Every transition is persisted before
// it is reflected in the cache, so a crash can never leave the cache
// ahead of the Store.
package whale

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const eventBuffer = 64

// topNBlockTimeout bounds how long a top-N signal may block on a full
// engine channel before a degraded risk event is recorded.
const topNBlockTimeout = time.Second

// Detector watches the trade feed for candidate addresses and promotes
// them through the pipeline on a polling cadence.
type Detector struct {
	tracker *Tracker
	store   *store.Store
	cfg     config.DetectorConfig
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	known      map[string]types.WhaleStats
	top        []types.WhaleStats
	topSet     map[string]bool
	candidates map[string]*candidate
	blockers   map[string]int // last cycle's gate-failure counts

	signals chan types.WhaleSignal
	events  chan types.WhaleEvent
}

// candidate counts same-day observations of a not-yet-discovered
// address.
type candidate struct {
	day    string
	trades int
}

// NewDetector creates a detector. Prime must be called before Run.
func NewDetector(tracker *Tracker, st *store.Store, cfg config.DetectorConfig, logger *slog.Logger) *Detector {
	buffer := cfg.SignalBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Detector{
		tracker:    tracker,
		store:      st,
		cfg:        cfg,
		logger:     logger.With("component", "detector"),
		now:        time.Now,
		known:      make(map[string]types.WhaleStats),
		topSet:     make(map[string]bool),
		candidates: make(map[string]*candidate),
		blockers:   make(map[string]int),
		signals:    make(chan types.WhaleSignal, buffer),
		events:     make(chan types.WhaleEvent, eventBuffer),
	}
}

// Signals is the bounded channel of copy signals consumed by the engine.
func (d *Detector) Signals() <-chan types.WhaleSignal { return d.signals }

// Events emits a notification on every pipeline transition.
func (d *Detector) Events() <-chan types.WhaleEvent { return d.events }

// Prime loads the persisted whale set into the cache.
func (d *Detector) Prime(ctx context.Context) error {
	known, err := d.store.LoadKnownWhales(ctx)
	if err != nil {
		return err
	}
	top, err := d.store.LoadTopWhales(ctx, d.cfg.Ranking.TopN)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.known = known
	d.top = top
	d.topSet = make(map[string]bool, len(top))
	for _, w := range top {
		d.topSet[w.WalletAddress] = true
	}
	d.mu.Unlock()

	d.logger.Info("detector primed", "known_whales", len(known), "top", len(top))
	return nil
}

// Run executes the polling loop until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.refreshCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("refresh cycle failed", "error", err)
			}
		}
	}
}

// ObserveTrade is the stream fan-out entry point. Trades from tracked
// whales become copy signals; trades from unknown addresses accumulate
// toward the daily discovery threshold.
func (d *Detector) ObserveTrade(ctx context.Context, trade types.MarketTrade, marketID string) {
	address := strings.ToLower(trade.TakerAddress)
	if address == "" {
		return
	}
	sizeUSD := trade.Size.Mul(trade.Price)
	if sizeUSD.LessThan(d.cfg.MinTradeSizeUSD) {
		return
	}

	d.mu.RLock()
	stats, seen := d.known[address]
	d.mu.RUnlock()

	if !seen {
		d.observeCandidate(ctx, address, trade.Timestamp)
		return
	}

	if stats.Status != types.StatusQualified && stats.Status != types.StatusRanked {
		return
	}

	fill := types.WhaleTrade{
		WhaleAddress: address,
		MarketID:     marketID,
		Side:         trade.Side,
		SizeUSD:      sizeUSD,
		Price:        trade.Price,
		TradedAt:     trade.Timestamp,
		ExternalID:   streamExternalID(trade),
	}
	inserted, err := d.store.InsertWhaleFill(ctx, fill)
	if err != nil {
		d.logger.Error("persist whale fill", "whale", address, "error", err)
		return
	}
	if !inserted {
		return // already seen via the data API
	}

	d.sendSignal(ctx, types.WhaleSignal{
		Trade:      fill,
		Stats:      stats,
		RankScore:  stats.RankScore,
		DetectedAt: d.now().UTC(),
	})
}

// observeCandidate counts same-day trades for an unseen address and
// persists the discovery once the daily threshold is crossed.
func (d *Detector) observeCandidate(ctx context.Context, address string, at time.Time) {
	day := at.UTC().Format("2006-01-02")

	d.mu.Lock()
	c := d.candidates[address]
	if c == nil || c.day != day {
		c = &candidate{day: day}
		d.candidates[address] = c
	}
	c.trades++
	crossed := c.trades >= d.cfg.DailyTradeThreshold
	d.mu.Unlock()

	if !crossed {
		return
	}

	stats := types.WhaleStats{
		WalletAddress: address,
		Status:        types.StatusDiscovered,
		FirstSeenAt:   at,
		LastActiveAt:  at,
		RiskScore:     RiskScore(decimal.Zero, 0, 0),
		IsActive:      true,
	}
	if err := d.tracker.Persist(ctx, stats); err != nil {
		d.logger.Error("persist discovery", "whale", address, "error", err)
		return
	}

	d.mu.Lock()
	d.known[address] = stats
	delete(d.candidates, address)
	d.mu.Unlock()

	d.emit(types.WhaleEvent{Kind: types.WhaleDiscovered, Whale: stats})
	d.logger.Info("whale discovered", "address", address)
}

// refreshCycle re-evaluates every known address, then re-ranks the
// qualified cohort and refreshes the top-N view.
func (d *Detector) refreshCycle(ctx context.Context) error {
	d.mu.RLock()
	addresses := make([]string, 0, len(d.known))
	for addr := range d.known {
		addresses = append(addresses, addr)
	}
	d.mu.RUnlock()

	blockers := make(map[string]int)
	var cohort []types.WhaleStats

	for _, addr := range addresses {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stats, err := d.tracker.Refresh(ctx, addr)
		if err != nil {
			d.logger.Warn("refresh failed", "whale", addr, "error", err)
			continue
		}

		d.mu.RLock()
		prev := d.known[addr]
		d.mu.RUnlock()
		if prev.Status == types.StatusRejected {
			continue
		}

		stats.Status = prev.Status
		stats.RankScore = prev.RankScore
		stats.RealizedPnLUSD = prev.RealizedPnLUSD
		stats.CopiedTrades = prev.CopiedTrades

		qualified, failed := d.tracker.IsQualifyingWhale(stats)
		for _, gate := range failed {
			blockers[gate]++
		}

		switch {
		case qualified && prev.Status == types.StatusDiscovered:
			stats.Status = types.StatusQualified
			if err := d.persistAndCache(ctx, stats); err != nil {
				return err
			}
			d.emit(types.WhaleEvent{Kind: types.WhaleQualified, Whale: stats})

		case !qualified && (prev.Status == types.StatusQualified || prev.Status == types.StatusRanked):
			stats.Status = types.StatusDiscovered
			if err := d.tracker.Persist(ctx, stats); err != nil {
				return err
			}
			if err := d.store.DemoteWhale(ctx, addr); err != nil {
				return err
			}
			d.cache(stats)
			d.emit(types.WhaleEvent{Kind: types.WhaleDemoted, Whale: stats})

		case !qualified && !stats.IsActive && prev.Status == types.StatusDiscovered:
			stats.Status = types.StatusRejected
			if err := d.persistAndCache(ctx, stats); err != nil {
				return err
			}
			d.emit(types.WhaleEvent{Kind: types.WhaleInactive, Whale: stats})

		default:
			if err := d.persistAndCache(ctx, stats); err != nil {
				return err
			}
		}

		if stats.Status == types.StatusQualified || stats.Status == types.StatusRanked {
			cohort = append(cohort, stats)
		}
	}

	if err := d.rankCohort(ctx, cohort); err != nil {
		return err
	}

	d.mu.Lock()
	d.blockers = blockers
	d.mu.Unlock()

	if len(blockers) > 0 {
		d.persistBlockerReport(ctx, blockers)
	}
	return nil
}

// rankCohort scores the qualified cohort, promotes everyone scored to
// ranked, and refreshes the top-N cache.
func (d *Detector) rankCohort(ctx context.Context, cohort []types.WhaleStats) error {
	if len(cohort) == 0 {
		return nil
	}

	ranked := Rank(cohort, d.cfg.Ranking, d.now().UTC())

	newlyRanked := make([]types.WhaleStats, 0, len(ranked))
	for i := range ranked {
		wasRanked := ranked[i].Status == types.StatusRanked
		ranked[i].Status = types.StatusRanked
		if err := d.persistAndCache(ctx, ranked[i]); err != nil {
			return err
		}
		if !wasRanked {
			newlyRanked = append(newlyRanked, ranked[i])
		}
	}

	topN := d.cfg.Ranking.TopN
	if topN > len(ranked) {
		topN = len(ranked)
	}
	top := ranked[:topN]

	d.mu.Lock()
	d.top = top
	d.topSet = make(map[string]bool, len(top))
	for _, w := range top {
		d.topSet[w.WalletAddress] = true
	}
	d.mu.Unlock()

	for _, w := range newlyRanked {
		d.emit(types.WhaleEvent{Kind: types.WhaleRanked, Whale: w})
	}
	return nil
}

// TopWhales returns the current top-N view, refreshed at most once per
// polling cycle.
func (d *Detector) TopWhales(n int) []types.WhaleStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n > len(d.top) {
		n = len(d.top)
	}
	out := make([]types.WhaleStats, n)
	copy(out, d.top[:n])
	return out
}

// BlockerReport returns the last cycle's gate-failure counts.
func (d *Detector) BlockerReport() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.blockers))
	for k, v := range d.blockers {
		out[k] = v
	}
	return out
}

// RecordCopyOutcome feeds realized PnL from our own copied trades back
// into the whale's record.
func (d *Detector) RecordCopyOutcome(ctx context.Context, address string, netPnL decimal.Decimal) {
	d.mu.Lock()
	stats, ok := d.known[address]
	if ok {
		stats.RealizedPnLUSD = stats.RealizedPnLUSD.Add(netPnL)
		stats.CopiedTrades++
		d.known[address] = stats
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := d.tracker.Persist(ctx, stats); err != nil {
		d.logger.Error("persist copy outcome", "whale", address, "error", err)
	}
}

func (d *Detector) persistAndCache(ctx context.Context, stats types.WhaleStats) error {
	if err := d.tracker.Persist(ctx, stats); err != nil {
		return err
	}
	d.cache(stats)
	return nil
}

func (d *Detector) cache(stats types.WhaleStats) {
	d.mu.Lock()
	d.known[stats.WalletAddress] = stats
	d.mu.Unlock()
}

// sendSignal delivers to the bounded engine channel. Signals for
// whales outside the top-N are dropped on overflow; top-N signals
// block, logging a degraded risk event if blocking exceeds a second.
func (d *Detector) sendSignal(ctx context.Context, sig types.WhaleSignal) {
	select {
	case d.signals <- sig:
		return
	default:
	}

	d.mu.RLock()
	isTop := d.topSet[sig.Trade.WhaleAddress]
	d.mu.RUnlock()

	if !isTop {
		d.logger.Warn("signal buffer full, dropping non-top-N signal",
			"whale", sig.Trade.WhaleAddress)
		return
	}

	timer := time.NewTimer(topNBlockTimeout)
	defer timer.Stop()
	for {
		select {
		case d.signals <- sig:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			d.logger.Warn("top-N signal blocked on full engine channel",
				"whale", sig.Trade.WhaleAddress)
			if err := d.store.InsertRiskEvent(ctx, types.RiskEvent{
				Kind:       "degraded",
				Severity:   "warning",
				Strategy:   "copy",
				MarketID:   sig.Trade.MarketID,
				Detail:     "signal delivery blocked over 1s",
				OccurredAt: d.now().UTC(),
			}); err != nil {
				d.logger.Error("persist degraded event", "error", err)
			}
		}
	}
}

func (d *Detector) emit(evt types.WhaleEvent) {
	select {
	case d.events <- evt:
	default:
		d.logger.Warn("event channel full, dropping event", "kind", evt.Kind)
	}
}

func (d *Detector) persistBlockerReport(ctx context.Context, blockers map[string]int) {
	detail, err := json.Marshal(blockers)
	if err != nil {
		return
	}
	if err := d.store.InsertRiskEvent(ctx, types.RiskEvent{
		Kind:       "blocker_report",
		Severity:   "info",
		Strategy:   "detector",
		Detail:     string(detail),
		OccurredAt: d.now().UTC(),
	}); err != nil {
		d.logger.Error("persist blocker report", "error", err)
	}
}

// streamExternalID builds a stable dedup key for trades observed on
// the stream, which carry no transaction hash.
func streamExternalID(trade types.MarketTrade) string {
	return "ws:" + trade.TakerAddress + ":" + trade.AssetID + ":" +
		trade.Timestamp.UTC().Format(time.RFC3339) + ":" + trade.Size.String() + ":" + trade.Price.String()
}
