// Package markets keeps the stream subscription set pointed at the
// most active markets.
//
// The scanner polls the data API for active-market metadata, picks the
// top K by open interest, and diffs the result against the current
// stream subscriptions so only the delta is sent over the socket. It
// also owns the asset-to-market mapping the rest of the bot needs to
// attribute stream events to a market.
package markets

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// MarketLister is the data API surface the scanner reads.
type MarketLister interface {
	GetMarkets(ctx context.Context, activeOnly bool) ([]types.MarketSummary, error)
}

// Subscriber is the stream surface the scanner drives.
type Subscriber interface {
	Subscribe(assetIDs []string) error
	Unsubscribe(assetIDs []string) error
}

// Scanner maintains the active market set and its stream subscriptions.
type Scanner struct {
	data   MarketLister
	subs   Subscriber
	cfg    config.MarketsConfig
	logger *slog.Logger

	mu         sync.RWMutex
	active     map[string]types.MarketSummary // conditionID → summary
	byAsset    map[string]string              // assetID → conditionID
	subscribed map[string]struct{}
}

// NewScanner wires a scanner over the data API and the stream client.
func NewScanner(data MarketLister, subs Subscriber, cfg config.MarketsConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		data:       data,
		subs:       subs,
		cfg:        cfg,
		logger:     logger.With("component", "markets"),
		active:     make(map[string]types.MarketSummary),
		byAsset:    make(map[string]string),
		subscribed: make(map[string]struct{}),
	}
}

// Run scans immediately, then on every poll tick until ctx ends.
func (s *Scanner) Run(ctx context.Context) {
	s.Scan(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan refreshes the active set once. Exported so the supervisor can
// force the initial subscription before the stream opens.
func (s *Scanner) Scan(ctx context.Context) {
	markets, err := s.data.GetMarkets(ctx, true)
	if err != nil {
		s.logger.Error("market scan failed", "error", err)
		return
	}

	selected := selectTopMarkets(markets, s.cfg.TopK)

	desired := make(map[string]types.MarketSummary, len(selected))
	desiredAssets := make(map[string]string)
	for _, m := range selected {
		desired[m.ConditionID] = m
		for _, asset := range m.AssetIDs {
			desiredAssets[asset] = m.ConditionID
		}
	}

	s.mu.Lock()
	var added, removed []string
	for asset := range desiredAssets {
		if _, ok := s.subscribed[asset]; !ok {
			added = append(added, asset)
		}
	}
	for asset := range s.subscribed {
		if _, ok := desiredAssets[asset]; !ok {
			removed = append(removed, asset)
		}
	}
	s.active = desired
	s.byAsset = desiredAssets
	for _, a := range added {
		s.subscribed[a] = struct{}{}
	}
	for _, a := range removed {
		delete(s.subscribed, a)
	}
	s.mu.Unlock()

	if len(added) > 0 {
		if err := s.subs.Subscribe(added); err != nil {
			s.logger.Error("subscribe failed", "assets", len(added), "error", err)
		}
	}
	if len(removed) > 0 {
		if err := s.subs.Unsubscribe(removed); err != nil {
			s.logger.Error("unsubscribe failed", "assets", len(removed), "error", err)
		}
	}

	s.logger.Info("market scan complete",
		"fetched", len(markets), "selected", len(selected),
		"subscribed", len(added), "unsubscribed", len(removed))
}

// MarketForAsset maps a stream asset ID to its market condition ID.
func (s *Scanner) MarketForAsset(assetID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAsset[assetID]
	return id, ok
}

// TokenFor returns the primary (YES) token for a market. Satisfies the
// live executor's token resolver.
func (s *Scanner) TokenFor(marketID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.active[marketID]
	if !ok || len(m.AssetIDs) == 0 {
		return "", false
	}
	return m.AssetIDs[0], true
}

// ActiveMarkets returns a snapshot of the current selection.
func (s *Scanner) ActiveMarkets() []types.MarketSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.MarketSummary, 0, len(s.active))
	for _, m := range s.active {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenInterest.GreaterThan(out[j].OpenInterest)
	})
	return out
}

// selectTopMarkets filters to tradable markets and keeps the top K by
// open interest, ties broken by 24h volume.
func selectTopMarkets(markets []types.MarketSummary, topK int) []types.MarketSummary {
	var eligible []types.MarketSummary
	for _, m := range markets {
		if !m.Active || m.Closed || len(m.AssetIDs) == 0 {
			continue
		}
		eligible = append(eligible, m)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].OpenInterest.Equal(eligible[j].OpenInterest) {
			return eligible[i].OpenInterest.GreaterThan(eligible[j].OpenInterest)
		}
		return eligible[i].Volume24h.GreaterThan(eligible[j].Volume24h)
	})

	if topK > 0 && len(eligible) > topK {
		eligible = eligible[:topK]
	}
	return eligible
}
