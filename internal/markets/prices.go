package markets

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/pkg/types"
)

// quote is the last observed top of book for one asset.
type quote struct {
	bid decimal.Decimal
	ask decimal.Decimal
	at  time.Time
}

// PriceBoard caches the latest best bid and ask per asset from stream
// price changes. It is the mark source for unrealized PnL; assets with
// no observed quote simply have no mark.
type PriceBoard struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewPriceBoard returns an empty board.
func NewPriceBoard() *PriceBoard {
	return &PriceBoard{quotes: make(map[string]quote)}
}

// Update records the new top of book for the event's asset.
func (p *PriceBoard) Update(pc types.PriceChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[pc.AssetID] = quote{bid: pc.BestBid, ask: pc.BestAsk, at: pc.Timestamp}
}

// Best returns the last observed bid and ask for an asset.
func (p *PriceBoard) Best(assetID string) (bid, ask decimal.Decimal, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[assetID]
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return q.bid, q.ask, true
}

// Mid returns the midpoint of the last observed quote. A one-sided
// quote falls back to the populated side.
func (p *PriceBoard) Mid(assetID string) (decimal.Decimal, bool) {
	p.mu.RLock()
	q, ok := p.quotes[assetID]
	p.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}

	switch {
	case q.bid.IsPositive() && q.ask.IsPositive():
		return q.bid.Add(q.ask).Div(decimal.NewFromInt(2)), true
	case q.bid.IsPositive():
		return q.bid, true
	case q.ask.IsPositive():
		return q.ask, true
	default:
		return decimal.Zero, false
	}
}

// Len reports how many assets currently have a quote.
func (p *PriceBoard) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.quotes)
}
