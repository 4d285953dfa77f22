// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — trade sides, whale
// records, copy signals, ledger snapshots, and WebSocket event payloads.
// It has no dependencies on internal packages, so it can be imported by
// any layer. All money fields are decimals; raw JSON keeps the string form.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Mode selects the execution backend.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// WhaleStatus is the pipeline stage of an observed address.
// Transitions only move forward (rejected is a terminal sibling of
// qualified); the one permitted backward edge is the explicit
// qualified → discovered demotion when thresholds stop holding.
type WhaleStatus string

const (
	StatusDiscovered WhaleStatus = "discovered"
	StatusQualified  WhaleStatus = "qualified"
	StatusRanked     WhaleStatus = "ranked"
	StatusRejected   WhaleStatus = "rejected"
)

// Rank orders statuses for forward-only persistence checks.
func (s WhaleStatus) Rank() int {
	switch s {
	case StatusDiscovered:
		return 1
	case StatusQualified:
		return 2
	case StatusRanked:
		return 3
	case StatusRejected:
		return 2 // terminal sibling of qualified
	default:
		return 0
	}
}

// ConnState is the StreamClient connection lifecycle state.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnDegraded     ConnState = "degraded"
)

// ————————————————————————————————————————————————————————————————————————
// Whale pipeline
// ————————————————————————————————————————————————————————————————————————

// WhaleStats is the derived activity record for one trader address.
// It is the unit the tracker computes, the store persists, and the
// detector ranks. RiskScore is 1..10, lower is better. A per-trade
// win flag is not observable from the public feed, so no win rate is
// carried here; RealizedPnLUSD sums only our own copied trades.
type WhaleStats struct {
	WalletAddress   string
	TotalTrades     int
	TotalVolumeUSD  decimal.Decimal
	AvgTradeSizeUSD decimal.Decimal
	TradesLast3Days int
	DaysActive      int
	FirstSeenAt     time.Time
	LastActiveAt    time.Time
	RiskScore       int
	RankScore       decimal.Decimal // composite score within the last ranked cohort
	Status          WhaleStatus
	IsActive        bool
	RealizedPnLUSD  decimal.Decimal
	CopiedTrades    int
}

// WhaleTrade is one observed trade attributed to a whale.
// ExternalID is the dedup key (transaction hash from the data feed).
type WhaleTrade struct {
	WhaleAddress string
	MarketID     string
	Side         Side
	SizeUSD      decimal.Decimal
	Price        decimal.Decimal
	TradedAt     time.Time
	ExternalID   string
}

// WhaleSignal is the normalized trading intent the detector hands to
// the copy engine: one whale trade plus the whale's stats at the time
// the signal was produced.
type WhaleSignal struct {
	Trade      WhaleTrade
	Stats      WhaleStats
	RankScore  decimal.Decimal // normalized 0..1 within the current cohort
	DetectedAt time.Time
}

// WhaleEventKind tags detector pipeline notifications.
type WhaleEventKind string

const (
	WhaleDiscovered WhaleEventKind = "discovered"
	WhaleQualified  WhaleEventKind = "qualified"
	WhaleRanked     WhaleEventKind = "ranked"
	WhaleDemoted    WhaleEventKind = "demoted"
	WhaleInactive   WhaleEventKind = "inactive"
)

// WhaleEvent is emitted on every pipeline transition.
type WhaleEvent struct {
	Kind  WhaleEventKind
	Whale WhaleStats
}

// ————————————————————————————————————————————————————————————————————————
// Copy trading
// ————————————————————————————————————————————————————————————————————————

// CopyPosition is an open copied position inside the engine. At most
// one exists per (whale, market, side); an opposite-side signal from
// the same whale closes it rather than reversing.
type CopyPosition struct {
	PositionID      string // UUID
	TradeID         string // UUID of the persisted trade record
	WhaleAddress    string
	MarketID        string
	Side            Side
	SizeUSD         decimal.Decimal
	EntryPrice      decimal.Decimal
	OpenedAt        time.Time
	WhaleRiskScore  int
	Mode            Mode
}

// Fill is the executor's authoritative post-trade report.
type Fill struct {
	Price      decimal.Decimal
	Commission decimal.Decimal
	GasCostUSD decimal.Decimal
	ExternalID string
}

// BankrollSnapshot is a point-in-time ledger state. The invariant
// TotalCapital = Allocated + Available holds for every snapshot.
type BankrollSnapshot struct {
	Timestamp     time.Time
	TotalCapital  decimal.Decimal
	Allocated     decimal.Decimal
	Available     decimal.Decimal
	DailyPnL      decimal.Decimal
	DailyDrawdown decimal.Decimal
	TotalTrades   int
	WinCount      int
	LossCount     int
}

// BankrollStats is the derived view returned by VirtualBankroll.Stats.
type BankrollStats struct {
	InitialBankroll      decimal.Decimal
	TotalCapital         decimal.Decimal
	Available            decimal.Decimal
	Allocated            decimal.Decimal
	TotalTrades          int
	WinCount             int
	LossCount            int
	WinRate              decimal.Decimal
	ROI                  decimal.Decimal
	DailyPnL             decimal.Decimal
	MaxConsecutiveLosses int
	OpenPositions        int
}

// TradingMetrics is the aggregator's read-over-store report.
// All values derive from persisted rows only, so they survive restart.
type TradingMetrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       decimal.Decimal
	ROI           decimal.Decimal
	Expectancy    decimal.Decimal
	MaxDrawdown   decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Balance       decimal.Decimal
	LastUpdate    time.Time
}

// RiskEvent is a persisted risk decision or kill-switch activation.
type RiskEvent struct {
	Kind       string // e.g. "risk_block", "kill_switch", "degraded"
	Severity   string // "info", "warning", "critical"
	Strategy   string
	MarketID   string
	Detail     string
	OccurredAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Data API records
// ————————————————————————————————————————————————————————————————————————

// TradeRecord is one trade row from GET /trades on the public data API.
// Money fields arrive as JSON numbers or strings; the client normalizes
// them to decimals before anything downstream sees them.
type TradeRecord struct {
	Trader      string          // proxy wallet address, lowercased
	TxHash      string
	AssetID     string
	ConditionID string
	Side        Side
	Size        decimal.Decimal // tokens
	Price       decimal.Decimal // 0..1
	SizeUSD     decimal.Decimal // size × price
	Timestamp   time.Time
	MarketTitle string
	Outcome     string
}

// PositionRecord is one row from GET /positions.
type PositionRecord struct {
	Trader       string
	AssetID      string
	ConditionID  string
	Size         decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentValue decimal.Decimal
	CashPnL      decimal.Decimal
}

// MarketSummary is the slice of market metadata the bot consumes:
// enough to pick active markets and map them to stream asset IDs.
type MarketSummary struct {
	ConditionID  string
	Question     string
	Slug         string
	Active       bool
	Closed       bool
	OpenInterest decimal.Decimal
	Volume24h    decimal.Decimal
	AssetIDs     []string // CLOB token IDs, YES first
	EndDate      time.Time
}

// TradeFilter narrows GET /trades queries. Zero values mean "no filter".
type TradeFilter struct {
	User   string
	Market string
	Since  time.Time
	Limit  int // per-page cap, API maximum 1000
}

// ————————————————————————————————————————————————————————————————————————
// Stream events (consumer taxonomy)
// ————————————————————————————————————————————————————————————————————————

// MarketTrade is a parsed trade print from the market stream.
type MarketTrade struct {
	AssetID      string
	Side         Side
	Size         decimal.Decimal
	Price        decimal.Decimal
	TakerAddress string
	Timestamp    time.Time
}

// PriceChange carries the new top of book for an asset.
type PriceChange struct {
	AssetID   string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

// BookLevel is a single bid or ask level. Prices and sizes stay in the
// wire string form until a consumer needs arithmetic on them.
type BookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderbookDelta is an order book update for one asset.
type OrderbookDelta struct {
	AssetID   string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// Heartbeat marks liveness of the stream (a PONG or any inbound frame).
type Heartbeat struct {
	Timestamp time.Time
}

// ConnectionStateChange reports stream lifecycle transitions, including
// the degraded state emitted when backpressure forces event drops.
type ConnectionStateChange struct {
	State  ConnState
	Reason string
}

// StreamHandler is the single consumer the StreamClient delivers parsed
// events to. It is mandatory at construction; there is no unset-callback
// path.
type StreamHandler interface {
	OnMarketTrade(MarketTrade)
	OnPriceChange(PriceChange)
	OnBookDelta(OrderbookDelta)
	OnHeartbeat(Heartbeat)
	OnConnectionState(ConnectionStateChange)
}

// ————————————————————————————————————————————————————————————————————————
// Stream wire formats
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames on the market WebSocket.
// Frames may arrive as a single object or an array of objects, and may
// be brotli-compressed.

// WSSubscribeMsg is the initial subscription sent after connecting.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "market"
	AssetIDs []string `json:"assets_ids"`
}

// WSUpdateMsg subscribes or unsubscribes assets on a live connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// WSMarketTrade is the wire form of a trade print.
type WSMarketTrade struct {
	EventType string `json:"event_type"` // "trade"
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Taker     string `json:"taker,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WSPriceChange is the wire form of a top-of-book change.
type WSPriceChange struct {
	EventType string `json:"event_type"` // "price_change"
	AssetID   string `json:"asset_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Timestamp string `json:"timestamp"`
}

// WSBookEvent is the wire form of an order book update.
type WSBookEvent struct {
	EventType string      `json:"event_type"` // "book"
	AssetID   string      `json:"asset_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}
