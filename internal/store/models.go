package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Models

// Whale is the persisted statistics record for one trader address.
// WalletAddress is the natural key; FirstSeenAt is write-once and
// Status only moves forward (demotion goes through DemoteWhale).
type Whale struct {
	WalletAddress   string          `gorm:"primaryKey"`
	TotalTrades     int
	TotalVolumeUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgTradeSizeUSD decimal.Decimal `gorm:"type:decimal(20,6)"`
	TradesLast3Days int
	DaysActive      int
	FirstSeenAt     time.Time
	LastActiveAt    time.Time
	RiskScore       int
	RankScore       decimal.Decimal `gorm:"type:decimal(10,6)"`
	Status          string          `gorm:"index"`
	IsActive        bool
	RealizedPnLUSD  decimal.Decimal `gorm:"column:realized_pnl_usd;type:decimal(20,6)"`
	CopiedTrades    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WhaleFill is one observed whale trade. ExternalID (the transaction
// hash) carries a unique index so re-ingesting a feed page is a no-op.
type WhaleFill struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	ExternalID   string          `gorm:"uniqueIndex"`
	WhaleAddress string          `gorm:"index"`
	MarketID     string          `gorm:"index"`
	Side         string
	SizeUSD      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price        decimal.Decimal `gorm:"type:decimal(10,6)"`
	TradedAt     time.Time       `gorm:"index"`
	CreatedAt    time.Time
}

// VirtualTrade is one copied trade in the paper (or live) ledger.
type VirtualTrade struct {
	ID           string          `gorm:"primaryKey"` // UUID
	WhaleAddress string          `gorm:"index"`
	MarketID     string          `gorm:"index"`
	Side         string
	SizeUSD      decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Commission   decimal.Decimal `gorm:"type:decimal(20,6)"`
	GasCostUSD   decimal.Decimal `gorm:"type:decimal(20,6)"`
	GrossPnL     decimal.Decimal `gorm:"column:gross_pnl;type:decimal(20,6)"`
	NetPnL       decimal.Decimal `gorm:"column:net_pnl;type:decimal(20,6)"`
	Status       string          `gorm:"index"` // "open" or "closed"
	Mode         string
	OpenedAt     time.Time
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Snapshot is a point-in-time bankroll state.
type Snapshot struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	Timestamp     time.Time       `gorm:"index"`
	TotalCapital  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Allocated     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Available     decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyPnL      decimal.Decimal `gorm:"column:daily_pnl;type:decimal(20,6)"`
	DailyDrawdown decimal.Decimal `gorm:"type:decimal(10,6)"`
	TotalTrades   int
	WinCount      int
	LossCount     int
}

// RiskEvent is a persisted risk decision or kill-switch activation.
type RiskEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Kind       string `gorm:"index"`
	Severity   string
	Strategy   string
	MarketID   string
	Detail     string
	OccurredAt time.Time `gorm:"index"`
}

// Opportunity is the audit row written for every signal the engine
// evaluated, copied or not. It is the raw material for the skip-reason
// breakdown in the final report.
type Opportunity struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	WhaleAddress string          `gorm:"index"`
	MarketID     string          `gorm:"index"`
	Side         string
	SignalPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	Decision     string          `gorm:"index"` // "copied" or "skipped"
	Reason       string
	SizeUSD      decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt    time.Time
}
