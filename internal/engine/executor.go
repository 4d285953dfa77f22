package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/paper"
	"polycopy/pkg/types"
)

// OpenResult is the executor's report for a filled open.
type OpenResult struct {
	TradeID string
	Fill    types.Fill
}

// CloseOutcome is the executor's report for a filled close.
type CloseOutcome struct {
	Fill     types.Fill
	GrossPnL decimal.Decimal
	NetPnL   decimal.Decimal
}

// Executor is the execution backend behind the copy engine. The paper
// implementation settles against the virtual bankroll; a live
// implementation routes to the gasless Builder endpoint.
type Executor interface {
	Mode() types.Mode
	Open(ctx context.Context, marketID string, side types.Side, size, price decimal.Decimal, whaleSource string) (OpenResult, error)
	Close(ctx context.Context, pos types.CopyPosition, exitPrice decimal.Decimal) (CloseOutcome, error)
}

// PaperExecutor fills orders instantly at the signal price against the
// virtual bankroll. Commission and gas come from config, not a fee feed.
type PaperExecutor struct {
	bankroll *paper.VirtualBankroll
	cfg      config.SizingConfig
}

// NewPaperExecutor wires the paper backend.
func NewPaperExecutor(bankroll *paper.VirtualBankroll, cfg config.SizingConfig) *PaperExecutor {
	return &PaperExecutor{bankroll: bankroll, cfg: cfg}
}

func (e *PaperExecutor) Mode() types.Mode { return types.ModePaper }

func (e *PaperExecutor) Open(ctx context.Context, marketID string, side types.Side, size, price decimal.Decimal, whaleSource string) (OpenResult, error) {
	tradeID, err := e.bankroll.OpenPosition(ctx, marketID, side, size, price, e.cfg.CommissionRate, e.cfg.GasCostUSD, whaleSource)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{
		TradeID: tradeID,
		Fill: types.Fill{
			Price:      price,
			Commission: size.Mul(e.cfg.CommissionRate),
			GasCostUSD: e.cfg.GasCostUSD,
		},
	}, nil
}

func (e *PaperExecutor) Close(ctx context.Context, pos types.CopyPosition, exitPrice decimal.Decimal) (CloseOutcome, error) {
	res, err := e.bankroll.ClosePosition(ctx, pos.TradeID, exitPrice, e.cfg.CommissionRate, e.cfg.GasCostUSD)
	if err != nil {
		return CloseOutcome{}, err
	}
	return CloseOutcome{
		Fill: types.Fill{
			Price:      exitPrice,
			Commission: pos.SizeUSD.Mul(e.cfg.CommissionRate),
			GasCostUSD: e.cfg.GasCostUSD,
		},
		GrossPnL: res.GrossPnL,
		NetPnL:   res.NetPnL,
	}, nil
}
