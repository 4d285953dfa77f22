package supervisor

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// GateResult is the promotion-gate verdict over one validation window.
// Win rate is deliberately not a criterion: a whale-following book can
// clear the ROI bar on few large winners.
type GateResult struct {
	Runtime        time.Duration
	Required       time.Duration
	ROI            decimal.Decimal
	MaxDrawdown    decimal.Decimal
	CriticalEvents int64

	RuntimeOK  bool
	ROIOK      bool
	DrawdownOK bool
	EventsOK   bool
	Promoted   bool
}

// evaluateGate checks every promotion criterion over the window.
func evaluateGate(cfg config.SupervisorConfig, m types.TradingMetrics, criticalEvents int64, runtime, required time.Duration) GateResult {
	g := GateResult{
		Runtime:        runtime,
		Required:       required,
		ROI:            m.ROI,
		MaxDrawdown:    m.MaxDrawdown,
		CriticalEvents: criticalEvents,
	}
	g.RuntimeOK = runtime >= required
	g.ROIOK = m.ROI.GreaterThanOrEqual(cfg.PromotionROI)
	g.DrawdownOK = m.MaxDrawdown.LessThanOrEqual(cfg.MaxDrawdown)
	g.EventsOK = criticalEvents == 0
	g.Promoted = g.RuntimeOK && g.ROIOK && g.DrawdownOK && g.EventsOK
	return g
}

func verdict(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

// writeReport prints the end-of-run summary: trading KPIs, the
// success-criteria line, the promotion-gate breakdown, and the signal
// decision audit.
func writeReport(w io.Writer, mode types.Mode, initial decimal.Decimal, m types.TradingMetrics, stats types.BankrollStats, opps map[string]int64, gate GateResult) {
	fmt.Fprintf(w, "\n========================================================\n")
	fmt.Fprintf(w, "  COPY TRADING REPORT (%s mode)\n", mode)
	fmt.Fprintf(w, "  runtime %s of %s required\n", gate.Runtime.Round(time.Minute), gate.Required)
	fmt.Fprintf(w, "========================================================\n\n")

	kpi := tablewriter.NewWriter(w)
	kpi.Header("Trades", "Wins", "Losses", "Win Rate", "Realized", "Unrealized", "Expectancy", "Balance", "ROI", "Max DD")
	kpi.Append(
		fmt.Sprintf("%d", m.TotalTrades),
		fmt.Sprintf("%d", m.WinningTrades),
		fmt.Sprintf("%d", m.LosingTrades),
		formatPct(m.WinRate),
		"$"+m.RealizedPnL.StringFixed(2),
		"$"+m.UnrealizedPnL.StringFixed(2),
		"$"+m.Expectancy.StringFixed(2),
		"$"+m.Balance.StringFixed(2),
		formatPct(m.ROI),
		formatPct(m.MaxDrawdown),
	)
	kpi.Render()

	fmt.Fprintf(w, "\n  open positions: %d, max consecutive losses: %d\n",
		stats.OpenPositions, stats.MaxConsecutiveLosses)

	target := initial.Mul(decimal.RequireFromString("1.25"))
	days := decimal.NewFromFloat(gate.Runtime.Hours() / 24).StringFixed(1)
	if m.Balance.GreaterThanOrEqual(target) {
		fmt.Fprintf(w, "  success target $%s reached after %s days\n\n", target.StringFixed(2), days)
	} else {
		fmt.Fprintf(w, "  success target $%s not reached after %s days (balance $%s)\n\n",
			target.StringFixed(2), days, m.Balance.StringFixed(2))
	}

	gt := tablewriter.NewWriter(w)
	gt.Header("Promotion Criterion", "Observed", "Verdict")
	gt.Append("runtime >= required", gate.Runtime.Round(time.Minute).String(), verdict(gate.RuntimeOK))
	gt.Append("roi >= threshold", formatPct(gate.ROI), verdict(gate.ROIOK))
	gt.Append("drawdown within bound", formatPct(gate.MaxDrawdown), verdict(gate.DrawdownOK))
	gt.Append("no critical risk events", fmt.Sprintf("%d", gate.CriticalEvents), verdict(gate.EventsOK))
	gt.Render()

	if gate.Promoted {
		fmt.Fprintf(w, "\n  PROMOTION GATE: PASSED — live trading may be enabled\n")
	} else {
		fmt.Fprintf(w, "\n  PROMOTION GATE: NOT PASSED — stay in paper mode\n")
	}

	if len(opps) > 0 {
		keys := make([]string, 0, len(opps))
		for k := range opps {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(w, "\n")
		ot := tablewriter.NewWriter(w)
		ot.Header("Signal Decision", "Count")
		for _, k := range keys {
			ot.Append(k, fmt.Sprintf("%d", opps[k]))
		}
		ot.Render()
	}
	fmt.Fprintln(w)
}

func formatPct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}
