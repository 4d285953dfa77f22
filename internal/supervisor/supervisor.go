// Package supervisor is the composition root.
//
// It boots the subsystems in dependency order, runs the bounded
// paper-trading (or live) session, and enforces the promotion gate:
// store, data client, whale pipeline, stream, risk, ledger, engine,
// then the background loops. Shutdown reverses the order within a
// grace period and ends with the final report.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/dataapi"
	"polycopy/internal/engine"
	"polycopy/internal/markets"
	"polycopy/internal/metrics"
	"polycopy/internal/paper"
	"polycopy/internal/risk"
	"polycopy/internal/store"
	"polycopy/internal/stream"
	"polycopy/internal/whale"
	"polycopy/pkg/types"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitPersistence = 2
	ExitPromotion   = 3
)

// Supervisor owns the session lifecycle.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	now    func() time.Time
}

// New creates a supervisor for a validated config.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		out:    os.Stdout,
		now:    time.Now,
	}
}

// streamRouter fans parsed stream events out to their consumers:
// trades to the whale detector, price changes to the mark board.
// Per-asset broker order is preserved because the stream client
// dispatches from a single loop.
type streamRouter struct {
	ctx      context.Context
	scanner  *markets.Scanner
	detector *whale.Detector
	board    *markets.PriceBoard
	logger   *slog.Logger
}

func (r *streamRouter) OnMarketTrade(mt types.MarketTrade) {
	marketID, ok := r.scanner.MarketForAsset(mt.AssetID)
	if !ok {
		return
	}
	r.detector.ObserveTrade(r.ctx, mt, marketID)
}

func (r *streamRouter) OnPriceChange(pc types.PriceChange) {
	r.board.Update(pc)
}

func (r *streamRouter) OnBookDelta(types.OrderbookDelta) {}

func (r *streamRouter) OnHeartbeat(types.Heartbeat) {}

func (r *streamRouter) OnConnectionState(sc types.ConnectionStateChange) {
	switch sc.State {
	case types.ConnConnected:
		r.logger.Info("stream connected")
	case types.ConnDegraded:
		r.logger.Warn("stream degraded", "reason", sc.Reason)
	default:
		r.logger.Info("stream state", "state", sc.State, "reason", sc.Reason)
	}
}

// Run executes one bounded session and returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	cfg := s.cfg
	start := s.now().UTC()
	duration := cfg.SessionDuration()

	st, err := store.Open(cfg.Store.DSN, s.logger)
	if err != nil {
		s.logger.Error("open store", "error", err)
		return ExitPersistence
	}
	defer st.Close()

	data := dataapi.NewClient(cfg.DataAPI, cfg.API.DataBaseURL, s.logger)

	// Live mode requires a qualifying paper history before anything
	// connects.
	if cfg.Mode == types.ModeLive {
		if code := s.checkLivePromotion(ctx, st, duration); code != ExitOK {
			return code
		}
	}

	board := markets.NewPriceBoard()
	tracker := whale.NewTracker(data, st, cfg.Detector, s.logger)
	detector := whale.NewDetector(tracker, st, cfg.Detector, s.logger)

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	router := &streamRouter{
		ctx:      runCtx,
		detector: detector,
		board:    board,
		logger:   s.logger,
	}
	streamCl := stream.New(cfg.API.WSMarketURL, cfg.Stream, router, s.logger)
	scanner := markets.NewScanner(data, streamCl, cfg.Markets, s.logger)
	router.scanner = scanner

	if err := detector.Prime(ctx); err != nil {
		s.logger.Error("prime detector", "error", err)
		return ExitPersistence
	}

	// The initial scan registers the top-K subscription set so the
	// stream subscribes on its first connect.
	scanner.Scan(runCtx)
	if err := streamCl.Open(runCtx); err != nil {
		s.logger.Error("open stream", "error", err)
		return ExitConfig
	}
	defer streamCl.Close()

	bankroll := paper.NewVirtualBankroll(cfg.InitialBankroll, st, s.logger)
	riskMgr := risk.NewManager(cfg.Risk, cfg.InitialBankroll, st, s.logger)

	exec, err := s.buildExecutor(bankroll, scanner)
	if err != nil {
		s.logger.Error("build executor", "error", err)
		return ExitConfig
	}
	copyEng := engine.NewCopyEngine(cfg.Sizing, cfg.Copy, exec, riskMgr, bankroll, st, detector, s.logger)

	markFor := func(marketID string) (decimal.Decimal, bool) {
		tok, ok := scanner.TokenFor(marketID)
		if !ok {
			return decimal.Zero, false
		}
		return board.Mid(tok)
	}
	agg := metrics.NewAggregator(st, bankroll, cfg.InitialBankroll, markFor, cfg.Supervisor.MetricsInterval, s.logger)

	var wg sync.WaitGroup
	spawn := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(runCtx)
		}()
	}
	spawn(scanner.Run)
	spawn(detector.Run)
	spawn(func(ctx context.Context) { copyEng.Run(ctx, detector.Signals()) })
	spawn(agg.Run)
	spawn(func(ctx context.Context) { s.watchEvents(ctx, detector) })
	spawn(func(ctx context.Context) { s.watchKillSwitch(ctx, riskMgr) })
	if cfg.Mode == types.ModeLive {
		spawn(func(ctx context.Context) { s.watchGasPrice(ctx, riskMgr) })
	}
	spawn(func(ctx context.Context) { s.statusLoop(ctx, bankroll, riskMgr, detector, copyEng) })

	s.logger.Info("session started",
		"mode", cfg.Mode, "duration", duration,
		"bankroll", cfg.InitialBankroll, "markets", cfg.Markets.TopK)

	<-runCtx.Done()
	s.logger.Info("session ending", "grace", cfg.Supervisor.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Supervisor.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed with loops still running")
	}
	streamCl.Close()

	return s.finish(st, agg, bankroll, copyEng, markFor, start, duration)
}

// finish flushes the ledger, evaluates the gate, and prints the report.
func (s *Supervisor) finish(
	st *store.Store,
	agg *metrics.Aggregator,
	bankroll *paper.VirtualBankroll,
	copyEng *engine.CopyEngine,
	markFor metrics.MarkFunc,
	start time.Time,
	duration time.Duration,
) int {
	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Supervisor.ShutdownGrace)
	defer cancel()

	exit := ExitOK
	if s.cfg.Risk.EmergencyUnwind {
		copyEng.CloseAll(shutCtx, markFor)
	}
	if err := bankroll.WriteSnapshot(shutCtx); err != nil {
		s.logger.Error("final snapshot", "error", err)
		exit = ExitPersistence
	}

	m, err := agg.Compute(shutCtx)
	if err != nil {
		s.logger.Error("final metrics", "error", err)
		return ExitPersistence
	}
	critical, err := st.CountRiskEvents(shutCtx, "critical", start)
	if err != nil {
		s.logger.Error("count risk events", "error", err)
		return ExitPersistence
	}
	opps, err := st.CountOpportunities(shutCtx)
	if err != nil {
		s.logger.Error("count opportunities", "error", err)
		return ExitPersistence
	}

	gate := evaluateGate(s.cfg.Supervisor, m, critical, s.now().UTC().Sub(start), duration)
	writeReport(s.out, s.cfg.Mode, s.cfg.InitialBankroll, m, bankroll.Stats(), opps, gate)
	return exit
}

// checkLivePromotion gates live mode on the persisted paper history.
func (s *Supervisor) checkLivePromotion(ctx context.Context, st *store.Store, required time.Duration) int {
	snapshots, err := st.ListSnapshots(ctx, time.Time{})
	if err != nil {
		s.logger.Error("load paper history", "error", err)
		return ExitPersistence
	}
	if len(snapshots) < 2 {
		s.logger.Error("live mode requested without paper history")
		return ExitPromotion
	}
	windowStart := snapshots[0].Timestamp
	runtime := snapshots[len(snapshots)-1].Timestamp.Sub(windowStart)

	agg := metrics.NewAggregator(st, nil, s.cfg.InitialBankroll, nil, s.cfg.Supervisor.MetricsInterval, s.logger)
	m, err := agg.Compute(ctx)
	if err != nil {
		s.logger.Error("compute paper metrics", "error", err)
		return ExitPersistence
	}
	critical, err := st.CountRiskEvents(ctx, "critical", windowStart)
	if err != nil {
		s.logger.Error("count risk events", "error", err)
		return ExitPersistence
	}

	gate := evaluateGate(s.cfg.Supervisor, m, critical, runtime, required)
	if !gate.Promoted {
		s.logger.Error("promotion gate not satisfied",
			"runtime_ok", gate.RuntimeOK, "roi_ok", gate.ROIOK,
			"drawdown_ok", gate.DrawdownOK, "events_ok", gate.EventsOK)
		writeReport(s.out, types.ModePaper, s.cfg.InitialBankroll, m, types.BankrollStats{}, nil, gate)
		return ExitPromotion
	}
	s.logger.Info("promotion gate satisfied, live trading enabled", "roi", gate.ROI)
	return ExitOK
}

func (s *Supervisor) buildExecutor(bankroll *paper.VirtualBankroll, scanner *markets.Scanner) (engine.Executor, error) {
	if s.cfg.Mode != types.ModeLive {
		return engine.NewPaperExecutor(bankroll, s.cfg.Sizing), nil
	}
	signer, err := engine.NewSigner(s.cfg.Executor)
	if err != nil {
		return nil, errors.Join(types.ErrConfig, err)
	}
	return engine.NewLiveExecutor(s.cfg.Executor, s.cfg.Sizing, signer, scanner.TokenFor, s.logger), nil
}

// watchEvents logs whale pipeline transitions.
func (s *Supervisor) watchEvents(ctx context.Context, detector *whale.Detector) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-detector.Events():
			s.logger.Info("whale "+string(evt.Kind),
				"address", evt.Whale.WalletAddress,
				"trades", evt.Whale.TotalTrades,
				"volume_usd", evt.Whale.TotalVolumeUSD,
				"risk_score", evt.Whale.RiskScore)
		}
	}
}

// watchKillSwitch surfaces kill-switch activations in the session log.
// The pre-trade gate already blocks new opens; this is the operator's
// visibility.
func (s *Supervisor) watchKillSwitch(ctx context.Context, rm *risk.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-rm.KillCh():
			s.logger.Error("kill switch active, trading halted", "reason", sig.Reason)
		}
	}
}

// watchGasPrice feeds the risk manager's gas-ceiling gate from the
// chain RPC. A failed read keeps the last observation in force.
func (s *Supervisor) watchGasPrice(ctx context.Context, rm *risk.Manager) {
	client, err := ethclient.DialContext(ctx, s.cfg.Executor.RPCURL)
	if err != nil {
		s.logger.Error("dial chain rpc", "url", s.cfg.Executor.RPCURL, "error", err)
		return
	}
	defer client.Close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			s.logger.Warn("gas price read failed", "error", err)
		} else {
			gwei := new(big.Int).Div(price, big.NewInt(params.GWei)).Int64()
			rm.ObserveGasPrice(gwei)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// statusLoop emits the periodic operator status line.
func (s *Supervisor) statusLoop(ctx context.Context, bankroll *paper.VirtualBankroll, rm *risk.Manager, detector *whale.Detector, copyEng *engine.CopyEngine) {
	ticker := time.NewTicker(s.cfg.Supervisor.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := bankroll.Stats()
			top := detector.TopWhales(s.cfg.Detector.Ranking.TopN)
			s.logger.Info("status",
				"balance", stats.TotalCapital,
				"available", stats.Available,
				"daily_pnl", rm.DailyPnL(),
				"exposure", rm.Exposure(),
				"open_positions", len(copyEng.OpenPositions()),
				"trades", stats.TotalTrades,
				"win_rate", stats.WinRate,
				"top_whales", len(top),
				"kill_switch", rm.IsKillSwitchActive())
		}
	}
}
