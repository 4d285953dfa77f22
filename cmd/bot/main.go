// Polymarket Whale Copier — a copy-trading bot that follows large
// profitable traders ("whales") on Polymarket binary prediction markets,
// validating the strategy against a virtual bankroll before any real
// capital is committed.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts the supervisor, waits for SIGINT/SIGTERM
//	supervisor/supervisor.go — composition root: ordered startup, background loops, graceful shutdown
//	whale/tracker.go         — fetches trade history per wallet, computes qualification stats
//	whale/detector.go        — discovery → qualification → ranking pipeline, emits copy signals
//	engine/copy.go           — classifies signals (open/scale-in/close), sizes with fractional Kelly
//	engine/live.go           — signed CLOB order submission for promoted live mode
//	markets/scanner.go       — polls the data API for top markets by open interest, drives subscriptions
//	stream/client.go         — market WebSocket with auto-reconnect, brotli frames, bounded dispatch
//	risk/manager.go          — daily loss, exposure, per-market caps, sticky kill switch
//	paper/bankroll.go        — virtual ledger: fills, fees, PnL, snapshots
//	metrics/aggregator.go    — read-over-store KPIs: ROI, expectancy, max drawdown
//	store/store.go           — gorm persistence (SQLite or Postgres) for every durable record
//
// How it decides:
//
//	The bot watches public market trades for wallets that clear the
//	qualification bar (volume, activity, consistency), ranks them, and
//	mirrors the top cohort's entries with a capped Kelly fraction of the
//	bankroll. A whale's opposite-side trade closes the copy. After a full
//	paper session the promotion gate (runtime, ROI, drawdown, zero
//	critical risk events) decides whether live mode may be enabled.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polycopy/internal/config"
	"polycopy/internal/supervisor"
	"polycopy/pkg/types"
)

func main() {
	// .env is optional; env vars beat file values either way.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	mode := flag.String("mode", "", "override trading mode: paper or live")
	durationHours := flag.Int("duration-hours", 0, "override session duration in hours")
	demo := flag.Bool("demo", false, "accelerated short session for smoke-testing")
	flag.Parse()

	if p := os.Getenv("POLY_CONFIG"); p != "" && *cfgPath == "configs/config.yaml" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(supervisor.ExitConfig)
	}
	if *mode != "" {
		cfg.Mode = types.Mode(*mode)
	}
	if *durationHours > 0 {
		cfg.DurationHours = *durationHours
	}
	if *demo {
		cfg.ApplyDemo()
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(supervisor.ExitConfig)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("polymarket whale copier starting",
		"mode", cfg.Mode,
		"duration_hours", cfg.DurationHours,
		"bankroll", cfg.InitialBankroll,
	)

	code := supervisor.New(cfg, logger).Run(ctx)
	os.Exit(code)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
