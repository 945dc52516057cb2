package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"idletown/internal/config"
	"idletown/internal/db"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/store/pgstore"
)

// The worker is the single price writer when the API runs with
// IDLETOWN_MARKET_EXTERNAL=true.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	tun, err := config.LoadTunables(cfg.TunablesPath)
	if err != nil {
		slog.Error("load tunables", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("db migrate failed", "err", err)
		os.Exit(1)
	}

	st := pgstore.New(pool, placement.New(tun.PlacementRules()), tun.StoreDefaults(), logger)
	if err := st.SeedInstruments(ctx, market.DefaultInstruments()); err != nil {
		logger.Error("seed instruments failed", "err", err)
		os.Exit(1)
	}
	quotes, err := st.Quotes(ctx)
	if err != nil {
		logger.Error("quotes read failed", "err", err)
		os.Exit(1)
	}
	sim := market.NewSimulator(quotes, market.DynamicsFor(cfg.MarketVolatility), logger, market.WithSink(st))

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("IDLETOWN_WORKER_RUN_ONCE")), "true")
	if runOnce {
		sim.Step(ctx, time.Now())
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(tun.Market.TickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", tun.Market.TickEvery.String(), "volatility", cfg.MarketVolatility)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case t := <-ticker.C:
			stepped := sim.Step(ctx, t)
			logger.Info("market tick complete", "instruments", len(stepped))
		}
	}
}
