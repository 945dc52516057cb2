package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"idletown/internal/api"
	"idletown/internal/config"
	"idletown/internal/db"
	"idletown/internal/market"
	"idletown/internal/metrics"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/store"
	"idletown/internal/store/memstore"
	"idletown/internal/store/pgstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
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
	m := metrics.New()
	validator := placement.New(tun.PlacementRules())

	sim := market.NewSimulator(market.DefaultInstruments(), market.DynamicsFor(cfg.MarketVolatility), logger, market.WithMetrics(m))

	var st store.Store
	if cfg.DatabaseURL != "" {
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
		pg := pgstore.New(pool, validator, tun.StoreDefaults(), logger)
		if err := pg.SeedInstruments(ctx, market.DefaultInstruments()); err != nil {
			logger.Error("seed instruments failed", "err", err)
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, state is kept in memory")
		st = memstore.New(validator, sim, tun.StoreDefaults())
	}
	if quotes, err := st.Quotes(ctx); err == nil && len(quotes) > 0 {
		sim.Load(quotes)
	}
	sim.SetSink(st)

	hub := presence.NewHub(tun.Hub(), logger, m)
	server := api.New(cfg, tun, logger, st, hub, m)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("idletown api listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		hub.Run(gctx, tun.Presence.SnapshotEvery)
		return nil
	})
	if !cfg.MarketExternal {
		g.Go(func() error {
			logger.Info("market simulation started", "tick_every", tun.Market.TickEvery.String(), "volatility", cfg.MarketVolatility)
			return sim.Run(gctx, tun.Market.TickEvery)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("idletown api stopped")
}
