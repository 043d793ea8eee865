// Package main is the entry point for the Crypton Execution Service: the
// deterministic trading engine that compiles strategy.json, subscribes
// to market data, and drives entry/exit evaluation against the Order
// Router.
//
// Wiring: config, logger, hand-wired collaborators, HTTP server in a
// goroutine, signal-based graceful shutdown. The construction order
// below resolves two deliberate circular dependencies: the Hub is built
// with a nil adapter that Hub.SetAdapter wires in later (the same way
// SafeMode.SetCloser wires in the order router), and the Engine is
// forward-declared so the Hub's tick callback can close over it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/execution/api"
	"github.com/cryptonhq/crypton/internal/execution/engine"
	"github.com/cryptonhq/crypton/internal/execution/marketdata"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/execution/resilience"
	"github.com/cryptonhq/crypton/internal/execution/risk"
	"github.com/cryptonhq/crypton/internal/execution/router"
	"github.com/cryptonhq/crypton/internal/execution/sizer"
	"github.com/cryptonhq/crypton/internal/execution/strategy"
	"github.com/cryptonhq/crypton/internal/platform/config"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/cryptonhq/crypton/internal/platform/logging"
	"github.com/cryptonhq/crypton/internal/platform/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", true)
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting Crypton Execution Service")

	bus := eventlog.NewBus()
	ring := eventlog.NewRing(1000)
	bus.SubscribeAll(func(e eventlog.Event) { ring.Add(e) })
	streamHub := eventlog.NewHub(log, bus)

	logDir := filepath.Join(cfg.DataDir, "logs")
	writer, err := eventlog.NewWriter(log, logDir, "execution_events", true, 256)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open event log writer")
	}
	bus.SubscribeAll(writer.Enqueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateDir := filepath.Join(cfg.DataDir, "state")

	reg, corrupt := registry.New(
		filepath.Join(stateDir, "positions.json"),
		filepath.Join(stateDir, "trades.json"),
	)
	if corrupt {
		log.Warn().Msg("persisted position registry was corrupt; starting empty")
	}

	modeStore := resilience.NewModeStore(filepath.Join(stateDir, "operation_mode.json"))
	safeMode := resilience.NewSafeMode(log, filepath.Join(stateDir, "safe_mode.json"), bus, nil)
	failureTracker := resilience.NewFailureTracker(filepath.Join(stateDir, "failure_count.json"), cfg.FailureThreshold, safeMode)

	// The Hub's tick callback needs the Engine; the Engine's constructor
	// needs the Hub. eng is forward-declared and closed over so the Hub
	// can be built first, same shape as resilience.SafeMode.SetCloser.
	var eng *engine.Engine
	hub := marketdata.New(log, nil, func(asset domain.Asset) {
		if eng != nil {
			eng.OnTick(ctx, asset)
		}
	})

	paper := adapter.NewPaper(hub, adapter.PaperConfig{
		SlippagePct:    cfg.PaperSlippagePct,
		CommissionRate: cfg.PaperCommissionRate,
	})
	var live adapter.Adapter
	if cfg.LiveWSURL != "" {
		live = adapter.NewLive(log, cfg.LiveWSURL, cfg.LiveRESTURL, cfg.LiveAPIKey)
	}
	adapterRouter := adapter.NewRouter(paper, live, modeStore.Current)
	hub.SetAdapter(adapterRouter)

	orderRouter := router.New(log, adapterRouter, reg, bus, failureTracker)
	safeMode.SetCloser(orderRouter)

	riskEnforcer := risk.New(bus, safeMode, nil)

	strategySvc := strategy.New(log, cfg.StrategyPath, cfg.StrategyDebounce, cfg.ValidityCheckPeriod, bus)

	eng = engine.New(log, strategySvc, hub, orderRouter, reg, riskEnforcer, safeMode, bus, engine.Config{
		InitialCapitalUSD: cfg.InitialCapitalUSD,
		Sizer: sizer.Config{
			LotIncrement: cfg.LotIncrement,
			MinimumLot:   cfg.MinimumLot,
		},
	})

	reconciler := resilience.NewReconciler(log, adapterRouter, reg, bus)
	dms := resilience.NewDMS(log, hub, safeMode, cfg.DMSTimeout)

	// Calendar-anchored jobs run on cron; the DMS and
	// strategy file watcher stay on raw tickers since they're tight
	// polling loops, not calendar-anchored.
	sched := scheduler.New(log)
	if err := sched.AddJob("@daily", scheduler.FuncJob{
		JobName: "risk_daily_loss_reset",
		Fn:      func() error { riskEnforcer.ResetDailyLoss(); return nil },
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register daily-loss reset job")
	}
	if err := sched.AddJob(fmt.Sprintf("@every %s", cfg.ValidityCheckPeriod), scheduler.FuncJob{
		JobName: "strategy_validity_check",
		Fn:      func() error { strategySvc.CheckValidity(); return nil },
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register strategy validity check job")
	}

	// Subscribing to the strategy's own reload events, rather than calling
	// Resubscribe/OnStrategyReload inline in strategy.Service, keeps the
	// Strategy Service ignorant of the Hub and Engine it feeds.
	strategyReloadHandler := func(eventlog.Event) {
		compiled, _ := strategySvc.Active()
		if compiled == nil {
			return
		}
		assets := make([]domain.Asset, 0, len(compiled.Positions))
		seen := make(map[domain.Asset]bool)
		for _, p := range compiled.Positions {
			if !seen[p.Spec.Asset] {
				seen[p.Spec.Asset] = true
				assets = append(assets, p.Spec.Asset)
			}
		}
		hub.SetPeriods(compiled.IndicatorPeriods())
		if err := hub.Resubscribe(ctx, assets); err != nil {
			log.Error().Err(err).Msg("market data resubscribe failed")
		}
		equity := cfg.InitialCapitalUSD
		for _, t := range reg.ClosedTrades() {
			equity += t.RealizedPnl
		}
		for _, p := range reg.OpenPositions() {
			equity += p.UnrealizedPnl
		}
		eng.OnStrategyReload(compiled.ID, equity)
	}
	bus.Subscribe(eventlog.EventStrategyLoaded, strategyReloadHandler)
	bus.Subscribe(eventlog.EventStrategySwapped, strategyReloadHandler)

	assetsFn := func() []domain.Asset {
		compiled, _ := strategySvc.Active()
		if compiled == nil {
			return nil
		}
		seen := make(map[domain.Asset]bool)
		out := make([]domain.Asset, 0, len(compiled.Positions))
		for _, p := range compiled.Positions {
			if !seen[p.Spec.Asset] {
				seen[p.Spec.Asset] = true
				out = append(out, p.Spec.Asset)
			}
		}
		return out
	}

	srv := api.New(api.Config{
		Log:         log,
		StrategySvc: strategySvc,
		Hub:         hub,
		Registry:    reg,
		ModeStore:   modeStore,
		SafeMode:    safeMode,
		Risk:        riskEnforcer,
		Bus:         bus,
		Ring:        ring,
		StreamHub:   streamHub,
		AuthToken:   cfg.OperatorToken,
		DevMode:     cfg.DevMode,
		AssetsFn:    assetsFn,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.ExecutionPort,
		Handler: srv.Router(),
	}

	// Post-restart reconciliation runs once, before anything else touches
	// the registry startup sequence, and is skipped while Safe Mode is active.
	if safeMode.Active() {
		log.Warn().Msg("safe mode active; skipping startup reconciliation")
	} else if err := reconciler.Run(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
	}

	strategySvc.Start()
	sched.Start()
	log.Info().Msg("strategy service started")

	go dms.Run(ctx)

	go func() {
		log.Info().Str("port", cfg.ExecutionPort).Msg("execution API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("execution API failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down Execution Service")
	cancel()
	sched.Stop()
	strategySvc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("execution API forced to shutdown")
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("event log writer close failed")
	}
	log.Info().Msg("Execution Service stopped")
}
