// Package engine implements the Execution Engine, Entry Evaluator, and
// Exit Evaluator: on each market tick it drives entry evaluation
// strictly before exit evaluation for the same asset, dispatches
// through the Order Router, and keeps the Risk Enforcer fed.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/dsl"
	"github.com/cryptonhq/crypton/internal/execution/marketdata"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/execution/resilience"
	"github.com/cryptonhq/crypton/internal/execution/risk"
	"github.com/cryptonhq/crypton/internal/execution/router"
	"github.com/cryptonhq/crypton/internal/execution/sizer"
	"github.com/cryptonhq/crypton/internal/execution/strategy"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/rs/zerolog"
)

// Config tunes the Engine with the account's simulated/real capital base
// and the exchange's lot rules.
type Config struct {
	InitialCapitalUSD float64
	Sizer             sizer.Config
}

// Engine is the Execution Engine.
type Engine struct {
	log      zerolog.Logger
	strategy *strategy.Service
	hub      *marketdata.Hub
	router   *router.Router
	registry *registry.Registry
	riskE    *risk.Enforcer
	safeMode *resilience.SafeMode
	bus      *eventlog.Bus
	cfg      Config

	mu                sync.Mutex
	dispatchedEntries map[string]bool // strategyPositionId, reset on every strategy reload
	closingPositions  map[string]bool // strategyPositionId
	priorCrossTrue    map[string]bool // strategyPositionId -> was the fresh_crossing condition true last tick
	exitAllSent       map[string]bool // strategyPositionId, one-shot for posture=exit_all
	activeStrategyID  string
}

// New constructs an Engine. The caller wires the Market Data Hub's tick
// callback to invoke OnTick once the Engine exists (engine.New needs the
// Hub and the Hub's callback needs the Engine, so main.go closes the
// cycle with a forward-declared engine pointer).
func New(log zerolog.Logger, strategySvc *strategy.Service, hub *marketdata.Hub, rtr *router.Router, reg *registry.Registry, riskE *risk.Enforcer, safeMode *resilience.SafeMode, bus *eventlog.Bus, cfg Config) *Engine {
	if cfg.InitialCapitalUSD <= 0 {
		cfg.InitialCapitalUSD = 10000
	}
	return &Engine{
		log:               log.With().Str("component", "execution_engine").Logger(),
		strategy:          strategySvc,
		hub:               hub,
		router:            rtr,
		registry:          reg,
		riskE:             riskE,
		safeMode:          safeMode,
		bus:               bus,
		cfg:               cfg,
		dispatchedEntries: make(map[string]bool),
		closingPositions:  make(map[string]bool),
		priorCrossTrue:    make(map[string]bool),
		exitAllSent:       make(map[string]bool),
	}
}

// OnStrategyReload resets per-cycle dispatch bookkeeping: the
// dispatched-entry and exit-all sets start fresh for every newly loaded
// strategy, and drawdown tracking restarts from the current equity.
func (e *Engine) OnStrategyReload(strategyID string, equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatchedEntries = make(map[string]bool)
	e.exitAllSent = make(map[string]bool)
	e.activeStrategyID = strategyID
	e.riskE.ResetPeak(equity)
}

// OnTick is the Market Data Hub's per-asset tick callback: it runs the
// Entry Evaluator then the Exit Evaluator for every position on this
// asset, in that fixed order, so neither observes the other's in-flight
// update for the same tick.
func (e *Engine) OnTick(ctx context.Context, asset domain.Asset) {
	compiled, lifecycle := e.strategy.Active()
	if compiled == nil {
		return
	}

	snap, ok := e.hub.Snapshot(asset)
	if !ok {
		return // never evaluate without a fresh snapshot
	}

	equity, availableCapital, totalNotional, dailyPnl := e.computeAccounting(snap)
	e.riskE.SetLimits(risk.Limits{
		MaxDrawdownPct:      compiled.Document.PortfolioRisk.MaxDrawdownPct,
		DailyLossLimitUSD:   compiled.Document.PortfolioRisk.DailyLossLimitUSD,
		MaxTotalExposurePct: compiled.Document.PortfolioRisk.MaxTotalExposurePct,
	})
	e.riskE.Evaluate(totalNotional, equity, dailyPnl)

	suspended := lifecycle == strategy.StateExpired || e.riskE.EntriesSuspended()

	for _, cp := range compiled.Positions {
		if cp.Spec.Asset != asset {
			continue
		}
		e.evaluateEntry(ctx, compiled.ID, cp, compiled.Document, snap, availableCapital, suspended)
	}

	for _, op := range e.registry.OpenPositions() {
		if op.Asset != asset {
			continue
		}
		cp, ok := findPosition(compiled, op.StrategyPositionID)
		if !ok {
			continue // position no longer in the active strategy; leave it alone until manually closed
		}
		e.evaluateExit(ctx, compiled.ID, cp, op, compiled.Document.Posture, snap)
	}
}

func findPosition(compiled *strategy.Compiled, id string) (strategy.CompiledPosition, bool) {
	for _, cp := range compiled.Positions {
		if cp.Spec.ID == id {
			return cp, true
		}
	}
	return strategy.CompiledPosition{}, false
}

// computeAccounting derives equity/availableCapital/totalNotional/
// dailyPnl from the registry's current state. snap is not read;
// per-asset pricing for notional uses each open position's own asset
// snapshot.
func (e *Engine) computeAccounting(snap marketdata.Snapshot) (equity, availableCapital, totalNotional, dailyPnl float64) {
	open := e.registry.OpenPositions()
	trades := e.registry.ClosedTrades()

	var committed, unrealized float64
	for _, p := range open {
		committed += p.Qty * p.AvgEntry
		unrealized += p.UnrealizedPnl
		if s, ok := e.hub.Snapshot(p.Asset); ok {
			totalNotional += p.Qty * s.Mid
		} else {
			totalNotional += p.Qty * p.AvgEntry
		}
	}

	var realizedAllTime, realizedToday float64
	today := time.Now().UTC().Format("2006-01-02")
	for _, t := range trades {
		realizedAllTime += t.RealizedPnl
		if t.ClosedAt.UTC().Format("2006-01-02") == today {
			realizedToday += t.RealizedPnl
		}
	}

	equity = e.cfg.InitialCapitalUSD + realizedAllTime + unrealized
	availableCapital = e.cfg.InitialCapitalUSD + realizedAllTime - committed
	dailyPnl = realizedToday + unrealized
	return equity, availableCapital, totalNotional, dailyPnl
}

// dslContext adapts the hub to dsl.EvalContext for one evaluation call.
type dslContext struct{ hub *marketdata.Hub }

func (d dslContext) Price(asset string) (float64, bool) { return d.hub.Price(asset) }
func (d dslContext) Indicator(name string, period int, asset string) (float64, bool) {
	return d.hub.Indicator(name, period, asset)
}

func (e *Engine) evalCondition(node dsl.Node) dsl.Tri {
	if node == nil {
		return dsl.Unknown
	}
	return dsl.Evaluate(node, dslContext{hub: e.hub})
}
