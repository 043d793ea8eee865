package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAdapter rides the paper adapter for order handling but captures
// the market-data subscription callback so tests can inject ticks.
type feedAdapter struct {
	*adapter.Paper
	mu sync.Mutex
	cb adapter.TickCallback
}

func (f *feedAdapter) SubscribeMarketData(ctx context.Context, assets []domain.Asset, cb adapter.TickCallback) (func(), error) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return func() {}, nil
}

// harness wires the full tick path the way cmd/execution-service does:
// feed -> hub -> engine -> router -> paper adapter -> registry.
type harness struct {
	t        *testing.T
	dir      string
	bus      *eventlog.Bus
	feed     *feedAdapter
	hub      *marketdata.Hub
	reg      *registry.Registry
	safeMode *resilience.SafeMode
	riskE    *risk.Enforcer
	svc      *strategy.Service
	eng      *Engine
}

func newHarness(t *testing.T, slippagePct float64) *harness {
	t.Helper()
	dir := t.TempDir()
	bus := eventlog.NewBus()

	reg, corrupt := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"))
	require.False(t, corrupt)

	var eng *Engine
	hub := marketdata.New(zerolog.Nop(), nil, func(asset domain.Asset) {
		if eng != nil {
			eng.OnTick(context.Background(), asset)
		}
	})

	paper := adapter.NewPaper(hub, adapter.PaperConfig{SlippagePct: slippagePct})
	feed := &feedAdapter{Paper: paper}
	adpRouter := adapter.NewRouter(feed, nil, func() domain.Mode { return domain.ModePaper })
	hub.SetAdapter(adpRouter)

	safeMode := resilience.NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), bus, nil)
	ft := resilience.NewFailureTracker(filepath.Join(dir, "failure_count.json"), 3, safeMode)
	rtr := router.New(zerolog.Nop(), adpRouter, reg, bus, ft)
	safeMode.SetCloser(rtr)
	riskE := risk.New(bus, safeMode, nil)

	svc := strategy.New(zerolog.Nop(), filepath.Join(dir, "strategy.json"), time.Millisecond, time.Minute, bus)

	eng = New(zerolog.Nop(), svc, hub, rtr, reg, riskE, safeMode, bus, Config{
		InitialCapitalUSD: 10000,
		Sizer:             sizer.Config{LotIncrement: 0.0001, MinimumLot: 0.0001},
	})

	return &harness{t: t, dir: dir, bus: bus, feed: feed, hub: hub, reg: reg, safeMode: safeMode, riskE: riskE, svc: svc, eng: eng}
}

// loadStrategy writes doc to the watched path, force-reloads it, and
// performs the resubscribe/reset hand-off main.go drives off the
// strategy_loaded event.
func (h *harness) loadStrategy(doc *strategy.Document) {
	h.t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(h.t, err)
	require.NoError(h.t, os.WriteFile(filepath.Join(h.dir, "strategy.json"), raw, 0o644))
	h.svc.Reload()

	compiled, state := h.svc.Active()
	require.NotNil(h.t, compiled)
	require.Equal(h.t, strategy.StateActive, state)

	assets := make([]domain.Asset, 0, len(compiled.Positions))
	for _, p := range compiled.Positions {
		assets = append(assets, p.Spec.Asset)
	}
	h.hub.SetPeriods(compiled.IndicatorPeriods())
	require.NoError(h.t, h.hub.Resubscribe(context.Background(), assets))
	h.eng.OnStrategyReload(compiled.ID, 10000)
}

func (h *harness) tick(asset domain.Asset, bid, ask float64) {
	h.feed.mu.Lock()
	cb := h.feed.cb
	h.feed.mu.Unlock()
	require.NotNil(h.t, cb, "market data subscription must be established before ticking")
	cb(adapter.Snapshot{Asset: asset, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()})
	h.feed.OnTick()
}

func baseDoc(positions ...strategy.PositionSpec) *strategy.Document {
	return &strategy.Document{
		Mode:           domain.ModePaper,
		ValidityWindow: time.Now().UTC().Add(6 * time.Hour),
		Posture:        domain.PostureModerate,
		PortfolioRisk: strategy.PortfolioRisk{
			MaxDrawdownPct:      1,
			DailyLossLimitUSD:   0,
			MaxTotalExposurePct: 1,
			MaxPerPositionPct:   0.2,
		},
		Positions: positions,
	}
}

func TestConditionalEntryFiresOnceOnFreshCrossing(t *testing.T) {
	h := newHarness(t, 0.0005)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:             "p1",
		Asset:          "BTC/USD",
		Direction:      domain.DirectionLong,
		AllocationPct:  0.10,
		EntryType:      strategy.EntryConditional,
		EntryCondition: "price(BTC/USD) > 45000",
		StopLoss:       strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
	}))

	h.tick("BTC/USD", 44899, 44901) // condition false: no entry
	assert.Empty(t, h.reg.OpenPositions())

	h.tick("BTC/USD", 45000.5, 45001.5) // mid 45001: fresh crossing fires
	open := h.reg.OpenPositions()
	require.Len(t, open, 1)
	assert.InDelta(t, 0.0222, open[0].Qty, 1e-9)
	assert.InDelta(t, 45001*1.0005, open[0].AvgEntry, 1e-6)

	// A continuous run of true must never dispatch a second entry.
	h.tick("BTC/USD", 45099, 45101)
	h.tick("BTC/USD", 45199, 45201)
	assert.Len(t, h.reg.OpenPositions(), 1)
	assert.InDelta(t, 0.0222, h.reg.OpenPositions()[0].Qty, 1e-9)
}

func TestConditionalEntrySkipsWhileIndicatorNotReady(t *testing.T) {
	h := newHarness(t, 0)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:             "p1",
		Asset:          "BTC/USD",
		Direction:      domain.DirectionLong,
		AllocationPct:  0.10,
		EntryType:      strategy.EntryConditional,
		EntryCondition: "RSI(14, BTC/USD) < 99",
		StopLoss:       strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
	}))

	// Too little history for RSI_14: the condition is unknown, not false,
	// and unknown skips the entry.
	for i := 0; i < 5; i++ {
		h.tick("BTC/USD", 44999, 45001)
	}
	assert.Empty(t, h.reg.OpenPositions())

	// Once enough closes accumulate the condition resolves and fires.
	for i := 0; i < 20; i++ {
		px := 45000 - float64(i)*10
		h.tick("BTC/USD", px-1, px+1)
	}
	assert.Len(t, h.reg.OpenPositions(), 1)
}

func TestTrailingStopAdvancesAndCloses(t *testing.T) {
	h := newHarness(t, 0)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:            "p1",
		Asset:         "BTC/USD",
		Direction:     domain.DirectionLong,
		AllocationPct: 0.10,
		EntryType:     strategy.EntryMarket,
		StopLoss:      strategy.StopLoss{Type: strategy.StopTrailing, TrailPct: 0.03},
	}))

	h.tick("BTC/USD", 45000, 45000) // market entry fills at 45000
	open := h.reg.OpenPositions()
	require.Len(t, open, 1)
	entryQty := open[0].Qty

	h.tick("BTC/USD", 46000, 46000)
	open = h.reg.OpenPositions()
	require.NotNil(t, open[0].TrailingStopPrice)
	assert.InDelta(t, 44620, *open[0].TrailingStopPrice, 1e-9)

	h.tick("BTC/USD", 47000, 47000)
	open = h.reg.OpenPositions()
	assert.InDelta(t, 45590, *open[0].TrailingStopPrice, 1e-9)

	// A pullback that stays above the stop must not move it down.
	h.tick("BTC/USD", 46500, 46500)
	open = h.reg.OpenPositions()
	require.Len(t, open, 1)
	assert.InDelta(t, 45590, *open[0].TrailingStopPrice, 1e-9)

	// Bid at or below the stop closes the position.
	h.tick("BTC/USD", 45000, 45010)
	assert.Empty(t, h.reg.OpenPositions())
	trades := h.reg.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "trailing_stop", trades[0].CloseReason)
	assert.Equal(t, entryQty, trades[0].QtyClosed)
}

func TestHardStopFiresOnGapThroughStop(t *testing.T) {
	h := newHarness(t, 0)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:            "p1",
		Asset:         "BTC/USD",
		Direction:     domain.DirectionLong,
		AllocationPct: 0.10,
		EntryType:     strategy.EntryMarket,
		StopLoss:      strategy.StopLoss{Type: strategy.StopHard, Price: 44000},
	}))

	h.tick("BTC/USD", 45000, 45000)
	require.Len(t, h.reg.OpenPositions(), 1)

	// A gap far below the stop must still trigger exactly one close.
	h.tick("BTC/USD", 42000, 42010)
	assert.Empty(t, h.reg.OpenPositions())
	trades := h.reg.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "hard_stop", trades[0].CloseReason)
}

func TestScaledTakeProfitFiresTargetsInOrder(t *testing.T) {
	h := newHarness(t, 0)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:            "p1",
		Asset:         "BTC/USD",
		Direction:     domain.DirectionLong,
		AllocationPct: 0.10,
		EntryType:     strategy.EntryMarket,
		StopLoss:      strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
		TakeProfitTargets: []strategy.TakeProfitTarget{
			{Price: 45500, ClosePct: 0.5},
			{Price: 46000, ClosePct: 0.5},
		},
	}))

	h.tick("BTC/USD", 45000, 45000)
	open := h.reg.OpenPositions()
	require.Len(t, open, 1)
	entryQty := open[0].Qty

	// Price jumps past both targets: only the first fires this tick.
	h.tick("BTC/USD", 46000, 46000)
	open = h.reg.OpenPositions()
	require.Len(t, open, 1)
	assert.InDelta(t, entryQty/2, open[0].Qty, 1e-12)
	assert.True(t, open[0].TargetsHit[0])
	assert.False(t, open[0].TargetsHit[1])

	// The next tick fires the second target for the other half,
	// fully closing the position.
	h.tick("BTC/USD", 46000, 46000)
	assert.Empty(t, h.reg.OpenPositions())
	trades := h.reg.ClosedTrades()
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, "take_profit", tr.CloseReason)
		assert.InDelta(t, entryQty/2, tr.QtyClosed, 1e-12)
	}
}

func TestExitAllPostureClosesOpenPositionsOnce(t *testing.T) {
	h := newHarness(t, 0)
	spec := strategy.PositionSpec{
		ID:            "p1",
		Asset:         "BTC/USD",
		Direction:     domain.DirectionLong,
		AllocationPct: 0.10,
		EntryType:     strategy.EntryMarket,
		StopLoss:      strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
	}
	h.loadStrategy(baseDoc(spec))
	h.tick("BTC/USD", 45000, 45000)
	require.Len(t, h.reg.OpenPositions(), 1)

	exitAll := baseDoc(spec)
	exitAll.Posture = domain.PostureExitAll
	h.loadStrategy(exitAll)

	h.tick("BTC/USD", 45100, 45100)
	assert.Empty(t, h.reg.OpenPositions())
	trades := h.reg.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "exit_all", trades[0].CloseReason)

	// The reset dispatched-entry set must not re-enter under exit_all.
	h.tick("BTC/USD", 45200, 45200)
	assert.Empty(t, h.reg.OpenPositions())
}

func TestFlatPostureNeverEnters(t *testing.T) {
	h := newHarness(t, 0)
	doc := baseDoc(strategy.PositionSpec{
		ID:            "p1",
		Asset:         "BTC/USD",
		Direction:     domain.DirectionLong,
		AllocationPct: 0.10,
		EntryType:     strategy.EntryMarket,
		StopLoss:      strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
	})
	doc.Posture = domain.PostureFlat
	h.loadStrategy(doc)

	h.tick("BTC/USD", 45000, 45000)
	h.tick("BTC/USD", 45100, 45100)
	assert.Empty(t, h.reg.OpenPositions())
}

func TestInvalidationConditionClosesPosition(t *testing.T) {
	h := newHarness(t, 0)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:                    "p1",
		Asset:                 "BTC/USD",
		Direction:             domain.DirectionLong,
		AllocationPct:         0.10,
		EntryType:             strategy.EntryMarket,
		StopLoss:              strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
		InvalidationCondition: "price(BTC/USD) < 44000",
	}))

	h.tick("BTC/USD", 45000, 45000)
	require.Len(t, h.reg.OpenPositions(), 1)

	// Invalidation outranks the hard stop: both are satisfied here and
	// the close must carry the invalidation reason.
	h.tick("BTC/USD", 39000, 39010)
	assert.Empty(t, h.reg.OpenPositions())
	trades := h.reg.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "invalidation", trades[0].CloseReason)
}

func TestLimitEntryWaitsForLimitPrice(t *testing.T) {
	h := newHarness(t, 0)
	h.loadStrategy(baseDoc(strategy.PositionSpec{
		ID:              "p1",
		Asset:           "BTC/USD",
		Direction:       domain.DirectionLong,
		AllocationPct:   0.10,
		EntryType:       strategy.EntryLimit,
		EntryLimitPrice: 44000,
		StopLoss:        strategy.StopLoss{Type: strategy.StopHard, Price: 40000},
	}))

	h.tick("BTC/USD", 45000, 45002)
	assert.Empty(t, h.reg.OpenPositions())

	h.tick("BTC/USD", 43990, 43992)
	open := h.reg.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, 44000.0, open[0].AvgEntry, "limit entries fill at the limit price")
}

func TestDrawdownBreachEntersSafeModeAndClosesPositions(t *testing.T) {
	h := newHarness(t, 0)
	doc := baseDoc(strategy.PositionSpec{
		ID:            "p1",
		Asset:         "BTC/USD",
		Direction:     domain.DirectionLong,
		AllocationPct: 0.10,
		EntryType:     strategy.EntryMarket,
		StopLoss:      strategy.StopLoss{Type: strategy.StopHard, Price: 1},
	})
	doc.PortfolioRisk.MaxDrawdownPct = 0.05
	h.loadStrategy(doc)

	h.tick("BTC/USD", 45000, 45000)
	require.Len(t, h.reg.OpenPositions(), 1)

	// A collapse in the position's value drags equity down more than 5%
	// from its peak. Unrealized P&L is marked by the exit evaluator, so
	// the breach registers on the tick after the collapse; the risk
	// enforcer then activates safe mode, which market-closes everything.
	h.tick("BTC/USD", 2000, 2000)
	h.tick("BTC/USD", 2000, 2000)
	assert.True(t, h.safeMode.Active())
	assert.Equal(t, "max_drawdown", h.safeMode.State().Reason)
	assert.Empty(t, h.reg.OpenPositions())
	trades := h.reg.ClosedTrades()
	require.NotEmpty(t, trades)
	assert.Equal(t, "safe_mode", trades[0].CloseReason)
}
