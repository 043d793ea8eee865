// Package marketdata implements the Market Data Hub: it owns the
// active adapter's market-data subscription, caches the latest snapshot
// per asset, computes the DSL's NAME_PERIOD indicators from a rolling
// close-price history via talib, and fans out one tick event per update
// to the Execution Engine.
package marketdata

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

const historyLen = 500 // enough bars for any period the DSL is likely to ask for

// defaultPeriods are computed even before any strategy loads, so the
// common lookbacks warm up from the first tick.
var defaultPeriods = []int{9, 14, 20, 26, 50, 200}

// Snapshot is one asset's latest market state.
type Snapshot struct {
	Asset      domain.Asset
	Bid        float64
	Ask        float64
	Mid        float64
	Timestamp  time.Time
	Indicators map[string]float64
}

type assetState struct {
	mu         sync.RWMutex
	closes     []float64
	latest     Snapshot
	lastTickAt time.Time
}

// TickHandler is invoked once per tick, after the cache is updated, so
// subscribers always observe a consistent snapshot.
type TickHandler func(asset domain.Asset)

// Hub is the Market Data Hub.
type Hub struct {
	log     zerolog.Logger
	adp     *adapter.Router
	mu      sync.RWMutex
	states  map[domain.Asset]*assetState
	cancel  func()
	onTick  TickHandler
	lastAny time.Time
	periods []int
}

// New constructs a Hub bound to adp. onTick fires once per asset tick,
// dispatched sequentially by the caller (the Execution Engine) so entry
// then exit evaluation for that asset never interleave with a sibling's
// in-flight update.
func New(log zerolog.Logger, adp *adapter.Router, onTick TickHandler) *Hub {
	return &Hub{
		log:     log.With().Str("component", "market_data_hub").Logger(),
		adp:     adp,
		states:  make(map[domain.Asset]*assetState),
		onTick:  onTick,
		periods: defaultPeriods,
	}
}

// SetPeriods extends the computed indicator periods with every period
// the active strategy's compiled conditions reference, so a condition
// like RSI(7, ...) resolves instead of staying unknown forever. Called
// on strategy load, alongside Resubscribe. The defaults are always
// retained.
func (h *Hub) SetPeriods(strategyPeriods []int) {
	seen := make(map[int]bool)
	merged := make([]int, 0, len(defaultPeriods)+len(strategyPeriods))
	for _, p := range defaultPeriods {
		seen[p] = true
		merged = append(merged, p)
	}
	for _, p := range strategyPeriods {
		if p > 0 && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	h.mu.Lock()
	h.periods = merged
	h.mu.Unlock()
}

// SetAdapter wires the adapter after construction, letting main.go build
// the Hub before the paper adapter that depends on the Hub as its
// MarketDataSource (the same deferred-wiring shape as
// resilience.SafeMode.SetCloser).
func (h *Hub) SetAdapter(adp *adapter.Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adp = adp
}

// Resubscribe cancels any prior subscription and subscribes to
// assets, called on every strategy change.
func (h *Hub) Resubscribe(ctx context.Context, assets []domain.Asset) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	for _, a := range assets {
		if _, ok := h.states[a]; !ok {
			h.states[a] = &assetState{}
		}
	}
	h.mu.Unlock()

	cancel, err := h.adp.SubscribeMarketData(ctx, assets, h.handleTick)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return nil
}

func (h *Hub) handleTick(raw adapter.Snapshot) {
	h.mu.RLock()
	st, ok := h.states[raw.Asset]
	h.mu.RUnlock()
	if !ok {
		h.mu.Lock()
		st = &assetState{}
		h.states[raw.Asset] = st
		h.mu.Unlock()
	}

	st.mu.Lock()
	st.closes = append(st.closes, (raw.Bid+raw.Ask)/2)
	if len(st.closes) > historyLen {
		st.closes = st.closes[len(st.closes)-historyLen:]
	}
	st.latest = Snapshot{
		Asset:     raw.Asset,
		Bid:       raw.Bid,
		Ask:       raw.Ask,
		Mid:       (raw.Bid + raw.Ask) / 2,
		Timestamp: raw.Timestamp,
	}
	st.lastTickAt = time.Now().UTC()
	st.mu.Unlock()

	h.mu.Lock()
	h.lastAny = time.Now().UTC()
	h.mu.Unlock()

	if h.onTick != nil {
		h.onTick(raw.Asset)
	}
}

// Latest satisfies adapter.MarketDataSource for the paper adapter.
func (h *Hub) Latest(asset domain.Asset) (bid, ask float64, ok bool) {
	snap, found := h.Snapshot(asset)
	if !found {
		return 0, 0, false
	}
	return snap.Bid, snap.Ask, true
}

// Snapshot returns the latest cached snapshot for asset, including
// computed indicator values, or false if no tick has arrived yet.
func (h *Hub) Snapshot(asset domain.Asset) (Snapshot, bool) {
	h.mu.RLock()
	st, ok := h.states[asset]
	h.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	h.mu.RLock()
	periods := h.periods
	h.mu.RUnlock()

	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.latest.Timestamp.IsZero() {
		return Snapshot{}, false
	}
	snap := st.latest
	snap.Indicators = indicatorsFor(st.closes, periods)
	return snap, true
}

// LastTickAt returns the most recent tick time across every subscribed
// asset, used by the Dead-Man's Switch.
func (h *Hub) LastTickAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastAny
}

// Price implements dsl.EvalContext.
func (h *Hub) Price(asset string) (float64, bool) {
	snap, ok := h.Snapshot(domain.Asset(asset))
	if !ok {
		return 0, false
	}
	return snap.Mid, true
}

// Indicator implements dsl.EvalContext.
func (h *Hub) Indicator(name string, period int, asset string) (float64, bool) {
	snap, ok := h.Snapshot(domain.Asset(asset))
	if !ok {
		return 0, false
	}
	v, ok := snap.Indicators[indicatorKey(name, period)]
	return v, ok
}

func indicatorKey(name string, period int) string {
	return name + "_" + strconv.Itoa(period)
}

// indicatorsFor computes every supported indicator family against the
// supplied close history for each of the given periods, keyed
// NAME_PERIOD. A period with too little history yet produces no key,
// which evaluates to "unknown" rather than an error.
func indicatorsFor(closes []float64, periods []int) map[string]float64 {
	out := make(map[string]float64)
	for _, period := range periods {
		if len(closes) < period+1 {
			continue
		}
		rsi := talib.Rsi(closes, period)
		if v := lastValid(rsi); v != nil {
			out[indicatorKey("RSI", period)] = *v
		}
		ema := talib.Ema(closes, period)
		if v := lastValid(ema); v != nil {
			out[indicatorKey("EMA", period)] = *v
		}
		sma := talib.Sma(closes, period)
		if v := lastValid(sma); v != nil {
			out[indicatorKey("SMA", period)] = *v
		}
	}
	return out
}

func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if v != v { // NaN
		return nil
	}
	return &v
}
