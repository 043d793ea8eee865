package resilience

import (
	"context"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/rs/zerolog"
)

// Reconciler runs the post-restart alignment with exchange truth:
// once, after the Strategy Service is ready and before the first tick,
// unless Safe Mode is already active.
type Reconciler struct {
	log zerolog.Logger
	adp *adapter.Router
	reg *registry.Registry
	bus *eventlog.Bus
}

// NewReconciler constructs a Reconciler.
func NewReconciler(log zerolog.Logger, adp *adapter.Router, reg *registry.Registry, bus *eventlog.Bus) *Reconciler {
	return &Reconciler{log: log.With().Str("component", "reconciliation").Logger(), adp: adp, reg: reg, bus: bus}
}

// Run fetches exchange-side state and reconciles it against the
// registry: positions on the exchange but absent locally are added with
// origin=reconciled; positions present locally but absent on the
// exchange are closed with reason=reconciled_missing.
func (r *Reconciler) Run(ctx context.Context) error {
	exchangePositions, err := r.adp.GetOpenPositions(ctx)
	if err != nil {
		return err
	}

	byStrategyPositionID := make(map[string]adapter.ExchangePosition)
	for _, ep := range exchangePositions {
		byStrategyPositionID[string(ep.Asset)+"|"+string(ep.Direction)] = ep
	}

	local := r.reg.OpenPositions()
	localKeys := make(map[string]registry.OpenPosition)
	for _, p := range local {
		localKeys[string(p.Asset)+"|"+string(p.Direction)] = p
	}

	added, closed := 0, 0
	now := time.Now().UTC()

	for key, ep := range byStrategyPositionID {
		if _, ok := localKeys[key]; ok {
			continue
		}
		id := "reconciled-" + key
		if err := r.reg.AddReconciled(registry.OpenPosition{
			ID: id, StrategyPositionID: id, Asset: ep.Asset, Direction: ep.Direction, Qty: ep.Qty, AvgEntry: ep.AvgEntry,
		}); err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("add reconciled position failed")
			continue
		}
		added++
	}

	for key, p := range localKeys {
		if _, ok := byStrategyPositionID[key]; ok {
			continue
		}
		if err := r.reg.CloseMissing(p.StrategyPositionID, now); err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("close missing position failed")
			continue
		}
		closed++
	}

	r.bus.Publish(eventlog.Event{
		Timestamp: now,
		EventType: eventlog.EventReconciliationSummary,
		Data:      map[string]int{"added": added, "closedMissing": closed},
	})
	return nil
}
