package engine

import (
	"context"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/execution/dsl"
	"github.com/cryptonhq/crypton/internal/execution/marketdata"
	"github.com/cryptonhq/crypton/internal/execution/sizer"
	"github.com/cryptonhq/crypton/internal/execution/strategy"
	"github.com/cryptonhq/crypton/internal/platform/domain"
)

// evaluateEntry implements the Entry Evaluator.
func (e *Engine) evaluateEntry(ctx context.Context, strategyID string, cp strategy.CompiledPosition, doc *strategy.Document, snap marketdata.Snapshot, availableCapital float64, entriesSuspended bool) {
	spec := cp.Spec

	e.mu.Lock()
	alreadyDispatched := e.dispatchedEntries[spec.ID]
	e.mu.Unlock()
	if alreadyDispatched {
		return
	}
	if e.router.HasActiveOrder(spec.ID) {
		return
	}

	if doc.Posture == domain.PostureFlat || doc.Posture == domain.PostureExitAll {
		return
	}
	if entriesSuspended {
		return
	}

	triggered, orderType, skipReason := e.resolveEntryTrigger(cp, snap)
	if !triggered {
		_ = skipReason // the skip reason is not recorded or emitted
		return
	}

	qty, reason := sizer.Size(availableCapital, spec.AllocationPct, doc.PortfolioRisk.MaxPerPositionPct, snap.Mid, e.cfg.Sizer)
	if reason != sizer.SkipNone {
		return
	}

	rec, err := e.router.DispatchEntry(ctx, strategyID, spec.ID, spec.Asset, spec.Direction, orderType, qty, spec.EntryLimitPrice, time.Now().UTC())
	e.mu.Lock()
	e.dispatchedEntries[spec.ID] = true
	e.mu.Unlock()
	if err != nil {
		e.log.Warn().Err(err).Str("positionId", spec.ID).Msg("entry dispatch failed")
		return
	}
	e.log.Info().Str("positionId", spec.ID).Str("asset", string(spec.Asset)).Float64("qty", rec.Qty).Msg("entry dispatched")
}

// resolveEntryTrigger resolves the entry trigger per entry type,
// returning whether to dispatch now, the adapter order type
// to use, and a skip reason when not triggered.
func (e *Engine) resolveEntryTrigger(cp strategy.CompiledPosition, snap marketdata.Snapshot) (bool, adapter.OrderType, string) {
	spec := cp.Spec
	switch spec.EntryType {
	case strategy.EntryMarket:
		return true, adapter.OrderMarket, ""

	case strategy.EntryLimit:
		if spec.Direction == domain.DirectionLong {
			return snap.Bid <= spec.EntryLimitPrice, adapter.OrderLimit, ""
		}
		return snap.Ask >= spec.EntryLimitPrice, adapter.OrderLimit, ""

	case strategy.EntryConditional:
		result := e.evalCondition(cp.EntryCondition)
		if result == dsl.Unknown {
			return false, adapter.OrderConditional, "indicator_not_ready"
		}
		isTrue := result == dsl.True

		e.mu.Lock()
		wasTrue := e.priorCrossTrue[spec.ID]
		e.priorCrossTrue[spec.ID] = isTrue
		e.mu.Unlock()

		if !isTrue {
			return false, adapter.OrderConditional, ""
		}
		if spec.TriggerMode == "immediate" {
			return true, adapter.OrderConditional, ""
		}
		// default "fresh_crossing": require the prior tick's evaluation
		// to have been false, so a continuous run of true only fires once.
		return !wasTrue, adapter.OrderConditional, ""
	}
	return false, adapter.OrderMarket, "unknown_entry_type"
}
