package engine

import (
	"context"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/dsl"
	"github.com/cryptonhq/crypton/internal/execution/marketdata"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/execution/strategy"
	"github.com/cryptonhq/crypton/internal/platform/domain"
)

// evaluateExit implements the Exit Evaluator: it
// updates bookkeeping unconditionally, then checks close triggers in the
// fixed priority invalidation > exit_all > hard_stop > trailing_stop >
// time_exit > take_profit, dispatching at most one close per position
// per tick.
func (e *Engine) evaluateExit(ctx context.Context, strategyID string, cp strategy.CompiledPosition, op registry.OpenPosition, posture domain.Posture, snap marketdata.Snapshot) {
	spec := cp.Spec

	if err := e.registry.UpdateUnrealized(op.StrategyPositionID, snap.Mid); err != nil {
		e.log.Warn().Err(err).Str("positionId", op.StrategyPositionID).Msg("update unrealized failed")
	}

	if spec.StopLoss.Type == strategy.StopTrailing {
		e.advanceTrailingStop(&op, spec, snap)
	}

	e.mu.Lock()
	closing := e.closingPositions[op.StrategyPositionID]
	e.mu.Unlock()
	if closing {
		return
	}

	if cp.InvalidationCondition != nil && e.evalCondition(cp.InvalidationCondition) == dsl.True {
		e.dispatchClose(ctx, strategyID, op, spec.Direction, op.Qty, "invalidation")
		return
	}

	if posture == domain.PostureExitAll {
		e.mu.Lock()
		sent := e.exitAllSent[op.StrategyPositionID]
		if !sent {
			e.exitAllSent[op.StrategyPositionID] = true
		}
		e.mu.Unlock()
		if !sent {
			e.dispatchClose(ctx, strategyID, op, spec.Direction, op.Qty, "exit_all")
		}
		return
	}

	if spec.StopLoss.Type == strategy.StopHard && hardStopHit(spec.Direction, spec.StopLoss.Price, exitPrice(spec.Direction, snap)) {
		e.dispatchClose(ctx, strategyID, op, spec.Direction, op.Qty, "hard_stop")
		return
	}

	if spec.StopLoss.Type == strategy.StopTrailing && op.TrailingStopPrice != nil && hardStopHit(spec.Direction, *op.TrailingStopPrice, exitPrice(spec.Direction, snap)) {
		e.dispatchClose(ctx, strategyID, op, spec.Direction, op.Qty, "trailing_stop")
		return
	}

	if spec.TimeExitUTC != nil && !spec.TimeExitUTC.After(time.Now().UTC()) {
		e.dispatchClose(ctx, strategyID, op, spec.Direction, op.Qty, "time_exit")
		return
	}

	if tgt, idx, qty, ok := e.nextTakeProfitTarget(spec, op, snap); ok {
		e.dispatchPartialClose(ctx, strategyID, op, spec.Direction, qty, idx, "take_profit")
		_ = tgt
		return
	}
}

// hardStopHit applies the direction-aware stop semantics: a long stops
// out when price falls to or below the stop, a
// short when price rises to or above it.
func hardStopHit(direction domain.Direction, stopPrice, markPrice float64) bool {
	if direction == domain.DirectionShort {
		return markPrice >= stopPrice
	}
	return markPrice <= stopPrice
}

// exitPrice is the side of the book a stop check fires against: a long
// can only sell at the bid, so its stop must compare against bid; a
// short can only buy back at the ask.
func exitPrice(direction domain.Direction, snap marketdata.Snapshot) float64 {
	if direction == domain.DirectionShort {
		return snap.Ask
	}
	return snap.Bid
}

// advanceTrailingStop moves the trailing stop only in the favorable
// direction; it never moves unfavorably.
func (e *Engine) advanceTrailingStop(op *registry.OpenPosition, spec strategy.PositionSpec, snap marketdata.Snapshot) {
	var candidate float64
	if spec.Direction == domain.DirectionShort {
		candidate = snap.Mid * (1 + spec.StopLoss.TrailPct)
	} else {
		candidate = snap.Mid * (1 - spec.StopLoss.TrailPct)
	}

	if op.TrailingStopPrice == nil {
		if err := e.registry.UpdateTrailingStop(op.StrategyPositionID, candidate); err != nil {
			e.log.Warn().Err(err).Str("positionId", op.StrategyPositionID).Msg("set initial trailing stop failed")
		}
		return
	}

	favorable := candidate > *op.TrailingStopPrice
	if spec.Direction == domain.DirectionShort {
		favorable = candidate < *op.TrailingStopPrice
	}
	if !favorable {
		return
	}
	if err := e.registry.UpdateTrailingStop(op.StrategyPositionID, candidate); err != nil {
		e.log.Warn().Err(err).Str("positionId", op.StrategyPositionID).Msg("advance trailing stop failed")
	}
}

// nextTakeProfitTarget returns the lowest-indexed unhit take-profit
// target whose price has been reached; targets fire strictly in index
// order. close_pct is a fraction of the
// original entry quantity, recovered from the remaining quantity and
// the already-hit targets' percentages so partial closes don't compound.
func (e *Engine) nextTakeProfitTarget(spec strategy.PositionSpec, op registry.OpenPosition, snap marketdata.Snapshot) (strategy.TakeProfitTarget, int, float64, bool) {
	var hitPct float64
	for i, tgt := range spec.TakeProfitTargets {
		if op.TargetsHit[i] {
			hitPct += tgt.ClosePct
		}
	}
	originalQty := op.Qty
	if hitPct < 1 {
		originalQty = op.Qty / (1 - hitPct)
	}

	for i, tgt := range spec.TakeProfitTargets {
		if op.TargetsHit[i] {
			continue
		}
		reached := snap.Mid >= tgt.Price
		if spec.Direction == domain.DirectionShort {
			reached = snap.Mid <= tgt.Price
		}
		if !reached {
			return strategy.TakeProfitTarget{}, 0, 0, false
		}
		qty := originalQty * tgt.ClosePct
		if qty > op.Qty {
			qty = op.Qty
		}
		return tgt, i, qty, true
	}
	return strategy.TakeProfitTarget{}, 0, 0, false
}

// dispatchClose marks the position as closing while the exit order is
// dispatched, suppressing re-triggers from other ticks until the order
// is acknowledged or rejected, and clears the mark once DispatchExit
// returns. A filled exit drops the position out of the registry; after a
// failed dispatch the position stays open and is retried next tick.
func (e *Engine) dispatchClose(ctx context.Context, strategyID string, op registry.OpenPosition, direction domain.Direction, qty float64, reason string) {
	e.mu.Lock()
	e.closingPositions[op.StrategyPositionID] = true
	e.mu.Unlock()

	_, err := e.router.DispatchExit(ctx, strategyID, op.StrategyPositionID, op.Asset, direction, qty, reason, time.Now().UTC())
	e.mu.Lock()
	delete(e.closingPositions, op.StrategyPositionID)
	e.mu.Unlock()
	if err != nil {
		e.log.Warn().Err(err).Str("positionId", op.StrategyPositionID).Str("reason", reason).Msg("exit dispatch failed")
		return
	}
	e.log.Info().Str("positionId", op.StrategyPositionID).Str("reason", reason).Float64("qty", qty).Msg("exit dispatched")
}

func (e *Engine) dispatchPartialClose(ctx context.Context, strategyID string, op registry.OpenPosition, direction domain.Direction, qty float64, targetIndex int, reason string) {
	_, err := e.router.DispatchExit(ctx, strategyID, op.StrategyPositionID, op.Asset, direction, qty, reason, time.Now().UTC())
	if err != nil {
		e.log.Warn().Err(err).Str("positionId", op.StrategyPositionID).Str("reason", reason).Msg("take-profit dispatch failed")
		return
	}
	if err := e.registry.MarkTargetHit(op.StrategyPositionID, targetIndex); err != nil {
		e.log.Warn().Err(err).Str("positionId", op.StrategyPositionID).Msg("mark target hit failed")
	}
	e.log.Info().Str("positionId", op.StrategyPositionID).Int("target", targetIndex).Float64("qty", qty).Msg("take-profit dispatched")
}
