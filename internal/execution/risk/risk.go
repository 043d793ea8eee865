// Package risk implements the Risk Enforcer: per-tick
// exposure/drawdown/daily-loss computation with breach responses,
// including hysteresis on exposure recovery.
package risk

import (
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/eventlog"
)

// hysteresisFactor is the 0.95x-of-cap resume threshold, preventing
// exposure from flapping suspend/resume around the cap.
const hysteresisFactor = 0.95

// SafeModeActivator triggers Safe Mode; the Risk Enforcer calls this on
// drawdown breach but does not itself own Safe Mode state.
type SafeModeActivator interface {
	Activate(reason string)
}

// Limits is the strategy's portfolio_risk contract.
type Limits struct {
	MaxDrawdownPct      float64
	DailyLossLimitUSD   float64
	MaxTotalExposurePct float64
}

// Enforcer is the Risk Enforcer.
type Enforcer struct {
	bus      *eventlog.Bus
	safeMode SafeModeActivator
	clockNow func() time.Time

	mu                 sync.Mutex
	limits             Limits
	peakEquity         float64
	entriesSuspended   bool
	dailyLossSuspended bool
}

// New constructs an Enforcer. clockNow defaults to time.Now when nil,
// overridable in tests.
func New(bus *eventlog.Bus, safeMode SafeModeActivator, clockNow func() time.Time) *Enforcer {
	if clockNow == nil {
		clockNow = func() time.Time { return time.Now().UTC() }
	}
	return &Enforcer{bus: bus, safeMode: safeMode, clockNow: clockNow}
}

// SetLimits updates the active strategy's risk limits, applied on the
// next Evaluate call (e.g. after a strategy reload).
func (e *Enforcer) SetLimits(l Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = l
}

// ResetPeak restarts drawdown tracking from the given equity; the peak
// is tracked per strategy cycle, so this is called on strategy reload.
func (e *Enforcer) ResetPeak(equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peakEquity = equity
}

// EntriesSuspended reports whether new entries are currently blocked by
// an exposure or daily-loss breach.
func (e *Enforcer) EntriesSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entriesSuspended || e.dailyLossSuspended
}

// ResetDailyLoss clears any daily-loss suspension. Invoked by a
// scheduler.Job anchored at UTC midnight instead of a
// date-string compare evaluated on every tick.
func (e *Enforcer) ResetDailyLoss() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyLossSuspended = false
}

// Evaluate recomputes exposure/drawdown/daily-loss from the current
// portfolio state and applies the breach responses.
// totalNotional is Σ positionNotional; equity is current account equity;
// realizedPlusUnrealizedSinceMidnight is dailyLossUsd (negative = loss).
func (e *Enforcer) Evaluate(totalNotional, equity, realizedPlusUnrealizedSinceMidnight float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if equity > e.peakEquity {
		e.peakEquity = equity
	}

	var exposurePct float64
	if equity > 0 {
		exposurePct = totalNotional / equity
	}
	var drawdownPct float64
	if e.peakEquity > 0 {
		drawdownPct = (e.peakEquity - equity) / e.peakEquity
	}
	dailyLossUsd := -realizedPlusUnrealizedSinceMidnight // loss expressed as a positive magnitude
	if dailyLossUsd < 0 {
		dailyLossUsd = 0
	}

	if e.limits.MaxTotalExposurePct > 0 {
		if exposurePct >= e.limits.MaxTotalExposurePct {
			if !e.entriesSuspended {
				e.entriesSuspended = true
				e.publishBreach("max_total_exposure_pct", exposurePct)
			}
		} else if exposurePct < e.limits.MaxTotalExposurePct*hysteresisFactor {
			e.entriesSuspended = false
		}
	}

	if e.limits.MaxDrawdownPct > 0 && drawdownPct >= e.limits.MaxDrawdownPct {
		e.publishBreach("max_drawdown_pct", drawdownPct)
		e.safeMode.Activate("max_drawdown")
	}

	if e.limits.DailyLossLimitUSD > 0 && dailyLossUsd >= e.limits.DailyLossLimitUSD {
		if !e.dailyLossSuspended {
			e.dailyLossSuspended = true
			e.publishBreach("daily_loss_limit_usd", dailyLossUsd)
		}
	}
}

func (e *Enforcer) publishBreach(limitName string, value float64) {
	e.bus.Publish(eventlog.Event{
		Timestamp: e.clockNow(),
		EventType: eventlog.EventRiskLimitBreached,
		Data:      map[string]interface{}{"limit": limitName, "value": value},
	})
}
