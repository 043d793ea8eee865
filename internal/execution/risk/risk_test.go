package risk

import (
	"testing"

	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActivator struct {
	reasons []string
}

func (f *fakeActivator) Activate(reason string) { f.reasons = append(f.reasons, reason) }

func newEnforcer(t *testing.T) (*Enforcer, *fakeActivator, *[]eventlog.Event) {
	t.Helper()
	bus := eventlog.NewBus()
	var breaches []eventlog.Event
	bus.Subscribe(eventlog.EventRiskLimitBreached, func(e eventlog.Event) { breaches = append(breaches, e) })
	act := &fakeActivator{}
	return New(bus, act, nil), act, &breaches
}

func TestExposureBreachSuspendsEntriesWithHysteresis(t *testing.T) {
	e, _, breaches := newEnforcer(t)
	e.SetLimits(Limits{MaxTotalExposurePct: 0.5, MaxDrawdownPct: 1})
	e.ResetPeak(10000)

	e.Evaluate(5000, 10000, 0) // exposure exactly at the 0.5 cap
	assert.True(t, e.EntriesSuspended())
	require.Len(t, *breaches, 1)

	// Dropping below the cap but above 0.95x of it must not resume.
	e.Evaluate(4800, 10000, 0) // 0.48 > 0.475
	assert.True(t, e.EntriesSuspended(), "recovery inside the hysteresis band must stay suspended")

	e.Evaluate(4700, 10000, 0) // 0.47 < 0.475
	assert.False(t, e.EntriesSuspended())

	// Re-breaching emits a fresh event rather than staying silent.
	e.Evaluate(5100, 10000, 0)
	assert.True(t, e.EntriesSuspended())
	assert.Len(t, *breaches, 2)
}

func TestDrawdownBreachTriggersSafeMode(t *testing.T) {
	e, act, _ := newEnforcer(t)
	e.SetLimits(Limits{MaxDrawdownPct: 0.10, MaxTotalExposurePct: 1})
	e.ResetPeak(10000)

	e.Evaluate(0, 11000, 0) // new peak
	assert.Empty(t, act.reasons)

	e.Evaluate(0, 9899, 0) // (11000-9899)/11000 = 0.1001
	require.NotEmpty(t, act.reasons)
	assert.Equal(t, "max_drawdown", act.reasons[0])
}

func TestDailyLossBreachSuspendsUntilReset(t *testing.T) {
	e, act, breaches := newEnforcer(t)
	e.SetLimits(Limits{DailyLossLimitUSD: 500, MaxDrawdownPct: 1, MaxTotalExposurePct: 1})
	e.ResetPeak(10000)

	e.Evaluate(0, 9400, -600)
	assert.True(t, e.EntriesSuspended())
	assert.Empty(t, act.reasons, "daily loss suspends entries without activating safe mode")
	require.Len(t, *breaches, 1)
	assert.Equal(t, eventlog.EventRiskLimitBreached, (*breaches)[0].EventType)

	// A recovering P&L inside the same UTC day does not lift the suspension.
	e.Evaluate(0, 9900, -100)
	assert.True(t, e.EntriesSuspended())

	e.ResetDailyLoss()
	e.Evaluate(0, 9900, -100)
	assert.False(t, e.EntriesSuspended())
}

func TestProfitableDayNeverBreachesDailyLoss(t *testing.T) {
	e, _, breaches := newEnforcer(t)
	e.SetLimits(Limits{DailyLossLimitUSD: 500, MaxDrawdownPct: 1, MaxTotalExposurePct: 1})
	e.ResetPeak(10000)

	e.Evaluate(0, 10600, 600)
	assert.False(t, e.EntriesSuspended())
	assert.Empty(t, *breaches)
}
