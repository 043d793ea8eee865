package resilience

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	calls int
}

func (c *countingCloser) CloseAllAtMarket() { c.calls++ }

func TestSafeModeActivatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe_mode.json")
	bus := eventlog.NewBus()
	closer := &countingCloser{}

	sm := NewSafeMode(zerolog.Nop(), path, bus, closer)
	assert.False(t, sm.Active())

	sm.Activate("max_drawdown")
	assert.True(t, sm.Active())
	assert.Equal(t, 1, closer.calls)

	reloaded := NewSafeMode(zerolog.Nop(), path, eventlog.NewBus(), nil)
	assert.True(t, reloaded.Active())
	assert.Equal(t, "max_drawdown", reloaded.State().Reason)
}

func TestSafeModeReactivationUpdatesReasonWithoutReclosing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe_mode.json")
	bus := eventlog.NewBus()
	var activated int
	bus.Subscribe(eventlog.EventSafeModeActivated, func(eventlog.Event) { activated++ })
	closer := &countingCloser{}

	sm := NewSafeMode(zerolog.Nop(), path, bus, closer)
	sm.Activate("max_drawdown")
	sm.Activate("connectivity_loss")

	assert.Equal(t, 1, closer.calls, "re-activation must not re-dispatch closes")
	assert.Equal(t, 1, activated)
	assert.Equal(t, "connectivity_loss", sm.State().Reason)
}

func TestSafeModeDeactivateClearsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe_mode.json")
	sm := NewSafeMode(zerolog.Nop(), path, eventlog.NewBus(), &countingCloser{})
	sm.Activate("max_drawdown")
	require.NoError(t, sm.Deactivate())
	assert.False(t, sm.Active())

	reloaded := NewSafeMode(zerolog.Nop(), path, eventlog.NewBus(), nil)
	assert.False(t, reloaded.Active())
}

func TestFailureTrackerActivatesSafeModeAtThreshold(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), eventlog.NewBus(), &countingCloser{})
	ft := NewFailureTracker(filepath.Join(dir, "failure_count.json"), 3, sm)

	ft.RecordFailure()
	ft.RecordFailure()
	assert.False(t, sm.Active())

	ft.RecordFailure()
	assert.True(t, sm.Active())
	assert.Equal(t, "failure_threshold", sm.State().Reason)
}

func TestFailureTrackerSuccessResetsCount(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), eventlog.NewBus(), &countingCloser{})
	ft := NewFailureTracker(filepath.Join(dir, "failure_count.json"), 3, sm)

	ft.RecordFailure()
	ft.RecordFailure()
	ft.RecordSuccess()
	ft.RecordFailure()
	ft.RecordFailure()
	assert.False(t, sm.Active())
}

func TestFailureTrackerPersistedCountStartsSafeModeActive(t *testing.T) {
	dir := t.TempDir()
	countPath := filepath.Join(dir, "failure_count.json")

	sm := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), eventlog.NewBus(), &countingCloser{})
	ft := NewFailureTracker(countPath, 3, sm)
	ft.RecordFailure()
	ft.RecordFailure()
	ft.RecordFailure()

	// Fresh process: no safe-mode file, but the persisted count alone
	// must bring safe mode up active.
	sm2 := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode_2.json"), eventlog.NewBus(), &countingCloser{})
	_ = NewFailureTracker(countPath, 3, sm2)
	assert.True(t, sm2.Active())
	assert.Equal(t, "failure_threshold", sm2.State().Reason)
}

type fakeTickSource struct {
	last time.Time
}

func (f *fakeTickSource) LastTickAt() time.Time { return f.last }

func TestDMSTripsOnSustainedSilence(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), eventlog.NewBus(), &countingCloser{})
	src := &fakeTickSource{last: time.Now().UTC().Add(-65 * time.Second)}

	d := NewDMS(zerolog.Nop(), src, sm, 60*time.Second)
	d.checkOnce()

	assert.True(t, sm.Active())
	assert.Equal(t, "connectivity_loss", sm.State().Reason)
}

func TestDMSIgnoresStartupBeforeFirstTick(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), eventlog.NewBus(), &countingCloser{})
	src := &fakeTickSource{} // zero time: no tick has ever arrived

	d := NewDMS(zerolog.Nop(), src, sm, 60*time.Second)
	d.checkOnce()
	assert.False(t, sm.Active())
}

func TestDMSStaysQuietWhileTicksFlow(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(zerolog.Nop(), filepath.Join(dir, "safe_mode.json"), eventlog.NewBus(), &countingCloser{})
	src := &fakeTickSource{last: time.Now().UTC().Add(-5 * time.Second)}

	d := NewDMS(zerolog.Nop(), src, sm, 60*time.Second)
	d.checkOnce()
	assert.False(t, sm.Active())
}

// stubExchange is a minimal Adapter whose only meaningful answer is its
// canned open-position list, for reconciliation tests.
type stubExchange struct {
	positions []adapter.ExchangePosition
}

func (s *stubExchange) SubscribeMarketData(ctx context.Context, assets []domain.Asset, cb adapter.TickCallback) (func(), error) {
	return func() {}, nil
}
func (s *stubExchange) PlaceOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Ack, error) {
	return adapter.Ack{Status: adapter.StatusFilled, FilledQty: req.Qty}, nil
}
func (s *stubExchange) CancelOrder(ctx context.Context, id string) (adapter.CancelResult, error) {
	return adapter.CancelResult{}, nil
}
func (s *stubExchange) GetOrderStatus(ctx context.Context, id string) (adapter.OrderStatusResult, error) {
	return adapter.OrderStatusResult{}, nil
}
func (s *stubExchange) GetAccountBalance(ctx context.Context) ([]adapter.Balance, error) {
	return nil, nil
}
func (s *stubExchange) GetOpenPositions(ctx context.Context) ([]adapter.ExchangePosition, error) {
	return s.positions, nil
}
func (s *stubExchange) GetTradeHistory(ctx context.Context, since time.Time) ([]adapter.Trade, error) {
	return nil, nil
}
func (s *stubExchange) IsRateLimited() bool           { return false }
func (s *stubExchange) RateLimitResumesAt() time.Time { return time.Time{} }

func TestReconcilerAlignsRegistryWithExchange(t *testing.T) {
	dir := t.TempDir()
	reg, _ := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"))

	// Local-only position: must be closed with reason reconciled_missing.
	require.NoError(t, reg.AddReconciled(registry.OpenPosition{
		ID: "local-1", StrategyPositionID: "local-1", Asset: "ETH/USD", Direction: domain.DirectionLong, Qty: 2, AvgEntry: 3000,
	}))

	// Exchange-only position: must be added with origin reconciled.
	stub := &stubExchange{positions: []adapter.ExchangePosition{
		{Asset: "BTC/USD", Direction: domain.DirectionLong, Qty: 0.5, AvgEntry: 45000},
	}}
	adpRouter := adapter.NewRouter(stub, nil, func() domain.Mode { return domain.ModePaper })

	bus := eventlog.NewBus()
	var summary *eventlog.Event
	bus.Subscribe(eventlog.EventReconciliationSummary, func(e eventlog.Event) { summary = &e })

	rec := NewReconciler(zerolog.Nop(), adpRouter, reg, bus)
	require.NoError(t, rec.Run(context.Background()))

	open := reg.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.Asset("BTC/USD"), open[0].Asset)
	assert.Equal(t, registry.OriginReconciled, open[0].Origin)
	assert.Equal(t, 0.5, open[0].Qty)

	trades := reg.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "reconciled_missing", trades[0].CloseReason)

	require.NotNil(t, summary)
	counts, ok := summary.Data.(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, counts["added"])
	assert.Equal(t, 1, counts["closedMissing"])
}
