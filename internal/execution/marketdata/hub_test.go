package marketdata

import (
	"testing"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(h *Hub, asset domain.Asset, bid, ask float64) {
	h.handleTick(adapter.Snapshot{Asset: asset, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()})
}

func TestSnapshotAbsentBeforeFirstTick(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	_, ok := h.Snapshot("BTC/USD")
	assert.False(t, ok)
	_, ok = h.Price("BTC/USD")
	assert.False(t, ok)
}

func TestSnapshotCachesLatestTick(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	tick(h, "BTC/USD", 44999, 45001)
	tick(h, "BTC/USD", 45999, 46001)

	snap, ok := h.Snapshot("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 45999.0, snap.Bid)
	assert.Equal(t, 46001.0, snap.Ask)
	assert.Equal(t, 46000.0, snap.Mid)

	mid, ok := h.Price("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 46000.0, mid)
}

func TestTicksAreIsolatedPerAsset(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	tick(h, "BTC/USD", 44999, 45001)

	_, ok := h.Snapshot("ETH/USD")
	assert.False(t, ok)
}

func TestIndicatorUnknownUntilEnoughHistory(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	for i := 0; i < 10; i++ {
		px := 45000 + float64(i)*10
		tick(h, "BTC/USD", px-1, px+1)
	}
	_, ok := h.Indicator("RSI", 14, "BTC/USD")
	assert.False(t, ok, "RSI_14 needs more than 14 closes before it produces a value")

	for i := 10; i < 30; i++ {
		px := 45000 + float64(i)*10
		tick(h, "BTC/USD", px-1, px+1)
	}
	v, ok := h.Indicator("RSI", 14, "BTC/USD")
	require.True(t, ok)
	assert.Greater(t, v, 50.0, "a monotonically rising series must read overbought")

	_, ok = h.Indicator("EMA", 20, "BTC/USD")
	assert.True(t, ok)
}

func TestUnsupportedPeriodYieldsNoValue(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	for i := 0; i < 30; i++ {
		tick(h, "BTC/USD", 44999, 45001)
	}
	_, ok := h.Indicator("RSI", 13, "BTC/USD")
	assert.False(t, ok)
}

func TestLastTickAtAdvances(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	assert.True(t, h.LastTickAt().IsZero())
	tick(h, "BTC/USD", 44999, 45001)
	assert.False(t, h.LastTickAt().IsZero())
}

func TestOnTickFiresAfterCacheUpdate(t *testing.T) {
	var observed []float64
	var h *Hub
	h = New(zerolog.Nop(), nil, func(asset domain.Asset) {
		snap, ok := h.Snapshot(asset)
		require.True(t, ok, "the cache must already hold the tick when the handler fires")
		observed = append(observed, snap.Mid)
	})
	tick(h, "BTC/USD", 44999, 45001)
	tick(h, "BTC/USD", 45999, 46001)
	assert.Equal(t, []float64{45000, 46000}, observed)
}

func TestSetPeriodsComputesStrategyReferencedPeriods(t *testing.T) {
	h := New(zerolog.Nop(), nil, nil)
	h.SetPeriods([]int{7})

	for i := 0; i < 10; i++ {
		px := 45000 + float64(i)*10
		tick(h, "BTC/USD", px-1, px+1)
	}
	v, ok := h.Indicator("RSI", 7, "BTC/USD")
	require.True(t, ok, "a strategy-referenced period must be computed once history allows")
	assert.Greater(t, v, 50.0)

	// The defaults survive a SetPeriods call.
	for i := 10; i < 30; i++ {
		px := 45000 + float64(i)*10
		tick(h, "BTC/USD", px-1, px+1)
	}
	_, ok = h.Indicator("RSI", 14, "BTC/USD")
	assert.True(t, ok)
}
