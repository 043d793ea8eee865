package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCtx struct {
	prices     map[string]float64
	indicators map[string]float64
}

func (f fakeCtx) Price(asset string) (float64, bool) {
	v, ok := f.prices[asset]
	return v, ok
}

func (f fakeCtx) Indicator(name string, period int, asset string) (float64, bool) {
	v, ok := f.indicators[indicatorKey(name, period)+"@"+asset]
	return v, ok
}

func TestCompareGreaterThan(t *testing.T) {
	node, err := Compile("price(BTC/USD) > 45000")
	require.NoError(t, err)
	ctx := fakeCtx{prices: map[string]float64{"BTC/USD": 46000}}
	assert.Equal(t, True, Evaluate(node, ctx))
}

func TestAndWithUnknownIndicator(t *testing.T) {
	node, err := Compile("AND(RSI(14, BTC/USD) < 35, price(BTC/USD) > 45000)")
	require.NoError(t, err)
	ctx := fakeCtx{prices: map[string]float64{"BTC/USD": 46000}}
	assert.Equal(t, Unknown, Evaluate(node, ctx), "missing RSI must yield unknown, not false")
}

func TestAndFalseShortCircuitsEvenWithUnknown(t *testing.T) {
	node, err := Compile("AND(RSI(14, BTC/USD) < 35, price(BTC/USD) > 99999999)")
	require.NoError(t, err)
	ctx := fakeCtx{prices: map[string]float64{"BTC/USD": 46000}}
	assert.Equal(t, False, Evaluate(node, ctx))
}

func TestRsiAndPriceEntryConditionAcrossTicks(t *testing.T) {
	node, err := Compile("AND(RSI(14, BTC/USD) < 35, price(BTC/USD) > 45000)")
	require.NoError(t, err)

	ctx1 := fakeCtx{prices: map[string]float64{"BTC/USD": 46000}, indicators: map[string]float64{"RSI_14@BTC/USD": 40}}
	assert.Equal(t, False, Evaluate(node, ctx1))

	ctx2 := fakeCtx{prices: map[string]float64{"BTC/USD": 44900}, indicators: map[string]float64{"RSI_14@BTC/USD": 32}}
	assert.Equal(t, False, Evaluate(node, ctx2))

	ctx3 := fakeCtx{prices: map[string]float64{"BTC/USD": 45001}, indicators: map[string]float64{"RSI_14@BTC/USD": 32}}
	assert.Equal(t, True, Evaluate(node, ctx3))
}

func TestCrossesAboveFiresExactlyOnCrossingTick(t *testing.T) {
	node, err := Compile("crosses_above(price(BTC/USD), 45000)")
	require.NoError(t, err)

	seq := []float64{44000, 44500, 45500, 45800, 44900}
	var results []Tri
	for _, p := range seq {
		results = append(results, Evaluate(node, fakeCtx{prices: map[string]float64{"BTC/USD": p}}))
	}

	assert.Equal(t, []Tri{False, False, True, False, False}, results)
}

func TestEqualityIsEpsilonTolerant(t *testing.T) {
	node, err := Compile("price(BTC/USD) == 45000")
	require.NoError(t, err)
	ctx := fakeCtx{prices: map[string]float64{"BTC/USD": 45000.0000000001}}
	assert.Equal(t, True, Evaluate(node, ctx))
}

func TestCompileRejectsUnknownIndicator(t *testing.T) {
	_, err := Compile("FAKEIND(14, BTC/USD) > 1")
	assert.Error(t, err)
}

func TestCompileRejectsMalformedExpression(t *testing.T) {
	_, err := Compile("price(BTC/USD) >")
	assert.Error(t, err)
}

func TestNotUnknownIsUnknown(t *testing.T) {
	node, err := Compile("NOT(RSI(14, BTC/USD) < 35)")
	require.NoError(t, err)
	assert.Equal(t, Unknown, Evaluate(node, fakeCtx{}))
}

func TestParenthesizedOrPrecedence(t *testing.T) {
	node, err := Compile("(price(BTC/USD) > 1 OR price(BTC/USD) < 0) AND price(BTC/USD) > 0")
	require.NoError(t, err)
	ctx := fakeCtx{prices: map[string]float64{"BTC/USD": 5}}
	assert.Equal(t, True, Evaluate(node, ctx))
}
