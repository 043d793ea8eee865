package strategy

import (
	"testing"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc(now time.Time) *Document {
	return &Document{
		Mode:           domain.ModePaper,
		ValidityWindow: now.Add(6 * time.Hour),
		Posture:        domain.PostureModerate,
		PortfolioRisk: PortfolioRisk{
			MaxDrawdownPct:      0.1,
			DailyLossLimitUSD:   500,
			MaxTotalExposurePct: 0.5,
			MaxPerPositionPct:   0.2,
		},
		Positions: []PositionSpec{
			{
				ID:            "p1",
				Asset:         "BTC/USD",
				Direction:     domain.DirectionLong,
				AllocationPct: 0.1,
				EntryType:     EntryMarket,
				StopLoss:      StopLoss{Type: StopHard, Price: 40000},
			},
		},
	}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	now := time.Now().UTC()
	assert.NoError(t, validDoc(now).Validate(now))
}

func TestValidateRejectsExpiredValidityWindow(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	doc.ValidityWindow = now.Add(-time.Hour)
	assert.Error(t, doc.Validate(now))
}

func TestValidateRejectsTakeProfitOverAllocation(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	doc.Positions[0].TakeProfitTargets = []TakeProfitTarget{{Price: 46000, ClosePct: 0.6}, {Price: 47000, ClosePct: 0.6}}
	assert.Error(t, doc.Validate(now))
}

func TestValidateRejectsConditionalEntryWithoutCondition(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	doc.Positions[0].EntryType = EntryConditional
	assert.Error(t, doc.Validate(now))
}

func TestValidateRejectsBadDSLInEntryCondition(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	doc.Positions[0].EntryType = EntryConditional
	doc.Positions[0].EntryCondition = "price(BTC/USD) >"
	assert.Error(t, doc.Validate(now))
}

func TestCompileProducesOneCompiledPositionPerSpec(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	compiled, err := Compile(doc, "abc123", now)
	require.NoError(t, err)
	assert.Equal(t, "abc123", compiled.ID)
	require.Len(t, compiled.Positions, 1)
}

func TestContentIDIsDeterministicAcrossWhitespace(t *testing.T) {
	a := []byte(`{"mode":"paper","positions":[]}`)
	b := []byte(`{
		"mode": "paper",
		"positions": []
	}`)
	assert.Equal(t, ContentID(a), ContentID(b))
}

func TestContentIDDiffersForDifferentContent(t *testing.T) {
	a := []byte(`{"mode":"paper"}`)
	b := []byte(`{"mode":"live"}`)
	assert.NotEqual(t, ContentID(a), ContentID(b))
}

func TestIndicatorPeriodsCollectsEveryReferencedPeriod(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	doc.Positions[0].EntryType = EntryConditional
	doc.Positions[0].EntryCondition = "AND(RSI(7, BTC/USD) < 35, EMA(21, BTC/USD) > 45000)"
	doc.Positions[0].InvalidationCondition = "SMA(14, BTC/USD) < 40000"

	compiled, err := Compile(doc, "abc123", now)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 14, 21}, compiled.IndicatorPeriods())
}

func TestIndicatorPeriodsEmptyForPriceOnlyConditions(t *testing.T) {
	now := time.Now().UTC()
	doc := validDoc(now)
	doc.Positions[0].EntryType = EntryConditional
	doc.Positions[0].EntryCondition = "price(BTC/USD) > 45000"

	compiled, err := Compile(doc, "abc123", now)
	require.NoError(t, err)
	assert.Empty(t, compiled.IndicatorPeriods())
}
