package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-extremes/internal/market"
)

func dims(ps ...float64) []DimensionPercentile {
	all := market.All()
	out := make([]DimensionPercentile, len(ps))
	for i, p := range ps {
		out[i] = DimensionPercentile{Dimension: all[i], Percentile: p}
	}
	return out
}

func TestClassifyNone(t *testing.T) {
	assert.Nil(t, Classify(nil, 90, 3))
	assert.Nil(t, Classify(dims(10, 50, 89.9), 90, 3))
	// Strictly above: exactly at the threshold does not qualify.
	assert.Nil(t, Classify(dims(90, 90), 90, 3))
}

func TestClassifyObserveBelowMin(t *testing.T) {
	for min := 1; min <= 5; min++ {
		ps := make([]float64, 0, 6)
		for i := 0; i < min-1; i++ {
			ps = append(ps, 95)
		}
		ps = append(ps, 10)
		c := Classify(dims(ps...), 90, min)
		if min == 1 {
			assert.Nil(t, c)
			continue
		}
		require.NotNil(t, c, "min=%d", min)
		assert.Equal(t, LevelObserve, c.Level, "min-1 qualifying dimensions never escalate")
		assert.Len(t, c.Dimensions, min-1)
	}
}

func TestClassifyImportant(t *testing.T) {
	c := Classify(dims(95, 91, 99, 20, 97), 90, 3)
	require.NotNil(t, c)
	assert.Equal(t, LevelImportant, c.Level)
	require.Len(t, c.Dimensions, 4)
	assert.Equal(t, market.FlowHour, c.Dimensions[0].Dimension)
	assert.Equal(t, 97.0, c.Dimensions[3].Percentile)
}

func TestOrdered(t *testing.T) {
	got := Ordered(map[market.Dimension]float64{
		market.TakerRatio: 1,
		market.FlowHour:   2,
	})
	require.Len(t, got, 2)
	assert.Equal(t, market.FlowHour, got[0].Dimension)
	assert.Equal(t, market.TakerRatio, got[1].Dimension)
}

func TestCooldownsPerSymbolAndLevel(t *testing.T) {
	c := NewCooldowns(60*time.Minute, 30*time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, c.Allow("BTC", LevelObserve, now))
	c.MarkSent("BTC", LevelObserve, now)

	assert.False(t, c.Allow("BTC", LevelObserve, now.Add(59*time.Minute)))
	assert.True(t, c.Allow("BTC", LevelImportant, now), "levels are independent")
	assert.True(t, c.Allow("ETH", LevelObserve, now), "symbols are independent")
	assert.Equal(t, time.Minute, c.Remaining("BTC", LevelObserve, now.Add(59*time.Minute)))
	assert.True(t, c.Allow("BTC", LevelObserve, now.Add(60*time.Minute)))

	c.MarkSent("BTC", LevelImportant, now)
	assert.False(t, c.Allow("BTC", LevelImportant, now.Add(29*time.Minute)))
	assert.True(t, c.Allow("BTC", LevelImportant, now.Add(30*time.Minute)))
	assert.Zero(t, c.Remaining("SOL", LevelImportant, now))
}

func TestCooldownsIsolatedInstances(t *testing.T) {
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCooldowns(time.Hour, time.Hour)
			assert.True(t, c.Allow("BTC", LevelObserve, now))
			c.MarkSent("BTC", LevelObserve, now)
			assert.False(t, c.Allow("BTC", LevelObserve, now))
		}()
	}
	wg.Wait()
}

func kinds(ins []Insight) []InsightKind {
	out := make([]InsightKind, len(ins))
	for i, in := range ins {
		out[i] = in.Kind
	}
	return out
}

func TestCheckInsights(t *testing.T) {
	prev := InsightReading{DivergenceLevel: market.DivergenceMild, TopRatio: 0.9, FlowHour: -2_000_000, TakerRatioPct: 50}
	cur := InsightReading{DivergenceLevel: market.DivergenceStrong, TopRatio: 1.1, FlowHour: 6_000_000, TakerRatio: 1.4, TakerRatioPct: 95}

	got := CheckInsights(cur, prev, DefaultInsightOptions)
	assert.Equal(t, []InsightKind{InsightDivergenceSpike, InsightWhaleFlip, InsightFlowReversal, InsightTakerExtreme}, kinds(got))
	assert.Equal(t, "大户方向反转：转多", got[1].Message)
	assert.Equal(t, "资金流向反转：转为流入", got[2].Message)
	assert.Equal(t, "主动买入极端", got[3].Message)
}

func TestCheckInsightsQuiet(t *testing.T) {
	prev := InsightReading{DivergenceLevel: market.DivergenceStrong, TopRatio: 1.2, FlowHour: -2_000_000}
	cur := InsightReading{DivergenceLevel: market.DivergenceStrong, TopRatio: 1.1, FlowHour: 3_000_000, TakerRatioPct: 90}

	// Flow flipped but stayed under the threshold; taker at exactly 90 is not extreme.
	assert.Empty(t, CheckInsights(cur, prev, DefaultInsightOptions))
}

func TestCheckInsightsBearish(t *testing.T) {
	prev := InsightReading{TopRatio: 1.05, FlowHour: 1}
	cur := InsightReading{TopRatio: 0.95, FlowHour: -8_000_000, TakerRatio: 0.6, TakerRatioPct: 99}
	got := CheckInsights(cur, prev, DefaultInsightOptions)
	require.Len(t, got, 3)
	assert.Equal(t, "大户方向反转：转空", got[0].Message)
	assert.Equal(t, "资金流向反转：转为流出", got[1].Message)
	assert.Equal(t, "主动卖出极端", got[2].Message)
}

func TestHeadline(t *testing.T) {
	assert.Equal(t, "市场平稳", Headline(InsightReading{}, 0, 0))
	got := Headline(InsightReading{
		DivergenceLevel: market.DivergenceStrong, Divergence: 0.4, FlowHour: 2_000_000, LiqLongShare: 0.8,
	}, 0.1, 0)
	assert.Equal(t, "大户加多，与散户分歧（大户更看多），资金流入，多头承压", got)
}

func TestHeadlineRegimeAndLiquidationSide(t *testing.T) {
	got := Headline(InsightReading{OIChangePct: 2.5, LiqLongShare: 0.2}, 0, -1.2)
	assert.Equal(t, "空头开仓，空头承压", got)

	// OI inside the ±1% band reads as stable and is left out.
	assert.Equal(t, "市场平稳", Headline(InsightReading{OIChangePct: 0.8}, 0, 3))
	// A balanced liquidation split says nothing.
	assert.Equal(t, "多头平仓", Headline(InsightReading{OIChangePct: -3, LiqLongShare: 0.5}, 0, -0.4))
}

func TestPreviousReadings(t *testing.T) {
	p := NewPreviousReadings()
	_, ok := p.Swap("BTC", InsightReading{TopRatio: 1.1})
	assert.False(t, ok)

	prev, ok := p.Swap("BTC", InsightReading{TopRatio: 0.9})
	require.True(t, ok)
	assert.Equal(t, 1.1, prev.TopRatio)

	_, ok = p.Swap("ETH", InsightReading{})
	assert.False(t, ok)
}

func TestCheckAbsolute(t *testing.T) {
	snap := market.NewSnapshot("BTC", 0, 0, map[market.Dimension]float64{
		market.FlowHour:         -12_000_000,
		market.OIChangeHour:     2.9,
		market.LiquidationsHour: 20_000_000,
	})
	pcts := map[market.Dimension]float64{market.FlowHour: 99}

	got := CheckAbsolute(snap, DefaultAbsoluteRules, pcts)
	require.Len(t, got, 2)
	assert.Equal(t, AbsoluteWhaleFlow, got[0].Kind)
	assert.Equal(t, -12_000_000.0, got[0].Value, "outflows count by magnitude")
	require.NotNil(t, got[0].Percentile)
	assert.Equal(t, 99.0, *got[0].Percentile)
	assert.Equal(t, AbsoluteLiquidation, got[1].Kind, "threshold is inclusive")
	assert.Nil(t, got[1].Percentile)
}

func TestCheckAbsoluteDisabledRules(t *testing.T) {
	snap := market.NewSnapshot("BTC", 0, 0, map[market.Dimension]float64{
		market.FlowHour:     50_000_000,
		market.OIChangeHour: -9,
	})
	rules := []AbsoluteRule{
		{Kind: AbsoluteWhaleFlow, Enabled: false, Threshold: 1},
		{Kind: AbsoluteOIChange, Enabled: true, Threshold: 0},
		{Kind: AbsoluteLiquidation, Enabled: true, Threshold: 1},
	}
	assert.Empty(t, CheckAbsolute(snap, rules, nil))

	rules[1].Threshold = 3
	got := CheckAbsolute(snap, rules, nil)
	require.Len(t, got, 1)
	assert.Equal(t, AbsoluteOIChange, got[0].Kind)
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(30 * time.Minute)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, th.Allow("BTC", string(AbsoluteWhaleFlow), start))
	th.MarkSent("BTC", string(AbsoluteWhaleFlow), start)
	assert.False(t, th.Allow("btc", string(AbsoluteWhaleFlow), start.Add(29*time.Minute)))
	assert.True(t, th.Allow("BTC", string(AbsoluteOIChange), start), "kinds cool down independently")
	assert.True(t, th.Allow("ETH", string(AbsoluteWhaleFlow), start))
	assert.True(t, th.Allow("BTC", string(AbsoluteWhaleFlow), start.Add(30*time.Minute)))
}

func TestPriceLevels(t *testing.T) {
	levels := NewPriceLevels([]PriceLevel{{Symbol: "btc", Price: 100_000}, {Symbol: "BTC", Price: 90_000}, {Symbol: "ETH", Price: 0}}, time.Hour)
	require.Equal(t, 2, levels.Len())
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, levels.Check("BTC", 95_000, start), "first price only sets the side")
	assert.Empty(t, levels.Check("BTC", 99_000, start.Add(time.Minute)))

	got := levels.Check("BTC", 100_000, start.Add(2*time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, PriceCross{Level: 100_000, Direction: Breakout, Price: 100_000}, got[0])

	// Back under the level inside the cooldown: nothing.
	assert.Empty(t, levels.Check("BTC", 98_000, start.Add(30*time.Minute)))

	got = levels.Check("BTC", 89_000, start.Add(90*time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, Breakdown, got[0].Direction)
	assert.Equal(t, 100_000.0, got[0].Level)
	assert.Equal(t, Breakdown, got[1].Direction)
	assert.Equal(t, 90_000.0, got[1].Level)

	assert.Empty(t, levels.Check("ETH", 4_000, start))
	assert.Empty(t, levels.Check("BTC", 0, start.Add(3*time.Hour)))
}
