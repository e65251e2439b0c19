// Package market holds the metric readings the anomaly engine ranks and the
// hourly aggregations used to rebuild their history.
package market

import (
	"math"
	"sort"
)

// HourMs is one hour in milliseconds.
const HourMs int64 = 3_600_000

// Side of a trade or liquidation order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Point is one (timestamp, value) sample of a historical series.
type Point struct {
	TimestampMs int64
	Value       float64
}

// Values strips timestamps, keeping order.
func Values(series []Point) []float64 {
	out := make([]float64, len(series))
	for i, p := range series {
		out[i] = p.Value
	}
	return out
}

// SortSeries orders points oldest first.
func SortSeries(series []Point) {
	sort.SliceStable(series, func(i, j int) bool { return series[i].TimestampMs < series[j].TimestampMs })
}

// Trade is a large taker trade.
type Trade struct {
	Exchange    string
	Symbol      string
	TimestampMs int64
	Price       float64
	Amount      float64
	Side        Side
	ValueUSD    float64
}

// Liquidation is a forced order. Sell liquidates longs, buy liquidates shorts.
type Liquidation struct {
	Exchange    string
	Symbol      string
	TimestampMs int64
	Side        Side
	Price       float64
	Quantity    float64
	ValueUSD    float64
}

// OISnapshot is an open interest reading.
type OISnapshot struct {
	Exchange        string
	Symbol          string
	TimestampMs     int64
	OpenInterest    float64
	OpenInterestUSD float64
}

// Snapshot is the current reading of every dimension for one symbol.
// Dimensions without a reading stay zero.
type Snapshot struct {
	Symbol             string
	TimestampMs        int64
	Price              float64
	FlowNet            float64
	OIChangePct        float64
	LiquidationsUSD    float64
	FundingRate        float64
	LongShortRatio     float64
	TopPositionRatio   float64
	GlobalAccountRatio float64
	TakerRatio         float64
}

// NewSnapshot fills a Snapshot from per-dimension values. Unknown and
// auxiliary dimensions are ignored.
func NewSnapshot(symbol string, timestampMs int64, price float64, values map[Dimension]float64) Snapshot {
	s := Snapshot{Symbol: symbol, TimestampMs: timestampMs, Price: price}
	for dim, v := range values {
		switch dim {
		case FlowHour:
			s.FlowNet = v
		case OIChangeHour:
			s.OIChangePct = v
		case LiquidationsHour:
			s.LiquidationsUSD = v
		case FundingRate:
			s.FundingRate = v
		case LongShortRatio:
			s.LongShortRatio = v
		case TopPositionRatio:
			s.TopPositionRatio = v
		case GlobalAccountRatio:
			s.GlobalAccountRatio = v
		case TakerRatio:
			s.TakerRatio = v
		}
	}
	return s
}

// FlowResult summarises taker flow.
type FlowResult struct {
	Net  float64
	Buy  float64
	Sell float64
}

// Flow sums buy and sell notional.
func Flow(trades []Trade) FlowResult {
	var res FlowResult
	for _, t := range trades {
		if t.Side == Buy {
			res.Buy += t.ValueUSD
		} else {
			res.Sell += t.ValueUSD
		}
	}
	res.Net = res.Buy - res.Sell
	return res
}

// LiquidationStats splits liquidated notional by the side that was wiped out.
type LiquidationStats struct {
	Long  float64
	Short float64
}

// Total liquidated notional.
func (l LiquidationStats) Total() float64 { return l.Long + l.Short }

// Liquidations sums liquidated notional.
func Liquidations(liqs []Liquidation) LiquidationStats {
	var st LiquidationStats
	for _, l := range liqs {
		switch l.Side {
		case Sell:
			st.Long += l.ValueUSD
		case Buy:
			st.Short += l.ValueUSD
		}
	}
	return st
}

// OIChange is the percent change of USD open interest between past and current.
// Missing readings or a zero base yield 0.
func OIChange(current, past *OISnapshot) float64 {
	if current == nil || past == nil || past.OpenInterestUSD == 0 {
		return 0
	}
	return (current.OpenInterestUSD - past.OpenInterestUSD) / past.OpenInterestUSD * 100
}

// Regime is the positioning read from the joint move of OI and price.
type Regime string

const (
	RegimeLongsOpening  Regime = "多头开仓"
	RegimeShortsOpening Regime = "空头开仓"
	RegimeShortsClosing Regime = "空头平仓"
	RegimeLongsClosing  Regime = "多头平仓"
	RegimeStable        Regime = "持仓平稳"
)

// OIPriceRegime reads positioning from the joint move of OI and price.
// OI moves within ±1% count as stable.
func OIPriceRegime(oiChangePct, priceChangePct float64) Regime {
	switch {
	case oiChangePct > 1 && priceChangePct > 0:
		return RegimeLongsOpening
	case oiChangePct > 1 && priceChangePct < 0:
		return RegimeShortsOpening
	case oiChangePct < -1 && priceChangePct > 0:
		return RegimeShortsClosing
	case oiChangePct < -1 && priceChangePct < 0:
		return RegimeLongsClosing
	default:
		return RegimeStable
	}
}

// PriceChange is the percent move from previous to current. A missing
// previous price yields 0.
func PriceChange(current, previous float64) float64 {
	if previous <= 0 || current <= 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

// HourBucket truncates a millisecond timestamp to the hour.
func HourBucket(ts int64) int64 {
	return ts / HourMs * HourMs
}

// HourlyFlow buckets trades into hourly net flow, oldest first.
func HourlyFlow(trades []Trade) []Point {
	buckets := make(map[int64]float64)
	for _, t := range trades {
		v := t.ValueUSD
		if t.Side != Buy {
			v = -v
		}
		buckets[HourBucket(t.TimestampMs)] += v
	}
	return fromBuckets(buckets)
}

// HourlyLiquidations buckets liquidations into hourly totals, oldest first.
func HourlyLiquidations(liqs []Liquidation) []Point {
	buckets := make(map[int64]float64)
	for _, l := range liqs {
		buckets[HourBucket(l.TimestampMs)] += l.ValueUSD
	}
	return fromBuckets(buckets)
}

// HourlyOIChanges walks consecutive hours and emits the percent change of the
// last snapshot in each hour against the last snapshot of the hour before.
// Hours without a reading on either side are skipped.
func HourlyOIChanges(snaps []OISnapshot) []Point {
	last := make(map[int64]OISnapshot)
	for _, s := range snaps {
		h := HourBucket(s.TimestampMs)
		if prev, ok := last[h]; !ok || s.TimestampMs >= prev.TimestampMs {
			last[h] = s
		}
	}
	hours := make([]int64, 0, len(last))
	for h := range last {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	out := make([]Point, 0, len(hours))
	for _, h := range hours {
		prev, ok := last[h-HourMs]
		if !ok || prev.OpenInterestUSD <= 0 {
			continue
		}
		cur := last[h]
		out = append(out, Point{TimestampMs: h, Value: OIChange(&cur, &prev)})
	}
	return out
}

func fromBuckets(buckets map[int64]float64) []Point {
	out := make([]Point, 0, len(buckets))
	for ts, v := range buckets {
		out = append(out, Point{TimestampMs: ts, Value: v})
	}
	SortSeries(out)
	return out
}

// Delta describes the move of an indicator between two readings.
type Delta struct {
	Diff      float64
	Direction string
}

// Change compares two readings with a small dead band around zero.
func Change(current, previous float64) Delta {
	diff := current - previous
	dir := "flat"
	switch {
	case diff > 0.001:
		dir = "up"
	case diff < -0.001:
		dir = "down"
	}
	return Delta{Diff: math.Round(diff*10000) / 10000, Direction: dir}
}
