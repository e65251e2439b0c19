package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-extremes/internal/market"
	"market-extremes/internal/storage"
	"market-extremes/internal/storage/memory"
	"market-extremes/internal/tracker"
)

const base = int64(472_222) * market.HourMs

func hourly(values ...float64) []market.Point {
	out := make([]market.Point, len(values))
	for i, v := range values {
		out[i] = market.Point{TimestampMs: base + int64(i)*market.HourMs, Value: v}
	}
	return out
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestRollingPercentileExcludesCurrentPoint(t *testing.T) {
	series := hourly(1, 2, 3, 4, 5, 6, 7)

	p, ok := RollingPercentile(series, 5, 5)
	require.True(t, ok)
	assert.Equal(t, 100.0, p)

	p, ok = RollingPercentile(hourly(5, 5, 5, 5, 5, 5), 5, 5)
	require.True(t, ok)
	assert.Equal(t, 0.0, p, "ties count as not-below")

	_, ok = RollingPercentile(series, 4, 5)
	assert.False(t, ok)
	_, ok = RollingPercentile(series, 7, 5)
	assert.False(t, ok)
	_, ok = RollingPercentile(series, 3, 0)
	assert.False(t, ok)
}

func TestDetectAllCooldown(t *testing.T) {
	values := flat(200, 1)
	values[170] = 100
	values[171] = 100 // exactly one hour later: still cooling down
	values[172] = 100

	events := NewDetector().DetectAll(hourly(values...), "BTC", market.FlowHour, 168)
	require.Len(t, events, 2)
	assert.Equal(t, base+170*market.HourMs, events[0].TriggeredAt)
	assert.Equal(t, 100.0, events[0].Percentile)
	assert.Equal(t, 7, events[0].WindowDays)
	assert.Equal(t, "flow_1h", events[0].Dimension)
	assert.Nil(t, events[0].PriceAtTrigger)

	assert.Equal(t, base+172*market.HourMs, events[1].TriggeredAt)
	assert.InDelta(t, 166.0/168*100, events[1].Percentile, 1e-9)
}

func TestDetectAllNegativeMagnitude(t *testing.T) {
	values := flat(30, 2)
	values[25] = -50

	events := Detector{Threshold: 90, Cooldown: time.Hour}.DetectAll(hourly(values...), "ETH", market.OIChangeHour, 24)
	require.Len(t, events, 1)
	assert.Equal(t, -50.0, events[0].Value)
	assert.Equal(t, 1, events[0].WindowDays)
}

func TestDetectAllShortSeries(t *testing.T) {
	assert.Empty(t, NewDetector().DetectAll(hourly(1, 2, 3), "BTC", market.FlowHour, 168))
}

func TestDetectAllWindowsIndependentClocks(t *testing.T) {
	values := flat(100, 1)
	values[60] = 100

	events := NewDetector().DetectAllWindows(hourly(values...), "BTC", market.FlowHour, []int{48, 24})
	require.Len(t, events, 2, "the same timestamp triggers once per window")
	assert.Equal(t, 2, events[0].WindowDays)
	assert.Equal(t, 1, events[1].WindowDays)
	assert.Equal(t, events[0].TriggeredAt, events[1].TriggeredAt)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// Replaying a series point by point through the live tracker must produce
// the same triggers as the batch detector.
func TestDetectAllMatchesLiveTracker(t *testing.T) {
	values := make([]float64, 120)
	for i := range values {
		values[i] = float64((i*37)%23) - 11
	}
	values[60], values[61], values[63], values[90] = 400, 500, 600, -700
	series := hourly(values...)
	const window = 48

	offline := NewDetector().DetectAll(series, "BTC", market.FlowHour, window)

	clock := &fakeClock{}
	store := memory.NewEventStore()
	live := tracker.New(store, tracker.Options{Cooldown: time.Hour, Clock: clock}, zerolog.Nop())
	var liveTs []int64
	for i := window; i < len(series); i++ {
		hits := tracker.Detect(values[i], values[:i], 90, []int{window})
		p, ok := hits[window]
		if !ok {
			continue
		}
		clock.now = time.UnixMilli(series[i].TimestampMs)
		_, recorded, err := live.RecordEvent(context.Background(), tracker.RecordInput{
			Symbol: "BTC", Dimension: "flow_1h", WindowDays: 2, Value: values[i], Percentile: p,
		})
		require.NoError(t, err)
		if recorded {
			liveTs = append(liveTs, series[i].TimestampMs)
		}
	}

	batchTs := make([]int64, len(offline))
	for i, ev := range offline {
		batchTs[i] = ev.TriggeredAt
	}
	require.NotEmpty(t, batchTs)
	assert.Equal(t, liveTs, batchTs)
}

func TestReadSeriesSortsAndValidates(t *testing.T) {
	in := "timestamp,value\n3600000,2.5\n0,-1\n"
	points, err := ReadSeries(strings.NewReader(in), "inline")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(0), points[0].TimestampMs)
	assert.Equal(t, 2.5, points[1].Value)

	_, err = ReadSeries(strings.NewReader("ts,value\n1,2\n"), "inline")
	assert.ErrorContains(t, err, `missing column "timestamp"`)

	_, err = ReadSeries(strings.NewReader("timestamp,value\nx,2\n"), "inline")
	assert.ErrorContains(t, err, "line 2")
}

func TestSeriesFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed", SeriesFileName(market.FlowHour, "BTCUSDT"))
	assert.True(t, strings.HasSuffix(path, "flow_1h_BTCUSDT.csv"))

	require.NoError(t, WriteSeriesCSV(path, hourly(1, -2.25, 3)))
	got, err := LoadSeriesCSV(path)
	require.NoError(t, err)
	assert.Equal(t, hourly(1, -2.25, 3), got)

	_, err = LoadSeriesCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestLargeTradeThreshold(t *testing.T) {
	assert.Equal(t, DefaultLargeTradeUSD, LargeTradeThreshold(nil))

	trades := make([]AggTrade, 20)
	for i := range trades {
		trades[i] = AggTrade{Price: float64(i + 1), Quantity: 1}
	}
	assert.Equal(t, 20.0, LargeTradeThreshold(trades))
}

func TestHourlyNetFlow(t *testing.T) {
	// Taker buy 1000, taker sell 400, one small trade, then a sell of 1000 in the next hour.
	trades := []AggTrade{
		{Price: 100, Quantity: 10, TransactTime: 1_000},
		{Price: 100, Quantity: 4, TransactTime: 2_000, IsBuyerMaker: true},
		{Price: 100, Quantity: 1, TransactTime: 3_000},
		{Price: 200, Quantity: 5, TransactTime: market.HourMs + 5, IsBuyerMaker: true},
	}
	got := HourlyNetFlow(trades, 300)
	assert.Equal(t, []market.Point{{TimestampMs: 0, Value: 600}, {TimestampMs: market.HourMs, Value: -1000}}, got)
}

func TestProcessAggTrades(t *testing.T) {
	dir := t.TempDir()
	header := "agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker\n"
	jan := header +
		"1,100,1,1,1,0,false\n" +
		"2,100,50,2,2,10,False\n" +
		"3,100,60,3,3,20,true\n"
	feb := header + "4,10,10,4,4,3600000,TRUE\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-2024-02.csv"), []byte(feb), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-2024-01.csv"), []byte(jan), 0o644))

	points, stats, err := ProcessAggTrades([]string{filepath.Join(dir, "b-2024-02.csv"), filepath.Join(dir, "a-2024-01.csv")})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 3, stats[0].Trades)
	assert.Equal(t, 6000.0, stats[0].Threshold)
	assert.Zero(t, stats[0].BuyUSD)
	assert.Equal(t, 6000.0, stats[0].SellUSD, "only the trade at the threshold is large")
	assert.Equal(t, []market.Point{{TimestampMs: 0, Value: -6000}, {TimestampMs: 3_600_000, Value: -100}}, points)
}

func TestProcessMetrics(t *testing.T) {
	dir := t.TempDir()
	header := "create_time,symbol,sum_open_interest,sum_open_interest_value,count_toptrader_long_short_ratio,sum_toptrader_long_short_ratio,count_long_short_ratio,sum_taker_long_short_vol_ratio\n"
	jan := header +
		"2024-01-01 00:00:00,BTCUSDT,1,1000,1.1,1.2,1.5,0.9\n" +
		"2024-01-01 00:55:00,BTCUSDT,1,2000,1.1,1.3,1.6,1.1\n" +
		"2024-01-01 01:05:00,BTCUSDT,1,2100,1.1,1.4,,1.2\n" +
		"2024-01-01 03:00:00,BTCUSDT,1,3000,1.1,1.5,1.7,1.3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT-metrics-2024-01-01.csv"), []byte(jan), 0o644))

	series, stats, err := ProcessMetrics([]string{filepath.Join(dir, "BTCUSDT-metrics-2024-01-01.csv")})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 4, stats[0].Rows)

	h0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	oi := series[market.OIChangeHour]
	require.Len(t, oi, 1, "hour 2 has no reading, so hour 3 has no base")
	assert.Equal(t, h0+market.HourMs, oi[0].TimestampMs)
	assert.InDelta(t, 5.0, oi[0].Value, 1e-9)

	assert.Equal(t, []market.Point{
		{TimestampMs: h0, Value: 1.3},
		{TimestampMs: h0 + market.HourMs, Value: 1.4},
		{TimestampMs: h0 + 3*market.HourMs, Value: 1.5},
	}, series[market.TopPositionRatio])
	assert.Len(t, series[market.GlobalAccountRatio], 2, "empty cells are skipped")
	assert.Len(t, series[market.TakerRatio], 3)
}

func TestReadMetricsRejectsBadTime(t *testing.T) {
	body := "create_time,sum_open_interest_value,sum_toptrader_long_short_ratio,count_long_short_ratio,sum_taker_long_short_vol_ratio\n" +
		"yesterday,1,1,1,1\n"
	_, err := ReadMetrics(strings.NewReader(body), "bad.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_time")
}

func TestProcessLiquidations(t *testing.T) {
	dir := t.TempDir()
	body := "time,side,order_type,time_in_force,original_quantity,price,average_price,order_status,last_fill_quantity,accumulated_fill_quantity\n" +
		"10,SELL,LIMIT,IOC,2,100,90,FILLED,2,2\n" +
		"20,BUY,LIMIT,IOC,1,110,0,EXPIRED,0,0\n" +
		fmt.Sprintf("%d,sell,LIMIT,IOC,1,50,50,FILLED,1,1\n", market.HourMs+1)
	path := filepath.Join(dir, "BTCUSDT-liquidationSnapshot-2024-01-01.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	total, long, stats, err := ProcessLiquidations([]string{path})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Rows)
	assert.Equal(t, 230.0, stats[0].LongUSD, "filled notional at the average price")
	assert.Equal(t, 110.0, stats[0].ShortUSD, "unfilled rows fall back to the order")

	assert.Equal(t, []market.Point{{TimestampMs: 0, Value: 290}, {TimestampMs: market.HourMs, Value: 50}}, total)
	assert.Equal(t, []market.Point{{TimestampMs: 0, Value: 180}, {TimestampMs: market.HourMs, Value: 50}}, long)
}

func TestReadLiquidationsUnknownSide(t *testing.T) {
	_, err := ReadLiquidations(strings.NewReader("time,side,price,original_quantity\n1,LONG,1,1\n"), "bad.csv")
	assert.Error(t, err)
}

func TestAttachPrices(t *testing.T) {
	klines := Klines{}
	err := ReadKlines(strings.NewReader("open_time,open,high,low,close\n"+
		"0,1,1,1,100\n"+
		"14400000,1,1,1,104\n"+
		"86400000,1,1,1,90\n"), "inline", klines)
	require.NoError(t, err)
	assert.Len(t, klines.Points(), 3)

	events := []storage.ExtremeEvent{
		{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7, TriggeredAt: 0, Percentile: 95},
		{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7, TriggeredAt: 1, Percentile: 95},
	}
	missing := AttachPrices(events, klines)
	assert.Equal(t, 1, missing)
	require.NotNil(t, events[0].PriceAtTrigger)
	assert.Equal(t, 100.0, *events[0].PriceAtTrigger)
	assert.Equal(t, 104.0, *events[0].Price4h)
	assert.Nil(t, events[0].Price12h)
	assert.Equal(t, 90.0, *events[0].Price24h)
	assert.Nil(t, events[1].Price4h)
}

func replayJob() Job {
	values := flat(200, 1)
	values[180] = 50
	series := hourly(values...)
	klines := Klines{}
	for _, p := range series {
		klines[p.TimestampMs] = 1000 + float64(p.TimestampMs-base)/float64(market.HourMs)
	}
	return Job{Symbol: "BTC", Dimension: market.FlowHour, Series: series, Klines: klines}
}

func TestReplayerDryRun(t *testing.T) {
	store := memory.NewEventStore()
	r := NewReplayer(store, ReplayOptions{DryRun: true, WindowHours: []int{168}}, zerolog.Nop())

	report, err := r.Run(context.Background(), []Job{replayJob()})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.Detected)
	assert.Zero(t, report.Inserted)

	events, err := store.QueryEvents(context.Background(), storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayerInserts(t *testing.T) {
	store := memory.NewEventStore()
	r := NewReplayer(store, ReplayOptions{WindowHours: []int{168}}, zerolog.Nop())

	report, err := r.Run(context.Background(), []Job{replayJob(), {Symbol: "ETH", Dimension: market.FlowHour}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Zero(t, report.MissingPrice)

	events, err := store.QueryEvents(context.Background(), storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1180.0, *events[0].PriceAtTrigger)
	assert.Equal(t, 1184.0, *events[0].Price4h)
	assert.Nil(t, events[0].Price24h, "no bar 24h after the trigger")
}

func TestReplayerRerunIsIdempotent(t *testing.T) {
	store := memory.NewEventStore()
	r := NewReplayer(store, ReplayOptions{WindowHours: []int{168}}, zerolog.Nop())
	ctx := context.Background()

	first, err := r.Run(ctx, []Job{replayJob()})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	second, err := r.Run(ctx, []Job{replayJob()})
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)

	events, err := store.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReplayerWithoutStore(t *testing.T) {
	_, err := NewReplayer(nil, ReplayOptions{WindowHours: []int{168}}, zerolog.Nop()).Run(context.Background(), []Job{replayJob()})
	assert.Error(t, err)
}

func TestReplayerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.NewEventStore()
	report, err := NewReplayer(store, ReplayOptions{WindowHours: []int{168}}, zerolog.Nop()).Run(ctx, []Job{replayJob()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Inserted)
}
