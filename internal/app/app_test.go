package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"market-extremes/internal/batch"
	"market-extremes/internal/config"
	"market-extremes/internal/market"
	"market-extremes/internal/stats"
	"market-extremes/internal/storage"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func hourMs(i int) int64 { return base + int64(i)*market.HourMs }

// newTestApp loads a sqlite-backed config whose archive lives in a temp dir.
func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`database:
  driver: sqlite
  sqlite_path: %s
replay:
  cache_dir: %s
detection:
  windows: [1]
metrics:
  enabled: false
symbols: [BTC]
`, filepath.Join(dir, "events.db"), filepath.Join(dir, "cache"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop())
}

// seedArchive writes a flow series whose last hour is extreme against the
// previous day, plus the klines around it.
func seedArchive(t *testing.T, a *App) {
	t.Helper()
	points := make([]market.Point, 0, 25)
	for i := 0; i < 24; i++ {
		points = append(points, market.Point{TimestampMs: hourMs(i), Value: float64(i + 1)})
	}
	points = append(points, market.Point{TimestampMs: hourMs(24), Value: 1000})
	require.NoError(t, batch.WriteSeriesCSV(a.archive().SeriesPath("BTC", market.FlowHour), points))

	klines := "open_time,open,high,low,close\n" +
		fmt.Sprintf("%d,1,1,1,50000\n", hourMs(24)) +
		fmt.Sprintf("%d,1,1,1,51000\n", hourMs(28))
	dir := filepath.Join(a.Config.Replay.CacheDir, "klines")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT-1h-2025-01.csv"), []byte(klines), 0o644))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenStore(ctx, config.DatabaseConfig{Driver: config.DriverMemory}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(ctx, config.DatabaseConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "x.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = OpenStore(ctx, config.DatabaseConfig{Driver: "mysql"}, zerolog.Nop())
	require.ErrorContains(t, err, "unsupported database driver")
}

func TestArchiveLayout(t *testing.T) {
	arc := Archive{Dir: "cache", Quote: "USDT"}
	assert.Equal(t, "BTCUSDT", arc.Pair("btc"))
	assert.Equal(t, filepath.Join("cache", "processed", "flow_1h_BTCUSDT.csv"), arc.SeriesPath("BTC", market.FlowHour))
}

func TestArchiveJobsSkipsMissingSeries(t *testing.T) {
	a := newTestApp(t)
	seedArchive(t, a)

	jobs, err := a.archive().Jobs([]string{"BTC", "ETH"}, market.All(), true, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "BTC", jobs[0].Symbol)
	assert.Equal(t, market.FlowHour, jobs[0].Dimension)
	assert.Len(t, jobs[0].Series, 25)
	assert.Len(t, jobs[0].Klines, 2)
}

func TestParseDimensions(t *testing.T) {
	dims, err := parseDimensions(nil)
	require.NoError(t, err)
	assert.Len(t, dims, len(market.All()))

	dims, err = parseDimensions([]string{"flow_1h"})
	require.NoError(t, err)
	assert.Equal(t, []market.Dimension{market.FlowHour}, dims)

	_, err = parseDimensions([]string{"nope"})
	require.Error(t, err)
}

func TestReplayDryRunWritesNothing(t *testing.T) {
	a := newTestApp(t)
	seedArchive(t, a)
	ctx := context.Background()

	report, err := a.Replay(ctx, ReplayOptions{DryRun: true, AttachPrices: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 0, report.Inserted)

	store, closeStore, err := a.openStore(ctx)
	require.NoError(t, err)
	defer closeStore()
	events, err := store.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 1})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayEmptyArchive(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Replay(context.Background(), ReplayOptions{DryRun: true})
	require.ErrorContains(t, err, "no processed series")
}

func TestReplayThenExport(t *testing.T) {
	a := newTestApp(t)
	seedArchive(t, a)
	ctx := context.Background()

	report, err := a.Replay(ctx, ReplayOptions{AttachPrices: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 0, report.MissingPrice)
	assert.NotEmpty(t, report.RunID)

	again, err := a.Replay(ctx, ReplayOptions{AttachPrices: true})
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 1, again.Duplicates)

	out := t.TempDir()
	csvPath := filepath.Join(out, "events.csv")
	xlsxPath := filepath.Join(out, "nested", "events.xlsx")
	require.NoError(t, a.Export(ctx, ExportOptions{
		Symbol:     "BTC",
		Dimension:  "flow_1h",
		WindowDays: 1,
		CSVPath:    csvPath,
		XLSXPath:   xlsxPath,
	}))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "BTC", rows[1][1])
	assert.Equal(t, "flow_1h", rows[1][2])
	assert.Equal(t, "100.00", rows[1][6])
	assert.Equal(t, "50000", rows[1][7])
	assert.Equal(t, "51000", rows[1][8])
	assert.Equal(t, "", rows[1][12])

	book, err := excelize.OpenFile(xlsxPath)
	require.NoError(t, err)
	defer book.Close()
	sheet, err := book.GetRows("events")
	require.NoError(t, err)
	require.Len(t, sheet, 2)
	assert.Equal(t, "id", sheet[0][0])
	assert.Equal(t, "BTC", sheet[1][1])
}

func TestExportValidates(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	err := a.Export(ctx, ExportOptions{Symbol: "BTC", Dimension: "flow_1h"})
	require.ErrorContains(t, err, "at least one of")

	err = a.Export(ctx, ExportOptions{Symbol: "BTC", Dimension: "bogus", CSVPath: "x.csv"})
	require.Error(t, err)

	from := time.Unix(100, 0)
	to := time.Unix(50, 0)
	err = a.Export(ctx, ExportOptions{Symbol: "BTC", Dimension: "flow_1h", CSVPath: "x.csv", From: &from, To: &to})
	require.ErrorContains(t, err, "from must be before to")
}

func sampleEvents(n int) []storage.ExtremeEvent {
	out := make([]storage.ExtremeEvent, n)
	for i := range out {
		out[i] = storage.ExtremeEvent{
			ID:          int64(i + 1),
			Symbol:      "BTC",
			Dimension:   "flow_1h",
			WindowDays:  7,
			TriggeredAt: hourMs(i),
			Value:       float64(i),
			Percentile:  90 + float64(i%10),
		}
	}
	return out
}

func TestFilterEvents(t *testing.T) {
	events := sampleEvents(5)
	// newest first, as the store returns them
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	from := time.UnixMilli(hourMs(1))
	to := time.UnixMilli(hourMs(4))

	got := filterEvents(events, &from, &to)
	require.Len(t, got, 3)
	assert.Equal(t, hourMs(1), got[0].TriggeredAt)
	assert.Equal(t, hourMs(3), got[2].TriggeredAt)

	assert.Len(t, filterEvents(events, nil, nil), 5)
}

func TestDownsampleEvents(t *testing.T) {
	events := sampleEvents(10)

	assert.Len(t, downsampleEvents(events, 0), 10)
	assert.Len(t, downsampleEvents(events, 20), 10)

	one := downsampleEvents(events, 1)
	require.Len(t, one, 1)
	assert.Equal(t, int64(10), one[0].ID)

	three := downsampleEvents(events, 3)
	require.Len(t, three, 3)
	assert.Equal(t, int64(1), three[0].ID)
	assert.Equal(t, int64(10), three[2].ID)
}

func TestWriteEventsPNG(t *testing.T) {
	events := sampleEvents(4)
	for i := range events {
		events[i].PriceAtTrigger = storage.Price(60000 + float64(i)*100)
	}
	path := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, writeEventsPNG(path, events))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRenderEvents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderEvents(&buf, nil))
	assert.Equal(t, "no events found\n", buf.String())

	buf.Reset()
	events := sampleEvents(1)
	events[0].PriceAtTrigger = storage.Price(65000)
	require.NoError(t, renderEvents(&buf, events))
	out := buf.String()
	assert.Contains(t, out, "Whale flow")
	assert.Contains(t, out, "P90.0")
	assert.Contains(t, out, "65000.00")
	assert.Contains(t, out, "-")
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStats(&buf, "BTC", market.FlowHour, 7, stats.Summary{}, nil))
	assert.Contains(t, buf.String(), "insufficient sample")

	events := []storage.ExtremeEvent{
		{TriggeredAt: hourMs(0), PriceAtTrigger: storage.Price(100), Price24h: storage.Price(110)},
		{TriggeredAt: hourMs(1), PriceAtTrigger: storage.Price(100), Price24h: storage.Price(95)},
	}
	change := 10.0
	latest := &stats.EventSummary{TriggeredAt: hourMs(1), Percentile: 97.5, PriceAtTrigger: 100, Change24h: &change}

	buf.Reset()
	require.NoError(t, renderStats(&buf, "BTC", market.FlowHour, 7, stats.Aggregate(events), latest))
	out := buf.String()
	assert.Contains(t, out, "2 events with outcome")
	lines := strings.Split(out, "\n")
	var row24 string
	for _, l := range lines {
		if strings.HasPrefix(l, "24h") {
			row24 = l
		}
	}
	require.NotEmpty(t, row24)
	assert.Contains(t, row24, "50.0")
	assert.Contains(t, row24, "2.50")
	assert.Contains(t, out, "latest: ")
	assert.Contains(t, out, "24h 10.00%")
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a := newTestApp(t)
	err := a.SimulateAlert(context.Background(), "BTC", map[market.Dimension]float64{market.FlowHour: 99})
	require.Error(t, err)
}

func TestSweepUsesRetention(t *testing.T) {
	a := newTestApp(t)
	seedArchive(t, a)
	ctx := context.Background()

	_, err := a.Replay(ctx, ReplayOptions{})
	require.NoError(t, err)

	// the replayed event is from 2025-01-01, one day of retention drops it
	require.NoError(t, a.Sweep(ctx, 1))

	store, closeStore, err := a.openStore(ctx)
	require.NoError(t, err)
	defer closeStore()
	events, err := store.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 1})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProcessTrades(t *testing.T) {
	a := newTestApp(t)
	dir := filepath.Join(a.Config.Replay.CacheDir, "aggTrades")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	jan := "agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker\n" +
		"1,100,1,1,1,0,false\n" +
		"2,100,50,2,2,10,false\n" +
		"3,100,60,3,3,20,true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT-aggTrades-2024-01.csv"), []byte(jan), 0o644))

	require.NoError(t, a.ProcessTrades(nil))

	points, err := batch.LoadSeriesCSV(a.archive().SeriesPath("BTC", market.FlowHour))
	require.NoError(t, err)
	assert.Equal(t, []market.Point{{TimestampMs: 0, Value: -6000}}, points)
}

func TestProcessMetricsAndLiquidations(t *testing.T) {
	a := newTestApp(t)
	arc := a.archive()

	metricsDir := filepath.Join(a.Config.Replay.CacheDir, "metrics")
	require.NoError(t, os.MkdirAll(metricsDir, 0o755))
	metrics := "create_time,symbol,sum_open_interest,sum_open_interest_value,count_toptrader_long_short_ratio,sum_toptrader_long_short_ratio,count_long_short_ratio,sum_taker_long_short_vol_ratio\n" +
		"2025-01-01 00:00:00,BTCUSDT,1,1000,1,1.2,1.5,0.9\n" +
		"2025-01-01 01:00:00,BTCUSDT,1,1100,1,1.3,1.6,1.1\n"
	require.NoError(t, os.WriteFile(filepath.Join(metricsDir, "BTCUSDT-metrics-2025-01-01.csv"), []byte(metrics), 0o644))

	liqDir := filepath.Join(a.Config.Replay.CacheDir, "liquidationSnapshot")
	require.NoError(t, os.MkdirAll(liqDir, 0o755))
	liqs := "time,side,price,original_quantity\n" +
		fmt.Sprintf("%d,SELL,100,3\n", hourMs(0)) +
		fmt.Sprintf("%d,BUY,100,1\n", hourMs(0)+5)
	require.NoError(t, os.WriteFile(filepath.Join(liqDir, "BTCUSDT-liquidationSnapshot-2025-01-01.csv"), []byte(liqs), 0o644))

	require.NoError(t, a.ProcessMetrics(nil))
	require.NoError(t, a.ProcessLiquidations(nil))

	oi, err := batch.LoadSeriesCSV(arc.SeriesPath("BTC", market.OIChangeHour))
	require.NoError(t, err)
	require.Len(t, oi, 1)
	assert.Equal(t, hourMs(1), oi[0].TimestampMs)
	assert.InDelta(t, 10.0, oi[0].Value, 1e-9)

	taker, err := batch.LoadSeriesCSV(arc.SeriesPath("BTC", market.TakerRatio))
	require.NoError(t, err)
	assert.Len(t, taker, 2)

	total, err := batch.LoadSeriesCSV(arc.SeriesPath("BTC", market.LiquidationsHour))
	require.NoError(t, err)
	assert.Equal(t, []market.Point{{TimestampMs: hourMs(0), Value: 400}}, total)
	long, err := batch.LoadSeriesCSV(arc.SeriesPath("BTC", market.LiquidationsLongHour))
	require.NoError(t, err)
	assert.Equal(t, []market.Point{{TimestampMs: hourMs(0), Value: 300}}, long)

	// The long-side companion is never replayed.
	jobs, err := arc.Jobs([]string{"BTC"}, market.All(), false, zerolog.Nop())
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, market.LiquidationsLongHour, j.Dimension)
	}
}
