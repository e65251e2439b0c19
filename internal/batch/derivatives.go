package batch

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"market-extremes/internal/market"
)

// metricsTimeLayout is the create_time format of the futures metrics archive.
const metricsTimeLayout = "2006-01-02 15:04:05"

// MetricsRow is one 5-minute row of a futures metrics archive.
type MetricsRow struct {
	TimestampMs int64
	// OpenInterestUSD is sum_open_interest_value.
	OpenInterestUSD    float64
	TopPositionRatio   float64
	GlobalAccountRatio float64
	TakerRatio         float64
}

// ReadMetrics parses a metrics table. create_time is read as UTC.
func ReadMetrics(r io.Reader, name string) ([]MetricsRow, error) {
	table, err := openTable(r, name,
		"create_time", "sum_open_interest_value", "sum_toptrader_long_short_ratio",
		"count_long_short_ratio", "sum_taker_long_short_vol_ratio")
	if err != nil {
		return nil, err
	}
	var out []MetricsRow
	err = table.each(func(_ int, get func(string) string) error {
		ts, err := time.Parse(metricsTimeLayout, get("create_time"))
		if err != nil {
			return fmt.Errorf("parse create_time: %w", err)
		}
		row := MetricsRow{TimestampMs: ts.UnixMilli()}
		for col, dst := range map[string]*float64{
			"sum_open_interest_value":        &row.OpenInterestUSD,
			"sum_toptrader_long_short_ratio": &row.TopPositionRatio,
			"count_long_short_ratio":         &row.GlobalAccountRatio,
			"sum_taker_long_short_vol_ratio": &row.TakerRatio,
		} {
			raw := get(col)
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", col, err)
			}
			*dst = v
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// MetricsSeries derives the hourly series carried by a metrics archive: the
// OI change between consecutive hours and the last ratio reading of each
// hour. Zero ratios are treated as missing.
func MetricsSeries(rows []MetricsRow) map[market.Dimension][]market.Point {
	snaps := make([]market.OISnapshot, 0, len(rows))
	for _, r := range rows {
		if r.OpenInterestUSD > 0 {
			snaps = append(snaps, market.OISnapshot{TimestampMs: r.TimestampMs, OpenInterestUSD: r.OpenInterestUSD})
		}
	}
	out := map[market.Dimension][]market.Point{
		market.OIChangeHour: market.HourlyOIChanges(snaps),
	}
	for dim, pick := range map[market.Dimension]func(MetricsRow) float64{
		market.TopPositionRatio:   func(r MetricsRow) float64 { return r.TopPositionRatio },
		market.GlobalAccountRatio: func(r MetricsRow) float64 { return r.GlobalAccountRatio },
		market.TakerRatio:         func(r MetricsRow) float64 { return r.TakerRatio },
	} {
		out[dim] = lastPerHour(rows, pick)
	}
	return out
}

func lastPerHour(rows []MetricsRow, pick func(MetricsRow) float64) []market.Point {
	type sample struct {
		ts int64
		v  float64
	}
	last := make(map[int64]sample)
	for _, r := range rows {
		v := pick(r)
		if v == 0 {
			continue
		}
		h := market.HourBucket(r.TimestampMs)
		if prev, ok := last[h]; !ok || r.TimestampMs >= prev.ts {
			last[h] = sample{ts: r.TimestampMs, v: v}
		}
	}
	out := make([]market.Point, 0, len(last))
	for h, s := range last {
		out = append(out, market.Point{TimestampMs: h, Value: s.v})
	}
	market.SortSeries(out)
	return out
}

// ReadLiquidations parses a liquidation snapshot table. The filled notional
// is average_price × accumulated_fill_quantity, falling back to the order
// price and quantity for rows without fills.
func ReadLiquidations(r io.Reader, name string) ([]market.Liquidation, error) {
	table, err := openTable(r, name, "time", "side", "price", "original_quantity")
	if err != nil {
		return nil, err
	}
	_, hasAvg := table.cols["average_price"]
	_, hasFilled := table.cols["accumulated_fill_quantity"]

	var out []market.Liquidation
	err = table.each(func(_ int, get func(string) string) error {
		ts, err := strconv.ParseInt(get("time"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse time: %w", err)
		}
		price, err := strconv.ParseFloat(get("price"), 64)
		if err != nil {
			return fmt.Errorf("parse price: %w", err)
		}
		qty, err := strconv.ParseFloat(get("original_quantity"), 64)
		if err != nil {
			return fmt.Errorf("parse original_quantity: %w", err)
		}
		if hasAvg && hasFilled {
			avg, errAvg := strconv.ParseFloat(get("average_price"), 64)
			filled, errFilled := strconv.ParseFloat(get("accumulated_fill_quantity"), 64)
			if errAvg == nil && errFilled == nil && avg > 0 && filled > 0 {
				price, qty = avg, filled
			}
		}
		var side market.Side
		switch strings.ToUpper(get("side")) {
		case "SELL":
			side = market.Sell
		case "BUY":
			side = market.Buy
		default:
			return fmt.Errorf("unknown side %q", get("side"))
		}
		out = append(out, market.Liquidation{
			Exchange:    "binance",
			TimestampMs: ts,
			Side:        side,
			Price:       price,
			Quantity:    qty,
			ValueUSD:    price * qty,
		})
		return nil
	})
	return out, err
}

// LiquidationSeries buckets liquidations into the hourly total and the
// hourly notional of liquidated longs.
func LiquidationSeries(liqs []market.Liquidation) (total, long []market.Point) {
	longs := make([]market.Liquidation, 0, len(liqs)/2+1)
	for _, l := range liqs {
		if l.Side == market.Sell {
			longs = append(longs, l)
		}
	}
	return market.HourlyLiquidations(liqs), market.HourlyLiquidations(longs)
}

// FileStats describes one processed derivatives archive.
type FileStats struct {
	Path string
	Rows int
	// LongUSD and ShortUSD split liquidation archives by the wiped side.
	LongUSD  float64
	ShortUSD float64
}

// ProcessMetrics merges metrics archives into hourly series. Files are
// processed in name order and a later file wins on overlapping rows.
func ProcessMetrics(paths []string) (map[market.Dimension][]market.Point, []FileStats, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	byTs := make(map[int64]MetricsRow)
	stats := make([]FileStats, 0, len(sorted))
	for _, path := range sorted {
		var rows []MetricsRow
		err := withFile(path, func(r io.Reader) error {
			var err error
			rows, err = ReadMetrics(r, path)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		for _, row := range rows {
			byTs[row.TimestampMs] = row
		}
		stats = append(stats, FileStats{Path: path, Rows: len(rows)})
	}

	merged := make([]MetricsRow, 0, len(byTs))
	for _, row := range byTs {
		merged = append(merged, row)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TimestampMs < merged[j].TimestampMs })
	return MetricsSeries(merged), stats, nil
}

// ProcessLiquidations turns liquidation archives into the liq_1h series and
// its long-side companion.
func ProcessLiquidations(paths []string) (total, long []market.Point, stats []FileStats, err error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	var all []market.Liquidation
	for _, path := range sorted {
		var liqs []market.Liquidation
		err := withFile(path, func(r io.Reader) error {
			var err error
			liqs, err = ReadLiquidations(r, path)
			return err
		})
		if err != nil {
			return nil, nil, nil, err
		}
		split := market.Liquidations(liqs)
		stats = append(stats, FileStats{Path: path, Rows: len(liqs), LongUSD: split.Long, ShortUSD: split.Short})
		all = append(all, liqs...)
	}
	total, long = LiquidationSeries(all)
	return total, long, stats, nil
}
