package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"market-extremes/internal/market"
	"market-extremes/internal/storage"
)

// DefaultLargeTradeUSD is used when a month has no trades to derive a threshold from.
const DefaultLargeTradeUSD = 100_000.0

// AggTrade is one row of an exchange aggTrades archive.
type AggTrade struct {
	Price        float64
	Quantity     float64
	TransactTime int64
	IsBuyerMaker bool
}

// ValueUSD is the notional of the trade.
func (t AggTrade) ValueUSD() float64 { return t.Price * t.Quantity }

// Side of the taker. A buyer-maker fill is a taker sell.
func (t AggTrade) Side() market.Side {
	if t.IsBuyerMaker {
		return market.Sell
	}
	return market.Buy
}

type csvTable struct {
	reader *csv.Reader
	cols   map[string]int
	path   string
}

func openTable(r io.Reader, path string, required ...string) (*csvTable, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, name)
		}
	}
	return &csvTable{reader: reader, cols: cols, path: path}, nil
}

// each calls fn for every data row until EOF.
func (t *csvTable) each(fn func(line int, get func(string) string) error) error {
	line := 1
	for {
		rec, err := t.reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("%s line %d: %w", t.path, line, err)
		}
		get := func(name string) string { return strings.TrimSpace(rec[t.cols[name]]) }
		if err := fn(line, get); err != nil {
			return fmt.Errorf("%s line %d: %w", t.path, line, err)
		}
	}
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return fn(f)
}

// ReadSeries parses a "timestamp,value" table into points ordered oldest first.
func ReadSeries(r io.Reader, name string) ([]market.Point, error) {
	table, err := openTable(r, name, "timestamp", "value")
	if err != nil {
		return nil, err
	}
	var out []market.Point
	err = table.each(func(_ int, get func(string) string) error {
		ts, err := strconv.ParseInt(get("timestamp"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		v, err := strconv.ParseFloat(get("value"), 64)
		if err != nil {
			return fmt.Errorf("parse value: %w", err)
		}
		out = append(out, market.Point{TimestampMs: ts, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	market.SortSeries(out)
	return out, nil
}

// LoadSeriesCSV reads a processed series file.
func LoadSeriesCSV(path string) ([]market.Point, error) {
	var out []market.Point
	err := withFile(path, func(r io.Reader) error {
		var err error
		out, err = ReadSeries(r, path)
		return err
	})
	return out, err
}

// SeriesFileName is the processed file name for one series.
func SeriesFileName(dimension market.Dimension, pair string) string {
	return fmt.Sprintf("%s_%s.csv", dimension, pair)
}

// WriteSeriesCSV writes points as a "timestamp,value" table.
func WriteSeriesCSV(path string, points []market.Point) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"timestamp", "value"}); err != nil {
		return err
	}
	for _, p := range points {
		rec := []string{strconv.FormatInt(p.TimestampMs, 10), strconv.FormatFloat(p.Value, 'f', -1, 64)}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadAggTrades parses an aggTrades table.
func ReadAggTrades(r io.Reader, name string) ([]AggTrade, error) {
	table, err := openTable(r, name, "price", "quantity", "transact_time", "is_buyer_maker")
	if err != nil {
		return nil, err
	}
	var out []AggTrade
	err = table.each(func(_ int, get func(string) string) error {
		price, err := strconv.ParseFloat(get("price"), 64)
		if err != nil {
			return fmt.Errorf("parse price: %w", err)
		}
		qty, err := strconv.ParseFloat(get("quantity"), 64)
		if err != nil {
			return fmt.Errorf("parse quantity: %w", err)
		}
		ts, err := strconv.ParseInt(get("transact_time"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse transact_time: %w", err)
		}
		out = append(out, AggTrade{
			Price:        price,
			Quantity:     qty,
			TransactTime: ts,
			IsBuyerMaker: strings.EqualFold(get("is_buyer_maker"), "true"),
		})
		return nil
	})
	return out, err
}

// LargeTradeThreshold is the 95th percentile notional of trades, the cut-off
// for "whale" trades in one month of data.
func LargeTradeThreshold(trades []AggTrade) float64 {
	if len(trades) == 0 {
		return DefaultLargeTradeUSD
	}
	values := make([]float64, len(trades))
	for i, t := range trades {
		values[i] = t.ValueUSD()
	}
	sort.Float64s(values)
	idx := int(float64(len(values)) * 0.95)
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// HourlyNetFlow keeps trades at or above threshold and buckets their signed
// notional by hour.
func HourlyNetFlow(trades []AggTrade, threshold float64) []market.Point {
	return market.HourlyFlow(largeTrades(trades, threshold))
}

func largeTrades(trades []AggTrade, threshold float64) []market.Trade {
	large := make([]market.Trade, 0, len(trades)/20+1)
	for _, t := range trades {
		v := t.ValueUSD()
		if v < threshold {
			continue
		}
		large = append(large, market.Trade{
			TimestampMs: t.TransactTime,
			Price:       t.Price,
			Amount:      t.Quantity,
			Side:        t.Side(),
			ValueUSD:    v,
		})
	}
	return large
}

// MonthStats describes one processed archive.
type MonthStats struct {
	Path      string
	Trades    int
	Threshold float64
	Hours     int
	// BuyUSD and SellUSD total the large trades of the month.
	BuyUSD  float64
	SellUSD float64
}

// ProcessAggTrades turns monthly aggTrades archives into one hourly net flow
// series. Each file gets its own large-trade threshold; files are processed
// in name order and a later file wins on overlapping hours.
func ProcessAggTrades(paths []string) ([]market.Point, []MonthStats, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	merged := make(map[int64]float64)
	stats := make([]MonthStats, 0, len(sorted))
	for _, path := range sorted {
		var trades []AggTrade
		err := withFile(path, func(r io.Reader) error {
			var err error
			trades, err = ReadAggTrades(r, path)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		threshold := LargeTradeThreshold(trades)
		large := largeTrades(trades, threshold)
		hourly := market.HourlyFlow(large)
		for _, p := range hourly {
			merged[p.TimestampMs] = p.Value
		}
		flow := market.Flow(large)
		stats = append(stats, MonthStats{
			Path:      path,
			Trades:    len(trades),
			Threshold: threshold,
			Hours:     len(hourly),
			BuyUSD:    flow.Buy,
			SellUSD:   flow.Sell,
		})
	}

	out := make([]market.Point, 0, len(merged))
	for ts, v := range merged {
		out = append(out, market.Point{TimestampMs: ts, Value: v})
	}
	market.SortSeries(out)
	return out, stats, nil
}

// Klines maps a bar open time to its close.
type Klines map[int64]float64

// ReadKlines parses a kline table with open_time and close columns into dst.
func ReadKlines(r io.Reader, name string, dst Klines) error {
	table, err := openTable(r, name, "open_time", "close")
	if err != nil {
		return err
	}
	return table.each(func(_ int, get func(string) string) error {
		ts, err := strconv.ParseInt(get("open_time"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse open_time: %w", err)
		}
		c, err := strconv.ParseFloat(get("close"), 64)
		if err != nil {
			return fmt.Errorf("parse close: %w", err)
		}
		dst[ts] = c
		return nil
	})
}

// LoadKlinesCSV merges kline files; later files win on duplicate bars.
func LoadKlinesCSV(paths []string) (Klines, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := make(Klines)
	for _, path := range sorted {
		if err := withFile(path, func(r io.Reader) error { return ReadKlines(r, path, out) }); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Points returns the bars ordered oldest first.
func (k Klines) Points() []market.Point {
	out := make([]market.Point, 0, len(k))
	for ts, c := range k {
		out = append(out, market.Point{TimestampMs: ts, Value: c})
	}
	market.SortSeries(out)
	return out
}

// AttachPrices fills the trigger price and every checkpoint from bars opening
// exactly at the target instants. Prices already present are kept. It returns
// the number of events left without a trigger price.
func AttachPrices(events []storage.ExtremeEvent, klines Klines) int {
	missing := 0
	for i := range events {
		ev := &events[i]
		if ev.PriceAtTrigger == nil {
			if c, ok := klines[ev.TriggeredAt]; ok {
				ev.PriceAtTrigger = storage.Price(c)
			}
		}
		if ev.PriceAtTrigger == nil {
			missing++
		}
		for _, cp := range storage.Checkpoints() {
			if c, ok := klines[ev.DueAt(cp)]; ok {
				// Checkpoints are valid by construction.
				_, _ = ev.SetPrice(cp, c)
			}
		}
	}
	return missing
}
