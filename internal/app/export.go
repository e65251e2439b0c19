package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"market-extremes/internal/market"
	"market-extremes/internal/stats"
	"market-extremes/internal/storage"
)

var exportHeader = []string{
	"id", "symbol", "dimension", "window_days", "triggered_at", "value", "percentile",
	"price_at_trigger", "price_4h", "price_12h", "price_24h", "price_48h", "change_24h_pct",
}

// Export renders recorded events as CSV, XLSX and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --xlsx or --png must be provided")
	}
	if _, err := market.ParseDimension(opts.Dimension); err != nil {
		return err
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := store.QueryEvents(ctx, storage.EventQuery{
		Symbol:     opts.Symbol,
		Dimension:  opts.Dimension,
		WindowDays: opts.WindowDays,
		Limit:      opts.MaxPoints,
	})
	if err != nil {
		return err
	}
	events = filterEvents(events, opts.From, opts.To)
	if len(events) == 0 {
		a.Logger.Info().Msg("no events found for export window")
		return nil
	}

	downsampled := downsampleEvents(events, opts.MaxPoints)
	a.Logger.Info().Int("total", len(events)).Int("exported", len(downsampled)).Msg("exporting events")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.XLSXPath != "" {
		if err := writeEventsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		// go-chart 无法绘制零跨度的坐标轴
		if len(downsampled) < 2 {
			a.Logger.Warn().Str("path", opts.PNGPath).Msg("need at least two events to draw a chart, png skipped")
			return nil
		}
		if err := writeEventsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

// filterEvents keeps events triggered in [from, to) and orders them oldest first.
func filterEvents(events []storage.ExtremeEvent, from, to *time.Time) []storage.ExtremeEvent {
	out := make([]storage.ExtremeEvent, 0, len(events))
	for _, ev := range events {
		if from != nil && ev.TriggeredAt < from.UnixMilli() {
			continue
		}
		if to != nil && ev.TriggeredAt >= to.UnixMilli() {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt < out[j].TriggeredAt })
	return out
}

func downsampleEvents(events []storage.ExtremeEvent, max int) []storage.ExtremeEvent {
	if max <= 0 || len(events) <= max {
		return events
	}
	if max == 1 {
		return events[len(events)-1:]
	}

	result := make([]storage.ExtremeEvent, 0, max)
	step := float64(len(events)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(events) {
			idx = len(events) - 1
		}
		result = append(result, events[idx])
	}
	return result
}

func change24h(ev storage.ExtremeEvent) (float64, bool) {
	if ev.PriceAtTrigger == nil || ev.Price24h == nil {
		return 0, false
	}
	return stats.PercentChange(*ev.PriceAtTrigger, *ev.Price24h)
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func eventRecord(ev storage.ExtremeEvent) []string {
	change := ""
	if c, ok := change24h(ev); ok {
		change = strconv.FormatFloat(c, 'f', 2, 64)
	}
	return []string{
		strconv.FormatInt(ev.ID, 10),
		ev.Symbol,
		ev.Dimension,
		strconv.Itoa(ev.WindowDays),
		time.UnixMilli(ev.TriggeredAt).UTC().Format(time.RFC3339),
		strconv.FormatFloat(ev.Value, 'f', -1, 64),
		strconv.FormatFloat(ev.Percentile, 'f', 2, 64),
		formatPrice(ev.PriceAtTrigger),
		formatPrice(ev.Price4h),
		formatPrice(ev.Price12h),
		formatPrice(ev.Price24h),
		formatPrice(ev.Price48h),
		change,
	}
}

func writeEventsCSV(path string, events []storage.ExtremeEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, ev := range events {
		if err := writer.Write(eventRecord(ev)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// cellValue leaves missing prices as empty cells instead of zeros.
func cellValue(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func writeEventsXLSX(path string, events []storage.ExtremeEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := "events"
	f.SetSheetName("Sheet1", sheet)

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, ev := range events {
		var change interface{}
		if c, ok := change24h(ev); ok {
			change = math.Round(c*100) / 100
		}
		row := []interface{}{
			ev.ID,
			ev.Symbol,
			ev.Dimension,
			ev.WindowDays,
			time.UnixMilli(ev.TriggeredAt).UTC().Format(time.RFC3339),
			ev.Value,
			ev.Percentile,
			cellValue(ev.PriceAtTrigger),
			cellValue(ev.Price4h),
			cellValue(ev.Price12h),
			cellValue(ev.Price24h),
			cellValue(ev.Price48h),
			change,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// writeEventsPNG plots the trigger price of each event with its percentile on
// the secondary axis.
func writeEventsPNG(path string, events []storage.ExtremeEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		priceX, pctX []time.Time
		priceY, pctY []float64
	)
	for _, ev := range events {
		ts := time.UnixMilli(ev.TriggeredAt).UTC()
		pctX = append(pctX, ts)
		pctY = append(pctY, ev.Percentile)
		if ev.PriceAtTrigger != nil {
			priceX = append(priceX, ts)
			priceY = append(priceY, *ev.PriceAtTrigger)
		}
	}

	pct := chart.TimeSeries{Name: "Percentile", XValues: pctX, YValues: pctY}
	series := []chart.Series{}
	if len(priceX) > 0 {
		pct.YAxis = chart.YAxisSecondary
		series = append(series, chart.TimeSeries{
			Name:    "Price at trigger",
			XValues: priceX,
			YValues: priceY,
		})
	}
	series = append(series, pct)

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Percentile",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
