package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"market-extremes/internal/market"
	"market-extremes/internal/storage"
)

// Show prints recent events, one table for every requested dimension.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	dims, err := parseDimensions(optionalList(opts.Dimension))
	if err != nil {
		return err
	}
	window := opts.WindowDays
	if window <= 0 {
		window = a.Config.Detection.RecordWindowDays
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var events []storage.ExtremeEvent
	for _, dim := range dims {
		found, err := store.QueryEvents(ctx, storage.EventQuery{
			Symbol:     opts.Symbol,
			Dimension:  string(dim),
			WindowDays: window,
			Limit:      opts.Limit,
		})
		if err != nil {
			return err
		}
		events = append(events, found...)
	}
	return renderEvents(os.Stdout, events)
}

func optionalList(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func renderEvents(w io.Writer, events []storage.ExtremeEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no events found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tDimension\tWindow\tValue\tPctl\tPrice\t4h\t12h\t24h\t48h")
	for _, ev := range events {
		dim := ev.Dimension
		if d, err := market.ParseDimension(ev.Dimension); err == nil {
			dim = d.DisplayName()
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%dd\t%s\tP%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(ev.TriggeredAt).UTC().Format("2006-01-02 15:04"),
			ev.Symbol,
			dim,
			ev.WindowDays,
			strconv.FormatFloat(ev.Value, 'g', 6, 64),
			decimal.NewFromFloat(ev.Percentile).StringFixed(1),
			formatCell(ev.PriceAtTrigger),
			formatCell(ev.Price4h),
			formatCell(ev.Price12h),
			formatCell(ev.Price24h),
			formatCell(ev.Price48h),
		)
	}
	return writer.Flush()
}

func formatCell(p *float64) string {
	if p == nil {
		return "-"
	}
	return decimal.NewFromFloat(*p).StringFixed(2)
}
