package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"market-extremes/internal/market"
	"market-extremes/internal/stats"
	"market-extremes/internal/storage"
)

// Stats prints the outcome summary and the latest precedent of one key.
func (a *App) Stats(ctx context.Context, opts StatsOptions) error {
	dim, err := market.ParseDimension(opts.Dimension)
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

	st := stats.New(store)
	sum, err := st.Summarize(ctx, opts.Symbol, string(dim), window, opts.Limit)
	if err != nil {
		return err
	}
	latest, err := st.Latest(ctx, opts.Symbol, string(dim), window)
	if err != nil {
		return err
	}
	return renderStats(os.Stdout, opts.Symbol, dim, window, sum, latest)
}

func renderStats(w io.Writer, symbol string, dim market.Dimension, window int, sum stats.Summary, latest *stats.EventSummary) error {
	fmt.Fprintf(w, "%s %s %dd: %d events with outcome\n", symbol, dim.DisplayName(), window, sum.Count)
	if sum.Count == 0 {
		_, err := fmt.Fprintln(w, "insufficient sample")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checkpoint\tSamples\tUp%\tDown%\tAvg%")
	for _, cp := range storage.Checkpoints() {
		if !sum.Has(cp) {
			fmt.Fprintf(writer, "%s\t0\t-\t-\t-\n", cp)
			continue
		}
		s := sum.Stats[cp]
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\n",
			cp, s.Samples,
			decimal.NewFromFloat(s.UpPct).StringFixed(1),
			decimal.NewFromFloat(s.DownPct).StringFixed(1),
			decimal.NewFromFloat(s.AvgChange).StringFixed(2))
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if latest != nil {
		line := fmt.Sprintf("latest: %s P%s @ %s",
			time.UnixMilli(latest.TriggeredAt).UTC().Format("2006-01-02 15:04"),
			decimal.NewFromFloat(latest.Percentile).StringFixed(1),
			decimal.NewFromFloat(latest.PriceAtTrigger).StringFixed(2))
		if latest.Change24h != nil {
			line += fmt.Sprintf(", 24h %s%%", decimal.NewFromFloat(*latest.Change24h).StringFixed(2))
		}
		_, err := fmt.Fprintln(w, line)
		return err
	}
	return nil
}
