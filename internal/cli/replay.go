package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-extremes/internal/app"
)

var (
	replaySymbols    []string
	replayDimensions []string
	replayDryRun     bool
	replayKlines     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Detect extreme events over archived hourly series",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			Symbols:      replaySymbols,
			Dimensions:   replayDimensions,
			DryRun:       replayDryRun,
			AttachPrices: replayKlines,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: detected %d, inserted %d, already stored %d, missing price %d\n",
			report.RunID, report.Detected, report.Inserted, report.Duplicates, report.MissingPrice)
		return nil
	},
}

var processTradesCmd = &cobra.Command{
	Use:   "process-trades",
	Short: "Aggregate aggTrades archives into an hourly whale flow series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ProcessTrades(replaySymbols)
	},
}

var processMetricsCmd = &cobra.Command{
	Use:   "process-metrics",
	Short: "Aggregate futures metrics archives into hourly OI change and ratio series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ProcessMetrics(replaySymbols)
	},
}

var processLiquidationsCmd = &cobra.Command{
	Use:   "process-liquidations",
	Short: "Aggregate liquidation archives into hourly total and long-side series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ProcessLiquidations(replaySymbols)
	},
}

func init() {
	replayCmd.Flags().StringSliceVar(&replaySymbols, "symbol", nil, "Symbols to replay (defaults to config)")
	replayCmd.Flags().StringSliceVar(&replayDimensions, "dimension", nil, "Dimensions to replay (defaults to all)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Print detected events without writing them")
	replayCmd.Flags().BoolVar(&replayKlines, "klines", true, "Attach prices from kline archives")

	for _, c := range []*cobra.Command{processTradesCmd, processMetricsCmd, processLiquidationsCmd} {
		c.Flags().StringSliceVar(&replaySymbols, "symbol", nil, "Symbols to process (defaults to config)")
	}
}
