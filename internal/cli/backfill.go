package cli

import (
	"github.com/spf13/cobra"
)

var sweepDays int

var backfillCmd = &cobra.Command{
	Use:   "backfill-prices",
	Short: "Fill due checkpoint prices of recorded events once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BackfillPrices(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete events older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context(), sweepDays)
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepDays, "days", 0, "Retention in days (defaults to config)")
}
