package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-extremes/internal/app"
)

var (
	showSymbol    string
	showDimension string
	showWindow    int
	showLimit     int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent extreme events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Symbol:     showSymbol,
			Dimension:  showDimension,
			WindowDays: showWindow,
			Limit:      showLimit,
		})
	},
}

var (
	statsSymbol    string
	statsDimension string
	statsWindow    int
	statsLimit     int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise what price did after past extreme events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context(), app.StatsOptions{
			Symbol:     statsSymbol,
			Dimension:  statsDimension,
			WindowDays: statsWindow,
			Limit:      statsLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showSymbol, "symbol", "BTC", "Symbol")
	showCmd.Flags().StringVar(&showDimension, "dimension", "", "Dimension (defaults to all)")
	showCmd.Flags().IntVar(&showWindow, "window", 0, "Window in days (defaults to config)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of events per dimension")

	statsCmd.Flags().StringVar(&statsSymbol, "symbol", "BTC", "Symbol")
	statsCmd.Flags().StringVar(&statsDimension, "dimension", "flow_1h", "Dimension")
	statsCmd.Flags().IntVar(&statsWindow, "window", 0, "Window in days (defaults to config)")
	statsCmd.Flags().IntVar(&statsLimit, "limit", 0, "Most recent events to aggregate")
}
