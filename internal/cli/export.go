package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-extremes/internal/app"
)

var (
	exportSymbol    string
	exportDimension string
	exportWindow    int
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportXLSXPath  string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded events as CSV, XLSX and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Symbol:     exportSymbol,
			Dimension:  exportDimension,
			WindowDays: exportWindow,
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			XLSXPath:   exportXLSXPath,
			MaxPoints:  exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "BTC", "Symbol")
	exportCmd.Flags().StringVar(&exportDimension, "dimension", "flow_1h", "Dimension")
	exportCmd.Flags().IntVar(&exportWindow, "window", 7, "Window in days")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write XLSX workbook")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum events to export (defaults to config)")
}
