package cli

import (
	"time"

	"github.com/spf13/cobra"

	"bmswatch/internal/app"
)

var (
	exportPeriod    string
	exportMaxAge    time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportXLSXPath  string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted history as CSV, XLSX and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Period:    exportPeriod,
			MaxAge:    exportMaxAge,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			XLSXPath:  exportXLSXPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPeriod, "period", "24h", "Window to export: 30m, 1h, 24h, 7d or custom")
	exportCmd.Flags().DurationVar(&exportMaxAge, "max-age", 0, "Sample age limit for --period=custom (0 exports everything retained)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write an XLSX workbook")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
