package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bmswatch/internal/app"
)

var (
	showLimit  int
	showPeriod string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent persisted samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Period: showPeriod,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
	showCmd.Flags().StringVar(&showPeriod, "period", "7d", "Window to read: 30m, 1h, 24h or 7d")
}
