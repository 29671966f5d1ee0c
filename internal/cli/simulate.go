package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"bmswatch/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run a synthetic frame through the alert engine and dispatch the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.SOC < 0 || simulateOpts.SOC > 100 {
			return errors.New("--soc must be within 0..100")
		}
		if simulateOpts.MaxCellMV < simulateOpts.MinCellMV {
			return errors.New("--max-cell-mv must not be below --min-cell-mv")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateOpts.SOC, "soc", 80, "State of charge in percent")
	simulateCmd.Flags().Float64Var(&simulateOpts.TemperatureC, "temp", 25, "Pack temperature in °C")
	simulateCmd.Flags().IntVar(&simulateOpts.MinCellMV, "min-cell-mv", 3300, "Lowest cell voltage")
	simulateCmd.Flags().IntVar(&simulateOpts.MaxCellMV, "max-cell-mv", 3310, "Highest cell voltage")
	simulateCmd.Flags().BoolVar(&simulateOpts.KeepaliveLost, "keepalive-lost", false, "Report the Victron keepalive as lost")
}
