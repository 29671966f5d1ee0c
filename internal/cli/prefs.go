package cli

import (
	"github.com/spf13/cobra"

	"bmswatch/internal/app"
)

var prefsYAML bool

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Inspect or change dashboard thresholds",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PrefsShow(prefsFormat())
	},
}

var prefsSetCmd = &cobra.Command{
	Use:     "set section.field=value...",
	Short:   "Update preferences; inconsistent values are corrected",
	Example: "  bmswatch prefs set alerts.soc_low=35 cellVoltage.max_mv=3650",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PrefsSet(args, prefsFormat())
	},
}

var prefsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore default preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PrefsReset(prefsFormat())
	},
}

func prefsFormat() app.PrefsFormat {
	if prefsYAML {
		return app.PrefsYAML
	}
	return app.PrefsJSON
}

func init() {
	prefsCmd.PersistentFlags().BoolVar(&prefsYAML, "yaml", false, "Print as YAML instead of JSON")
	prefsCmd.AddCommand(prefsShowCmd, prefsSetCmd, prefsResetCmd)
}
