package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
)

var (
	showLimit     int
	showAnomalies bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent audit records or anomaly events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Anomalies: showAnomalies,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
	showCmd.Flags().BoolVar(&showAnomalies, "anomalies", false, "Show anomaly events instead of audit records")
}
