package cli

import (
	"github.com/spf13/cobra"
)

var simulateAPI string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic circuit-open alert through the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateAPI)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAPI, "api", "supplier", "Upstream name to report")
}
