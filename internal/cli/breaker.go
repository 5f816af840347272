package cli

import (
	"github.com/spf13/cobra"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or operate upstream circuits",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <api>",
	Short: "Force an upstream circuit closed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResetBreaker(cmd.Context(), args[0])
	},
}

func init() {
	breakerCmd.AddCommand(breakerResetCmd)
}
