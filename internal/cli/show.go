package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"storefront-gateway/internal/app"
)

var (
	showLimit int
	showPlot  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display circuit state, cached stock and recent API calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Plot:  showPlot,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows per table")
	showCmd.Flags().BoolVar(&showPlot, "plot", false, "Plot recent response times in the terminal")
}
