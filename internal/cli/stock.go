package cli

import (
	"github.com/spf13/cobra"

	"storefront-gateway/internal/app"
)

var (
	stockFresh    bool
	stockQuantity int
)

var stockCmd = &cobra.Command{
	Use:   "stock <token>",
	Short: "Read one product's stock through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stock(cmd.Context(), app.StockOptions{
			Token:    args[0],
			Fresh:    stockFresh,
			Quantity: stockQuantity,
		})
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm-cache",
	Short: "Seed the stock cache from the supplier product list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WarmCache(cmd.Context())
	},
}

func init() {
	stockCmd.Flags().BoolVar(&stockFresh, "fresh", false, "Bypass a fresh cache entry")
	stockCmd.Flags().IntVar(&stockQuantity, "quantity", 0, "Also report whether this many units are available")
}
