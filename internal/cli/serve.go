package cli

import (
	"github.com/spf13/cobra"

	"storefront-gateway/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and the scheduled stock sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var (
	syncLoop   bool
	syncTokens []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh cached stock for watched tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sync(cmd.Context(), app.SyncOptions{Loop: syncLoop, Tokens: syncTokens})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncLoop, "loop", false, "Keep syncing on the configured schedule")
	syncCmd.Flags().StringSliceVar(&syncTokens, "token", nil, "Tokens to sync instead of inventory.watch_tokens")
}
