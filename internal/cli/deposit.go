package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"storefront-gateway/internal/app"
)

var (
	depositUser   string
	depositAmount string
	depositOrder  string
)

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Manage user deposits",
}

var depositCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a pending deposit for a processor order",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(depositAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		return getApp().CreateDeposit(cmd.Context(), app.DepositOptions{
			UserID:  depositUser,
			Amount:  amount,
			OrderID: depositOrder,
		})
	},
}

var depositBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print a user's balance and optionally one order's ledger rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if depositUser == "" {
			return fmt.Errorf("--user must be provided")
		}
		return getApp().Balance(cmd.Context(), depositUser, depositOrder)
	},
}

func init() {
	depositCreateCmd.Flags().StringVar(&depositUser, "user", "", "User id")
	depositCreateCmd.Flags().StringVar(&depositAmount, "amount", "", "Deposit amount")
	depositCreateCmd.Flags().StringVar(&depositOrder, "order", "", "Processor order id")

	depositBalanceCmd.Flags().StringVar(&depositUser, "user", "", "User id")
	depositBalanceCmd.Flags().StringVar(&depositOrder, "order", "", "Processor order id")

	depositCmd.AddCommand(depositCreateCmd)
	depositCmd.AddCommand(depositBalanceCmd)
}
