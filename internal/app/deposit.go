package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"storefront-gateway/internal/storage"
)

// DepositOptions describe a pending top-up to register before the processor calls back.
type DepositOptions struct {
	UserID  string
	Amount  decimal.Decimal
	OrderID string
}

// CreateDeposit registers a pending deposit so webhook deliveries for OrderID can be matched.
func (a *App) CreateDeposit(ctx context.Context, opts DepositOptions) error {
	if strings.TrimSpace(opts.UserID) == "" || strings.TrimSpace(opts.OrderID) == "" {
		return errors.New("user and order id are required")
	}
	if !opts.Amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	deposit, err := backend.CreateDeposit(ctx, storage.Deposit{
		UserID:          opts.UserID,
		Amount:          opts.Amount,
		Status:          storage.DepositPending,
		ExternalOrderID: opts.OrderID,
		Metadata:        map[string]any{"source": "cli"},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out(), "deposit %s pending for %s (%s)\n", deposit.ID, deposit.UserID, formatDecimal(deposit.Amount, 2))
	return nil
}

// Balance prints a user's balance and, when orderID is set, the ledger rows for that deposit.
func (a *App) Balance(ctx context.Context, userID, orderID string) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	balance, err := backend.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	out := a.out()
	fmt.Fprintf(out, "balance %s: %s\n", userID, formatDecimal(balance, 2))
	if orderID == "" {
		return nil
	}

	deposit, err := backend.FindDepositByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	rows, err := backend.ListLedger(ctx, deposit.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "deposit %s: %s\n", deposit.ID, deposit.Status)
	for _, row := range rows {
		fmt.Fprintf(out, "  %s %s %s\n", row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), row.Type, formatDecimal(row.Amount, 2))
	}
	return nil
}
