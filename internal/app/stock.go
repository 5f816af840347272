package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"storefront-gateway/internal/inventory"
)

// StockOptions configure the stock command.
type StockOptions struct {
	Token    string
	Fresh    bool
	Quantity int
}

// Stock reads one product through the cache and prints what a storefront request would see.
func (a *App) Stock(ctx context.Context, opts StockOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	info, err := rt.inventory.GetStock(ctx, opts.Token, inventory.StockOptions{ForceFresh: opts.Fresh})
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Token\t%s\n", info.Token)
	fmt.Fprintf(writer, "Name\t%s\n", sanitizeInline(info.Name))
	fmt.Fprintf(writer, "Quantity\t%d\n", info.Quantity)
	fmt.Fprintf(writer, "Price\t%s\n", formatDecimal(info.Price, 2))
	fmt.Fprintf(writer, "Source\t%s\n", info.Source)
	if info.Cached {
		fmt.Fprintf(writer, "Cache age\t%s\n", info.CacheAge.Round(time.Second))
	}
	if info.Stale {
		fmt.Fprintln(writer, "Warning\tsupplier unavailable, showing last known stock")
	}
	if opts.Quantity > 0 {
		fmt.Fprintf(writer, "Available (%d)\t%t\n", opts.Quantity, info.Quantity >= opts.Quantity)
	}
	return writer.Flush()
}

// WarmCache reads the supplier product list and seeds a cache entry for every product.
func (a *App) WarmCache(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	products, err := rt.inventory.ListProducts(ctx)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		fmt.Fprintln(a.out(), "supplier returned no products")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Token\tName\tQuantity\tPrice")
	for _, p := range products {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", p.Token, sanitizeInline(p.Name), p.Quantity, formatDecimal(p.Price, 2))
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	a.Logger.Info().Int("products", len(products)).Msg("cache warmed")
	return nil
}
