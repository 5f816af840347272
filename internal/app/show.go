package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/shopspring/decimal"

	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Plot  bool
}

// Show prints circuit state, cached stock and the recent audit trail.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	out := a.out()
	limit := audit.ClampLimit(opts.Limit)

	health, err := backend.ListHealth(ctx)
	if err != nil {
		return err
	}
	writeHealthTable(out, health)

	entries, err := backend.ListCacheEntries(ctx, limit)
	if err != nil {
		return err
	}
	writeCacheTable(out, entries, time.Now().UTC())

	logs, err := audit.New(backend, a.Logger).Recent(ctx, limit)
	if err != nil {
		return err
	}
	writeLogTable(out, logs)

	if opts.Plot {
		fmt.Fprintln(out)
		fmt.Fprintln(out, latencyPlot(logs))
	}
	return nil
}

func (a *App) out() io.Writer {
	if a.Out != nil {
		return a.Out
	}
	return os.Stdout
}

func writeHealthTable(out io.Writer, records []storage.APIHealth) {
	fmt.Fprintln(out, "Upstreams")
	if len(records) == 0 {
		fmt.Fprintln(out, "  no circuit records")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "API\tState\tErrors\tSuccesses\tOpened (UTC)\tLast error")
	for _, rec := range records {
		opened := "-"
		if rec.OpenedAt != nil {
			opened = rec.OpenedAt.UTC().Format(time.RFC3339)
		}
		lastErr := ""
		if rec.LastError != nil {
			lastErr = sanitizeInline(*rec.LastError)
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%s\t%s\n",
			rec.API, breaker.StateOf(rec), rec.ErrorCount, rec.ConsecutiveSuccess, opened, lastErr)
	}
	writer.Flush()
}

func writeCacheTable(out io.Writer, entries []storage.InventoryCacheEntry, now time.Time) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Inventory cache")
	if len(entries) == 0 {
		fmt.Fprintln(out, "  no cached stock")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Token\tName\tQuantity\tPrice\tChecked (UTC)\tFresh")
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\t%t\n",
			e.Token, sanitizeInline(e.Name), e.Quantity, formatDecimal(e.Price, 2),
			e.LastCheckedAt.UTC().Format(time.RFC3339), now.Before(e.CachedUntil))
	}
	writer.Flush()
}

func writeLogTable(out io.Writer, logs []storage.APILogEntry) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "API log")
	if len(logs) == 0 {
		fmt.Fprintln(out, "  no entries")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAPI\tEndpoint\tStatus\tms\tDetails")
	for _, e := range logs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.API, e.Endpoint, e.Status, e.ResponseTimeMs,
			sanitizeInline(string(e.Details)))
	}
	writer.Flush()
}

// latencyPlot charts response times oldest to newest; logs arrive newest first.
func latencyPlot(logs []storage.APILogEntry) string {
	if len(logs) < 2 {
		return "not enough entries to plot"
	}
	series := make([]float64, len(logs))
	for i, e := range logs {
		series[len(logs)-1-i] = float64(e.ResponseTimeMs)
	}
	return asciigraph.Plot(series,
		asciigraph.Height(10),
		asciigraph.Width(72),
		asciigraph.Caption("response time (ms), oldest to newest"),
	)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
