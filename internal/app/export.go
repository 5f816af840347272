package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/storage"
)

// exportOversample bounds how many rows are read before downsampling.
const exportOversample = 10

// ExportOptions hold parameters for exporting the audit trail.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	API     string
	PNGPath string
	CSVPath string
	MaxRows int
}

// Export renders audit log entries as CSV and/or a response time PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	entries, err := audit.New(backend, a.Logger).Between(ctx, from, to, opts.MaxRows*exportOversample)
	if err != nil {
		return err
	}
	entries = filterAPI(entries, opts.API)
	if len(entries) == 0 {
		a.Logger.Info().Msg("no api log entries found for export window")
		return nil
	}

	downsampled := downsampleEntries(entries, opts.MaxRows)
	a.Logger.Info().Int("total", len(entries)).Int("exported", len(downsampled)).Msg("exporting api log")

	if opts.CSVPath != "" {
		if err := writeEntriesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeLatencyPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterAPI(entries []storage.APILogEntry, api string) []storage.APILogEntry {
	if api == "" {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.API == api {
			out = append(out, e)
		}
	}
	return out
}

func downsampleEntries(entries []storage.APILogEntry, max int) []storage.APILogEntry {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	if max == 1 {
		return entries[len(entries)-1:]
	}

	result := make([]storage.APILogEntry, 0, max)
	step := float64(len(entries)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(entries) {
			idx = len(entries) - 1
		}
		result = append(result, entries[idx])
	}
	return result
}

func writeEntriesCSV(path string, entries []storage.APILogEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "api", "endpoint", "status", "response_time_ms", "details"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		record := []string{
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.API,
			e.Endpoint,
			e.Status,
			strconv.FormatInt(e.ResponseTimeMs, 10),
			string(e.Details),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeLatencyPNG draws one response time series per upstream.
func writeLatencyPNG(path string, entries []storage.APILogEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type points struct {
		x []time.Time
		y []float64
	}
	var order []string
	byAPI := map[string]*points{}
	for _, e := range entries {
		p, ok := byAPI[e.API]
		if !ok {
			p = &points{}
			byAPI[e.API] = p
			order = append(order, e.API)
		}
		p.x = append(p.x, e.CreatedAt)
		p.y = append(p.y, float64(e.ResponseTimeMs))
	}

	series := make([]chart.Series, 0, len(order))
	for _, api := range order {
		p := byAPI[api]
		if len(p.x) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: api, XValues: p.x, YValues: p.y})
	}
	if len(series) == 0 {
		return errors.New("not enough entries per upstream to draw a chart")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Response time (ms)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
