package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gridwatch/internal/alerting"
	"gridwatch/internal/storage"
)

// Export renders recorded readings as CSV and/or PNG, and recorded alerts as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.AlertsCSVPath == "" {
		return errors.New("at least one of --csv, --png or --alerts-csv must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	if opts.AlertsCSVPath != "" {
		records, err := store.ListAlertsBetween(ctx, from, to)
		if err != nil {
			return err
		}
		alerts := toAlerts(records)
		a.Logger.Info().Int("alerts", len(alerts)).Msg("exporting alerts")
		if err := writeFile(opts.AlertsCSVPath, func(w io.Writer) error { return alerting.WriteCSV(w, alerts) }); err != nil {
			return err
		}
	}

	if opts.CSVPath == "" && opts.PNGPath == "" {
		return nil
	}

	readings, err := store.ListReadingsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Msg("no readings found for export window")
		return nil
	}

	downsampled := downsampleReadings(readings, opts.MaxPoints)
	a.Logger.Info().Int("total", len(readings)).Int("exported", len(downsampled)).Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeReadingsCSV(w, downsampled) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderReadingsPNG(w, downsampled) }); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Source.GeneratorInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func toAlerts(records []storage.AlertRecord) []alerting.Alert {
	out := make([]alerting.Alert, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Alert())
	}
	return out
}

func downsampleReadings(readings []storage.ReadingRecord, max int) []storage.ReadingRecord {
	if max <= 0 || len(readings) <= max {
		return readings
	}
	if max == 1 {
		return readings[len(readings)-1:]
	}

	result := make([]storage.ReadingRecord, 0, max)
	step := float64(len(readings)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(readings) {
			idx = len(readings) - 1
		}
		result = append(result, readings[idx])
	}
	return result
}

func writeReadingsCSV(w io.Writer, readings []storage.ReadingRecord) error {
	writer := csv.NewWriter(w)

	header := []string{"timestamp", "voltage", "current", "source", "voltage_estimated"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range readings {
		current := ""
		if r.Current != nil {
			current = formatDecimal(*r.Current, 2)
		}
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			formatDecimal(r.Voltage, 2),
			current,
			r.Source,
			strconv.FormatBool(r.VoltageEstimated),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func renderReadingsPNG(w io.Writer, readings []storage.ReadingRecord) error {
	if len(readings) < 2 {
		return errors.New("png export needs at least two readings")
	}
	x := make([]time.Time, 0, len(readings))
	voltage := make([]float64, 0, len(readings))
	cx := make([]time.Time, 0, len(readings))
	current := make([]float64, 0, len(readings))

	for _, r := range readings {
		x = append(x, r.Timestamp)
		voltage = append(voltage, r.Voltage.InexactFloat64())
		if r.Current != nil {
			cx = append(cx, r.Timestamp)
			current = append(current, r.Current.InexactFloat64())
		}
	}

	twoPlaces := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Voltage (V)",
			XValues: x,
			YValues: voltage,
		},
	}
	if len(current) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Current (A)",
			XValues: cx,
			YValues: current,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Voltage (V)",
			ValueFormatter: twoPlaces,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Current (A)",
			ValueFormatter: twoPlaces,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
