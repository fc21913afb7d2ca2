package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gridwatch/internal/alerting"
	"gridwatch/internal/storage"
)

// Show prints recent readings, or recent alerts with their report counts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		records, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlertsTable(os.Stdout, records)
	}

	readings, err := store.ListRecentReadings(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if err := writeReadingsTable(os.Stdout, readings); err != nil {
		return err
	}
	total, err := store.CountReadings(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "\nshowing %d of %d stored readings\n", len(readings), total)
	return err
}

func writeReadingsTable(out io.Writer, readings []storage.ReadingRecord) error {
	if len(readings) == 0 {
		_, err := fmt.Fprintln(out, "no readings found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVoltage (V)\tCurrent (A)\tSource\tEstimated")
	for _, r := range readings {
		estimated := ""
		if r.VoltageEstimated {
			estimated = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339),
			formatDecimal(r.Voltage, 2),
			formatOptional(r.Current, 2),
			r.Source,
			estimated,
		)
	}
	return writer.Flush()
}

func writeAlertsTable(out io.Writer, records []storage.AlertRecord) error {
	alerts := make([]alerting.Alert, 0, len(records))
	for _, rec := range records {
		alerts = append(alerts, rec.Alert())
	}
	report := alerting.Summarize(alerts)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tDevice\tLocation\tTitle")
	for _, al := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			al.Timestamp.UTC().Format(time.RFC3339),
			strings.ToUpper(string(al.Severity)),
			al.DeviceID,
			sanitizeInline(al.Location),
			sanitizeInline(al.Title),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\ntotal: %d  warnings: %d  critical: %d\n", report.Total, report.Warnings, report.Critical)
	return err
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return formatDecimal(*d, places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
