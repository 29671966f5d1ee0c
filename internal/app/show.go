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

	"bmswatch/internal/telemetry"
)

// Show prints the most recent persisted samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	return a.show(ctx, os.Stdout, opts)
}

func (a *App) show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, err := a.openKV()
	if err != nil {
		return err
	}

	period := telemetry.ParsePeriod(opts.Period)
	maxAge, _ := period.MaxAge()
	samples := a.newHistory(store).Query(ctx, maxAge)
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	if opts.Limit > 0 && len(samples) > opts.Limit {
		samples = samples[len(samples)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVoltage (V)\tCurrent (A)\tSOC %\tTemp °C")

	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			s.Time().UTC().Format(time.RFC3339),
			formatFloat(s.Voltage, 2),
			formatFloat(s.Current, 2),
			formatFloat(s.SOC, 1),
			formatFloat(s.Temperature, 1),
		)
	}

	return writer.Flush()
}

// ShowAlerts prints the most recent audited alerts.
func (a *App) ShowAlerts(ctx context.Context, limit int) error {
	audit, closeAudit, err := a.openAudit(ctx)
	if err != nil {
		return err
	}
	if audit == nil {
		return errors.New("database not configured; cannot list alerts")
	}
	defer closeAudit()

	records, err := audit.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Raised (UTC)\tAlert\tSeverity\tValue\tThreshold\tMessage")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RaisedAt.UTC().Format(time.RFC3339),
			rec.AlertID,
			rec.Severity,
			formatFloat(rec.Value, 1),
			formatFloat(rec.Threshold, 1),
			sanitizeInline(rec.Message),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
