package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"bmswatch/internal/downsample"
	"bmswatch/internal/telemetry"
)

var exportHeader = []string{"timestamp", "voltage_v", "current_a", "soc_pct", "temperature_c"}

// Export renders persisted history as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}

	store, err := a.openKV()
	if err != nil {
		return err
	}

	period := telemetry.ParsePeriod(opts.Period)
	maxAge, ok := period.MaxAge()
	if !ok {
		maxAge = opts.MaxAge
	}

	samples := a.newHistory(store).Query(ctx, maxAge)
	if len(samples) == 0 {
		a.Logger.Info().Str("period", period.String()).Msg("no samples found for export window")
		return nil
	}

	maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)
	exported := downsample.Downsample(samples, maxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(exported)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, exported); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, period, exported); err != nil {
			return err
		}
	}

	if opts.XLSXPath != "" {
		if err := writeSamplesXLSX(opts.XLSXPath, period, exported); err != nil {
			return err
		}
	}

	return nil
}

func sampleRecord(sample telemetry.Sample) []string {
	return []string{
		sample.Time().UTC().Format(time.RFC3339),
		formatFloat(sample.Voltage, 2),
		formatFloat(sample.Current, 2),
		formatFloat(sample.SOC, 1),
		formatFloat(sample.Temperature, 1),
	}
}

func writeSamplesCSV(path string, samples []telemetry.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := writeCSV(file, samples); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writeCSV(w io.Writer, samples []telemetry.Sample) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(exportHeader); err != nil {
		return err
	}

	for _, sample := range samples {
		if err := writer.Write(sampleRecord(sample)); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeSamplesPNG(path string, period telemetry.Period, samples []telemetry.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	voltage := make([]float64, len(samples))
	current := make([]float64, len(samples))
	soc := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.Time().UTC()
		voltage[i] = sample.Voltage
		current[i] = sample.Current
		soc[i] = sample.SOC
	}

	layout := period.LabelFormat()
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.TimeValueFormatterWithFormat(layout)(v)
			},
		},
		YAxis: chart.YAxis{
			Name: "Voltage (V) / Current (A)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "SOC (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Voltage", XValues: x, YValues: voltage},
			chart.TimeSeries{Name: "Current", XValues: x, YValues: current},
			chart.TimeSeries{Name: "SOC", XValues: x, YValues: soc, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeSamplesXLSX(path string, period telemetry.Period, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return errors.New("no samples to export")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "history"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(exportHeader))
	for i, title := range exportHeader {
		header[i] = title
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, sample := range samples {
		row := []any{
			sample.Time().UTC().Format(time.RFC3339),
			sample.Voltage,
			sample.Current,
			sample.SOC,
			sample.Temperature,
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	summary := "summary"
	if _, err := f.NewSheet(summary); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	rows := [][]any{
		{"Period", period.String()},
		{"Points", len(samples)},
		{"From", samples[0].Time().UTC().Format(time.RFC3339)},
		{"To", samples[len(samples)-1].Time().UTC().Format(time.RFC3339)},
	}
	for i := range rows {
		if err := f.SetSheetRow(summary, fmt.Sprintf("A%d", i+1), &rows[i]); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
