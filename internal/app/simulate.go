package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bmswatch/internal/alerting"
	"bmswatch/internal/preferences"
	"bmswatch/internal/telemetry"
)

// SimulateOptions describe a synthetic frame.
type SimulateOptions struct {
	SOC           float64
	TemperatureC  float64
	MinCellMV     int
	MaxCellMV     int
	KeepaliveLost bool
}

// SimulateAlert runs one synthetic frame through a fresh alert engine using
// the stored thresholds, dispatching to the configured channels.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	thresholds := preferences.Defaults().Alerts
	if store, err := a.openKV(); err == nil {
		thresholds = a.newPreferences(store).Load().Alerts
	} else {
		a.Logger.Warn().Err(err).Msg("using default thresholds")
	}

	engine := alerting.NewEngine(notifier, nil, alerting.EngineOptions{Channels: a.Config.Alerting.Channels}, a.Logger)
	live := telemetry.LiveData{
		SOCPercent:  opts.SOC,
		Temperature: int(opts.TemperatureC * 10),
		MinCellMV:   opts.MinCellMV,
		MaxCellMV:   opts.MaxCellMV,
	}
	stats := telemetry.Stats{VictronKeepaliveOK: !opts.KeepaliveLost}

	raised := engine.Evaluate(ctx, live, stats, thresholds)
	if len(raised) == 0 {
		fmt.Println("frame is within thresholds; nothing raised")
		return nil
	}
	for _, note := range raised {
		fmt.Printf("%s\t%s\t%s\n", note.RaisedAt.UTC().Format(time.RFC3339), note.Severity, note.Message)
	}
	return nil
}
