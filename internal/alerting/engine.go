package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bmswatch/internal/preferences"
	"bmswatch/internal/telemetry"
)

// State holds one latch per alert id plus the balancing episode start.
type State struct {
	SOCCritical       bool
	SOCLow            bool
	TempCritical      bool
	TempWarning       bool
	ImbalanceCritical bool
	ImbalanceWarning  bool
	BalancingDuration bool
	Keepalive         bool
	BalancingStart    *time.Time
}

// Active returns the ids of every latched alert.
func (s State) Active() []string {
	var ids []string
	for _, l := range s.latches() {
		if l.on {
			ids = append(ids, l.id)
		}
	}
	return ids
}

type latch struct {
	id string
	on bool
}

func (s State) latches() []latch {
	return []latch{
		{AlertSOCCritical, s.SOCCritical},
		{AlertSOCLow, s.SOCLow},
		{AlertTempCritical, s.TempCritical},
		{AlertTempWarning, s.TempWarning},
		{AlertImbalanceCritical, s.ImbalanceCritical},
		{AlertImbalanceWarning, s.ImbalanceWarning},
		{AlertBalancingDuration, s.BalancingDuration},
		{AlertKeepalive, s.Keepalive},
	}
}

// EngineOptions tune the Engine.
type EngineOptions struct {
	Now      func() time.Time
	Channels []string
}

// Engine turns live samples into edge-triggered notifications. Each alert id
// notifies once when its condition becomes true and stays silent while it
// remains true; when the condition clears its banner is removed without a
// notification. Evaluate is serialized internally.
type Engine struct {
	mu       sync.Mutex
	state    State
	notifier Notifier
	banners  BannerSink
	now      func() time.Time
	channels []string
	logger   zerolog.Logger
}

// NewEngine constructs an Engine. Either sink may be nil.
func NewEngine(notifier Notifier, banners BannerSink, opts EngineOptions, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		notifier: notifier,
		banners:  banners,
		now:      opts.Now,
		channels: opts.Channels,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
	}
}

// tier is one severity level of a category for a single evaluation.
type tier struct {
	id        string
	category  Category
	severity  Severity
	active    bool
	was       bool
	message   string
	banner    string
	value     float64
	threshold float64
}

// Evaluate runs Transition and dispatches the raised notifications before
// returning them.
func (e *Engine) Evaluate(ctx context.Context, live telemetry.LiveData, stats telemetry.Stats, th preferences.AlertThresholds) []Notification {
	raised := e.Transition(live, stats, th)
	e.Dispatch(ctx, raised)
	return raised
}

// Transition runs every category against live, stats and thresholds, updating
// latches and banners. The raised notifications are returned undelivered;
// callers holding their own locks hand them to Dispatch after releasing them.
func (e *Engine) Transition(live telemetry.LiveData, stats telemetry.Stats, th preferences.AlertThresholds) []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	prev := e.state
	next := State{BalancingStart: prev.BalancingStart}

	soc := live.SOCPercent
	switch {
	case soc < th.SOCCritical:
		next.SOCCritical = true
	case soc < th.SOCLow:
		next.SOCLow = true
	}

	tempC := live.TemperatureC()
	switch {
	case tempC > th.TempCritical:
		next.TempCritical = true
	case tempC > th.TempWarning:
		next.TempWarning = true
	}

	imbalance := float64(live.ImbalanceMV())
	switch {
	case imbalance > th.ImbalanceCritical:
		next.ImbalanceCritical = true
	case imbalance > th.ImbalanceWarning:
		next.ImbalanceWarning = true
	}

	var balancingElapsed time.Duration
	if live.Balancing() {
		if next.BalancingStart == nil {
			start := now
			next.BalancingStart = &start
		}
		balancingElapsed = now.Sub(*next.BalancingStart)
		next.BalancingDuration = balancingElapsed > th.BalancingDurationWarning()
	} else {
		next.BalancingStart = nil
	}

	next.Keepalive = !stats.VictronKeepaliveOK

	tiers := []tier{
		{
			id: AlertSOCCritical, category: CategorySOC, severity: SeverityDanger,
			active: next.SOCCritical, was: prev.SOCCritical,
			message:   fmt.Sprintf("SOC Critical: %s%% - Charge immediately!", fixed(soc, 1)),
			banner:    fmt.Sprintf("SOC critical: %s%%", fixed(soc, 1)),
			value:     soc,
			threshold: th.SOCCritical,
		},
		{
			id: AlertSOCLow, category: CategorySOC, severity: SeverityWarning,
			active: next.SOCLow, was: prev.SOCLow,
			message:   fmt.Sprintf("SOC Low: %s%% - Consider charging", fixed(soc, 1)),
			banner:    fmt.Sprintf("SOC low: %s%%", fixed(soc, 1)),
			value:     soc,
			threshold: th.SOCLow,
		},
		{
			id: AlertTempCritical, category: CategoryTemperature, severity: SeverityDanger,
			active: next.TempCritical, was: prev.TempCritical,
			message:   fmt.Sprintf("Temperature Critical: %s°C - Shutdown recommended!", fixed(tempC, 1)),
			banner:    fmt.Sprintf("Temperature critical: %s°C", fixed(tempC, 1)),
			value:     tempC,
			threshold: th.TempCritical,
		},
		{
			id: AlertTempWarning, category: CategoryTemperature, severity: SeverityWarning,
			active: next.TempWarning, was: prev.TempWarning,
			message:   fmt.Sprintf("Temperature High: %s°C - Monitor closely", fixed(tempC, 1)),
			banner:    fmt.Sprintf("Temperature high: %s°C", fixed(tempC, 1)),
			value:     tempC,
			threshold: th.TempWarning,
		},
		{
			id: AlertImbalanceCritical, category: CategoryImbalance, severity: SeverityDanger,
			active: next.ImbalanceCritical, was: prev.ImbalanceCritical,
			message:   fmt.Sprintf("Cell Imbalance Critical: %dmV - Check cells!", live.ImbalanceMV()),
			banner:    fmt.Sprintf("Cell imbalance critical: %dmV", live.ImbalanceMV()),
			value:     imbalance,
			threshold: th.ImbalanceCritical,
		},
		{
			id: AlertImbalanceWarning, category: CategoryImbalance, severity: SeverityWarning,
			active: next.ImbalanceWarning, was: prev.ImbalanceWarning,
			message:   fmt.Sprintf("Cell Imbalance High: %dmV", live.ImbalanceMV()),
			banner:    fmt.Sprintf("Cell imbalance high: %dmV", live.ImbalanceMV()),
			value:     imbalance,
			threshold: th.ImbalanceWarning,
		},
		{
			id: AlertBalancingDuration, category: CategoryBalancing, severity: SeverityInfo,
			active: next.BalancingDuration, was: prev.BalancingDuration,
			message:   fmt.Sprintf("Balancing active for %d minutes", int(balancingElapsed/time.Minute)),
			banner:    fmt.Sprintf("Balancing active for %d min", int(balancingElapsed/time.Minute)),
			value:     balancingElapsed.Minutes(),
			threshold: th.BalancingDurationWarning().Minutes(),
		},
		{
			id: AlertKeepalive, category: CategoryKeepalive, severity: SeverityWarning,
			active: next.Keepalive, was: prev.Keepalive,
			message: "Victron keepalive timeout - Check connection",
			banner:  "Victron keepalive lost",
		},
	}

	var raised []Notification
	for _, t := range tiers {
		switch {
		case t.active && !t.was:
			if e.banners != nil {
				e.banners.CreateBanner(t.id, t.banner, t.severity)
			}
			raised = append(raised, Notification{
				AlertID:   t.id,
				Category:  t.category,
				Severity:  t.severity,
				Message:   t.message,
				Banner:    t.banner,
				Value:     t.value,
				Threshold: t.threshold,
				RaisedAt:  now,
				Channels:  e.channels,
			})
			e.logger.Info().Str("alert", t.id).Str("severity", string(t.severity)).Msg("alert raised")
		case !t.active && t.was:
			if e.banners != nil {
				e.banners.RemoveBanner(t.id)
			}
			e.logger.Info().Str("alert", t.id).Msg("alert cleared")
		}
	}

	e.state = next
	return raised
}

// Dispatch sends raised notifications to the notifier in order. Failures are
// logged and do not stop later notifications.
func (e *Engine) Dispatch(ctx context.Context, raised []Notification) {
	if e.notifier == nil {
		return
	}
	for _, note := range raised {
		if err := e.notifier.Notify(ctx, note); err != nil {
			e.logger.Error().Err(err).Str("alert", note.AlertID).Msg("failed to dispatch alert")
		}
	}
}

// State returns a copy of the current latches.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	if state.BalancingStart != nil {
		start := *state.BalancingStart
		state.BalancingStart = &start
	}
	return state
}

// Reset clears every latch and the balancing timer, removing active banners.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.banners != nil {
		for _, id := range e.state.Active() {
			e.banners.RemoveBanner(id)
		}
	}
	e.state = State{}
}

func fixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
