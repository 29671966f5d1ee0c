// Package preferences holds the adjustable dashboard thresholds. Updates are
// never rejected: every merge auto-corrects the result into a consistent
// configuration.
package preferences

import (
	"math"
	"time"

	"github.com/spf13/cast"
)

// CellVoltage sets the cell display range and imbalance bands, in millivolts.
type CellVoltage struct {
	MinMV           float64 `json:"min_mv" yaml:"min_mv"`
	MaxMV           float64 `json:"max_mv" yaml:"max_mv"`
	WarningDeltaMV  float64 `json:"warning_delta_mv" yaml:"warning_delta_mv"`
	CriticalDeltaMV float64 `json:"critical_delta_mv" yaml:"critical_delta_mv"`
}

// AlertThresholds drive the alert engine.
type AlertThresholds struct {
	SOCCritical                float64 `json:"soc_critical" yaml:"soc_critical"`
	SOCLow                     float64 `json:"soc_low" yaml:"soc_low"`
	TempWarning                float64 `json:"temp_warning" yaml:"temp_warning"`
	TempCritical               float64 `json:"temp_critical" yaml:"temp_critical"`
	ImbalanceWarning           float64 `json:"imbalance_warning" yaml:"imbalance_warning"`
	ImbalanceCritical          float64 `json:"imbalance_critical" yaml:"imbalance_critical"`
	BalancingDurationWarningMs float64 `json:"balancing_duration_warning_ms" yaml:"balancing_duration_warning_ms"`
}

// BalancingDurationWarning returns the balancing threshold as a duration.
func (a AlertThresholds) BalancingDurationWarning() time.Duration {
	return time.Duration(a.BalancingDurationWarningMs) * time.Millisecond
}

// Preferences is the persisted preference document.
type Preferences struct {
	CellVoltage CellVoltage     `json:"cellVoltage" yaml:"cellVoltage"`
	Alerts      AlertThresholds `json:"alerts" yaml:"alerts"`
}

// Defaults returns the factory preferences.
func Defaults() Preferences {
	return Preferences{
		CellVoltage: CellVoltage{
			MinMV:           3000,
			MaxMV:           3700,
			WarningDeltaMV:  30,
			CriticalDeltaMV: 100,
		},
		Alerts: AlertThresholds{
			SOCCritical:                20,
			SOCLow:                     30,
			TempWarning:                45,
			TempCritical:               50,
			ImbalanceWarning:           150,
			ImbalanceCritical:          200,
			BalancingDurationWarningMs: float64(30 * time.Minute / time.Millisecond),
		},
	}
}

// Partial is a loosely typed update, typically decoded from a form or a
// hand-edited file. Only leaves that are present and coerce to a finite number
// are applied.
type Partial struct {
	CellVoltage map[string]any `json:"cellVoltage,omitempty"`
	Alerts      map[string]any `json:"alerts,omitempty"`
}

// PartialFrom expands a full Preferences value into a Partial carrying every
// field.
func PartialFrom(p Preferences) Partial {
	return Partial{
		CellVoltage: map[string]any{
			"min_mv":            p.CellVoltage.MinMV,
			"max_mv":            p.CellVoltage.MaxMV,
			"warning_delta_mv":  p.CellVoltage.WarningDeltaMV,
			"critical_delta_mv": p.CellVoltage.CriticalDeltaMV,
		},
		Alerts: map[string]any{
			"soc_critical":                  p.Alerts.SOCCritical,
			"soc_low":                       p.Alerts.SOCLow,
			"temp_warning":                  p.Alerts.TempWarning,
			"temp_critical":                 p.Alerts.TempCritical,
			"imbalance_warning":             p.Alerts.ImbalanceWarning,
			"imbalance_critical":            p.Alerts.ImbalanceCritical,
			"balancing_duration_warning_ms": p.Alerts.BalancingDurationWarningMs,
		},
	}
}

// Merge overlays partial onto a copy of base and then corrects the result so
// every ordering invariant holds. Corrections run in a fixed order: cell
// voltage bounds, then deltas, then alert thresholds.
func Merge(base Preferences, partial Partial) Preferences {
	merged := base

	cell := &merged.CellVoltage
	applyNumber(partial.CellVoltage, "min_mv", &cell.MinMV)
	applyNumber(partial.CellVoltage, "max_mv", &cell.MaxMV)
	applyNumber(partial.CellVoltage, "warning_delta_mv", &cell.WarningDeltaMV)
	applyNumber(partial.CellVoltage, "critical_delta_mv", &cell.CriticalDeltaMV)

	alerts := &merged.Alerts
	applyNumber(partial.Alerts, "soc_critical", &alerts.SOCCritical)
	applyNumber(partial.Alerts, "soc_low", &alerts.SOCLow)
	applyNumber(partial.Alerts, "temp_warning", &alerts.TempWarning)
	applyNumber(partial.Alerts, "temp_critical", &alerts.TempCritical)
	applyNumber(partial.Alerts, "imbalance_warning", &alerts.ImbalanceWarning)
	applyNumber(partial.Alerts, "imbalance_critical", &alerts.ImbalanceCritical)
	applyNumber(partial.Alerts, "balancing_duration_warning_ms", &alerts.BalancingDurationWarningMs)

	return Correct(merged)
}

// Correct enforces the preference invariants on p.
func Correct(p Preferences) Preferences {
	cell := &p.CellVoltage
	cell.MaxMV = math.Max(cell.MaxMV, cell.MinMV+1)
	cell.MinMV = math.Min(cell.MinMV, cell.MaxMV-1)
	cell.WarningDeltaMV = math.Max(1, cell.WarningDeltaMV)
	cell.CriticalDeltaMV = math.Max(cell.WarningDeltaMV+1, cell.CriticalDeltaMV)

	alerts := &p.Alerts
	alerts.SOCLow = math.Max(alerts.SOCLow, alerts.SOCCritical+1)
	alerts.TempCritical = math.Max(alerts.TempCritical, alerts.TempWarning)
	alerts.ImbalanceCritical = math.Max(alerts.ImbalanceWarning+1, alerts.ImbalanceCritical)
	alerts.BalancingDurationWarningMs = math.Max(60_000, alerts.BalancingDurationWarningMs)
	return p
}

// Valid reports whether p already satisfies every invariant.
func Valid(p Preferences) bool {
	c, a := p.CellVoltage, p.Alerts
	return c.MaxMV > c.MinMV &&
		c.WarningDeltaMV >= 1 &&
		c.CriticalDeltaMV > c.WarningDeltaMV &&
		a.SOCLow > a.SOCCritical &&
		a.TempCritical >= a.TempWarning &&
		a.ImbalanceCritical > a.ImbalanceWarning &&
		a.BalancingDurationWarningMs >= 60_000
}

func applyNumber(fields map[string]any, key string, dst *float64) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return
	}
	value, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	*dst = value
}
