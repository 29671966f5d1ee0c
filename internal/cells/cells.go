// Package cells derives the 16-cell pack view shown on the dashboard.
package cells

import (
	"math"

	"bmswatch/internal/preferences"
	"bmswatch/internal/telemetry"
)

// Count is the number of series cells in the pack.
const Count = 16

// Band classifies the pack imbalance against the cell-voltage preferences.
type Band string

const (
	BandOK      Band = "OK"
	BandWarning Band = "Warning"
	BandHigh    Band = "High"
)

// Cell is one slot of the view.
type Cell struct {
	Number     int     `json:"number"`
	VoltageMV  int     `json:"voltage_mv"`
	BarPercent float64 `json:"bar_percent"`
	Balancing  bool    `json:"balancing"`
	Min        bool    `json:"min"`
	Max        bool    `json:"max"`
	Missing    bool    `json:"missing,omitempty"`
}

// View is the rendered pack summary.
type View struct {
	Cells          []Cell `json:"cells"`
	MinCell        int    `json:"min_cell"`
	MinMV          int    `json:"min_mv"`
	MaxCell        int    `json:"max_cell"`
	MaxMV          int    `json:"max_mv"`
	ImbalanceMV    int    `json:"imbalance_mv"`
	Band           Band   `json:"band"`
	BalancingCells []int  `json:"balancing_cells"`
	Synthetic      bool   `json:"synthetic"`
}

// Voltages returns the per-cell readings for live. When the bridge does not
// send a per-cell array the slots are filled by linear interpolation between
// the reported min and max cell, so slot 1 holds the minimum and slot 16 the
// maximum. A reported array is clipped or zero-padded to Count slots; a zero
// slot means the bridge sent no reading for that cell.
func Voltages(live telemetry.LiveData) ([]int, bool) {
	if len(live.CellsMV) > 0 {
		out := make([]int, Count)
		copy(out, live.CellsMV)
		return out, false
	}

	out := make([]int, Count)
	span := float64(live.MaxCellMV - live.MinCellMV)
	for i := range out {
		out[i] = live.MinCellMV + int(math.Round(span*float64(i)/float64(Count-1)))
	}
	return out, true
}

// BalancingCells lists the 1-based cells whose bit is set.
func BalancingCells(bits uint16) []int {
	out := []int{}
	for i := 0; i < Count; i++ {
		if bits&(1<<uint(i)) != 0 {
			out = append(out, i+1)
		}
	}
	return out
}

// Classify bands an imbalance: OK below warning, Warning below critical,
// High otherwise.
func Classify(imbalanceMV int, cfg preferences.CellVoltage) Band {
	v := float64(imbalanceMV)
	switch {
	case v < cfg.WarningDeltaMV:
		return BandOK
	case v < cfg.CriticalDeltaMV:
		return BandWarning
	default:
		return BandHigh
	}
}

// BarPercent maps a cell voltage onto the configured display range.
func BarPercent(voltageMV int, cfg preferences.CellVoltage) float64 {
	minScale := math.Min(cfg.MinMV, cfg.MaxMV-1)
	maxScale := math.Max(cfg.MaxMV, minScale+1)
	scale := math.Max(1, maxScale-minScale)

	clamped := math.Max(minScale, math.Min(maxScale, float64(voltageMV)))
	pct := (clamped - minScale) / scale * 100
	return math.Max(0, math.Min(100, pct))
}

// Build renders the pack view for live under cfg.
func Build(live telemetry.LiveData, cfg preferences.CellVoltage) View {
	voltages, synthetic := Voltages(live)
	balancing := BalancingCells(live.BalancingBits)

	active := make(map[int]bool, len(balancing))
	for _, n := range balancing {
		active[n] = true
	}

	view := View{
		Cells:          make([]Cell, len(voltages)),
		BalancingCells: balancing,
		Synthetic:      synthetic,
	}
	for i, mv := range voltages {
		n := i + 1
		if mv <= 0 {
			view.Cells[i] = Cell{Number: n, Balancing: active[n], Missing: true}
			continue
		}
		view.Cells[i] = Cell{
			Number:     n,
			VoltageMV:  mv,
			BarPercent: BarPercent(mv, cfg),
			Balancing:  active[n],
		}
		if view.MinCell == 0 || mv < view.MinMV {
			view.MinCell, view.MinMV = n, mv
		}
		if view.MaxCell == 0 || mv > view.MaxMV {
			view.MaxCell, view.MaxMV = n, mv
		}
	}

	if view.MinCell > 0 {
		view.Cells[view.MinCell-1].Min = true
		view.Cells[view.MaxCell-1].Max = true
	}
	view.ImbalanceMV = view.MaxMV - view.MinMV
	view.Band = Classify(view.ImbalanceMV, cfg)
	return view
}
