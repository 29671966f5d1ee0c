package telemetry

import "time"

// Sample is one persisted telemetry point. Timestamp is milliseconds since the
// Unix epoch; Current is signed (positive = charging).
type Sample struct {
	Timestamp   int64   `json:"timestamp"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	SOC         float64 `json:"soc"`
	Temperature float64 `json:"temperature"`
}

// Time converts the sample timestamp to a time.Time.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// LiveData is the live_data block pushed by the bridge on every tick.
// Absent fields decode to their zero value.
type LiveData struct {
	SOCPercent    float64 `json:"soc_percent"`
	Voltage       float64 `json:"voltage"`
	Current       float64 `json:"current"`
	Temperature   int     `json:"temperature"` // tenths of °C
	MinCellMV     int     `json:"min_cell_mv"`
	MaxCellMV     int     `json:"max_cell_mv"`
	BalancingBits uint16  `json:"balancing_bits"`
	OnlineStatus  int     `json:"online_status"`
	CellsMV       []int   `json:"cells,omitempty"`
}

// TemperatureC returns the pack temperature in °C.
func (l LiveData) TemperatureC() float64 {
	return float64(l.Temperature) / 10
}

// ImbalanceMV is the spread between the highest and lowest cell.
func (l LiveData) ImbalanceMV() int {
	return l.MaxCellMV - l.MinCellMV
}

// Balancing reports whether any cell is currently being equalised.
func (l LiveData) Balancing() bool {
	return l.BalancingBits != 0
}

// Online reports the upstream BMS link status.
func (l LiveData) Online() bool {
	return l.OnlineStatus != 0
}

// Stats is the sidecar block sent alongside live data.
type Stats struct {
	VictronKeepaliveOK bool    `json:"victron_keepalive_ok"`
	CVLState           int     `json:"cvl_state"`
	CVLCurrentV        float64 `json:"cvl_current_v"`
}

// Message is the envelope received from the bridge WebSocket.
type Message struct {
	LiveData *LiveData `json:"live_data"`
	Stats    *Stats    `json:"stats"`
	UptimeMs int64     `json:"uptime_ms"`
}

// Live returns the live block, or false when the message carries none.
func (m Message) Live() (LiveData, bool) {
	if m.LiveData == nil {
		return LiveData{}, false
	}
	return *m.LiveData, true
}

// StatsOrZero returns the stats block or a zero value when absent.
func (m Message) StatsOrZero() Stats {
	if m.Stats == nil {
		return Stats{}
	}
	return *m.Stats
}

// SampleFromLive converts a live block into a Sample stamped at ts.
func SampleFromLive(live LiveData, ts time.Time) Sample {
	return Sample{
		Timestamp:   ts.UnixMilli(),
		Voltage:     live.Voltage,
		Current:     live.Current,
		SOC:         live.SOCPercent,
		Temperature: live.TemperatureC(),
	}
}

var cvlStateNames = []string{"BULK", "TRANSITION", "FLOAT_APPROACH", "FLOAT", "IMBALANCE_HOLD"}

// CVLStateName maps the charge-voltage-limit state code to its label.
func CVLStateName(state int) (string, bool) {
	if state < 0 || state >= len(cvlStateNames) {
		return "", false
	}
	return cvlStateNames[state], true
}
