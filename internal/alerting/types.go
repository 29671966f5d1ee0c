package alerting

import "time"

// Severity classifies a notification.
type Severity string

const (
	SeverityDanger  Severity = "danger"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Category groups the alert ids that share one latch.
type Category string

const (
	CategorySOC         Category = "soc"
	CategoryTemperature Category = "temperature"
	CategoryImbalance   Category = "imbalance"
	CategoryBalancing   Category = "balancing_duration"
	CategoryKeepalive   Category = "keepalive"
)

// Alert ids double as banner ids.
const (
	AlertSOCCritical       = "soc_critical"
	AlertSOCLow            = "soc_low"
	AlertTempCritical      = "temp_critical"
	AlertTempWarning       = "temp_warning"
	AlertImbalanceCritical = "imbalance_critical"
	AlertImbalanceWarning  = "imbalance_warning"
	AlertBalancingDuration = "balancing_duration"
	AlertKeepalive         = "victron_keepalive"
)

// Notification is emitted once per INACTIVE to ACTIVE transition.
type Notification struct {
	AlertID   string
	Category  Category
	Severity  Severity
	Message   string
	Banner    string
	Value     float64
	Threshold float64
	RaisedAt  time.Time
	Channels  []string
}
