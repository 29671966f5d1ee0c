package storage

import "time"

// AlertRecord captures an emitted alert transition for auditing.
type AlertRecord struct {
	ID        int64
	Category  string
	AlertID   string
	Severity  string
	Message   string
	Value     float64
	Threshold float64
	RaisedAt  time.Time
	CreatedAt time.Time
}
