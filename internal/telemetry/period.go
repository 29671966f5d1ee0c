package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Period selects how far back a chart query reaches.
type Period string

const (
	Period30m    Period = "30m"
	Period1h     Period = "1h"
	Period24h    Period = "24h"
	Period7d     Period = "7d"
	PeriodCustom Period = "custom"
)

// DefaultPeriod is used when a caller supplies an unknown period.
const DefaultPeriod = Period30m

// ParsePeriod normalises a period name. Unknown names fall back to 30m.
func ParsePeriod(raw string) Period {
	switch p := Period(strings.ToLower(strings.TrimSpace(raw))); p {
	case Period30m, Period1h, Period24h, Period7d, PeriodCustom:
		return p
	default:
		return DefaultPeriod
	}
}

// MaxAge returns the sample age limit for fixed periods. Custom periods carry
// their age separately and return false here.
func (p Period) MaxAge() (time.Duration, bool) {
	switch p {
	case Period30m:
		return 30 * time.Minute, true
	case Period1h:
		return time.Hour, true
	case Period24h:
		return 24 * time.Hour, true
	case Period7d:
		return 7 * 24 * time.Hour, true
	case PeriodCustom:
		return 0, false
	default:
		return 30 * time.Minute, true
	}
}

// Live reports whether the period mirrors the live buffer in real time.
func (p Period) Live() bool {
	return p == Period30m
}

// LabelFormat returns the time layout charts use for this period.
func (p Period) LabelFormat() string {
	switch p {
	case Period24h, Period7d, PeriodCustom:
		return "1/2 15:04"
	default:
		return "15:04:05"
	}
}

func (p Period) String() string {
	return string(p)
}

// Validate rejects names that are not one of the known periods.
func (p Period) Validate() error {
	switch p {
	case Period30m, Period1h, Period24h, Period7d, PeriodCustom:
		return nil
	}
	return fmt.Errorf("unknown period %q", string(p))
}
