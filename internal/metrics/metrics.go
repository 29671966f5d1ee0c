package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "bmswatch_"

// Metrics bundles the ingestion, retention and alerting collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	FramesTotal    *prometheus.CounterVec
	AppendsTotal   *prometheus.CounterVec
	FlushTotal     *prometheus.CounterVec
	FlushDuration  prometheus.Histogram
	AlertsTotal    *prometheus.CounterVec
	BufferSamples  prometheus.Gauge
	HistorySamples prometheus.Gauge
	SourceUp       prometheus.Gauge
}

// New constructs the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "frames_total",
				Help: "Telemetry frames by outcome",
			},
			[]string{"result"},
		),
		AppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_appends_total",
				Help: "Persisted history appends by result",
			},
			[]string{"result"},
		),
		FlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flush_total",
				Help: "Periodic flush runs by outcome",
			},
			[]string{"result"},
		),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "flush_duration_seconds",
			Help:    "Flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Raised alerts by id and severity",
			},
			[]string{"alert", "severity"},
		),
		BufferSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "live_buffer_samples",
			Help: "Samples currently held in the live buffer",
		}),
		HistorySamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "history_samples",
			Help: "Samples in the persisted history after the last flush",
		}),
		SourceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "source_connected",
			Help: "1 while the telemetry WebSocket is connected",
		}),
	}
	reg.MustRegister(
		m.FramesTotal,
		m.AppendsTotal,
		m.FlushTotal,
		m.FlushDuration,
		m.AlertsTotal,
		m.BufferSamples,
		m.HistorySamples,
		m.SourceUp,
	)
	return m
}

// Frame counts one inbound frame.
func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(result).Inc()
}

// Append counts one history append outcome.
func (m *Metrics) Append(result string) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(result).Inc()
}

// Flush records a flush outcome and its duration.
func (m *Metrics) Flush(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.FlushTotal.WithLabelValues(result).Inc()
	if took > 0 {
		m.FlushDuration.Observe(took.Seconds())
	}
}

// Alert counts a raised alert.
func (m *Metrics) Alert(id, severity string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(id, severity).Inc()
}

// Buffer sets the live buffer gauge.
func (m *Metrics) Buffer(n int) {
	if m == nil {
		return
	}
	m.BufferSamples.Set(float64(n))
}

// History sets the persisted history gauge.
func (m *Metrics) History(n int) {
	if m == nil {
		return
	}
	m.HistorySamples.Set(float64(n))
}

// Source flips the connection gauge.
func (m *Metrics) Source(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.SourceUp.Set(1)
		return
	}
	m.SourceUp.Set(0)
}
