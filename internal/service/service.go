// Package service owns the live telemetry pipeline. A Service is the single
// context object created at startup: it holds the live buffer, the persisted
// history, the preference store and the alert engine, and every other
// component reaches them through its methods.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bmswatch/internal/alerting"
	"bmswatch/internal/buffer"
	"bmswatch/internal/cells"
	"bmswatch/internal/downsample"
	"bmswatch/internal/metrics"
	"bmswatch/internal/preferences"
	"bmswatch/internal/pubsub"
	"bmswatch/internal/scheduler"
	"bmswatch/internal/source"
	"bmswatch/internal/storage"
	"bmswatch/internal/telemetry"
)

// Components are the collaborators a Service owns. AlertStore and Metrics are
// optional.
type Components struct {
	Buffer      *buffer.Buffer
	History     *storage.History
	Preferences *preferences.Store
	Engine      *alerting.Engine
	Banners     *alerting.Banners
	AlertStore  storage.AlertStore
	Metrics     *metrics.Metrics
}

// DefaultMinFlushInterval is the shortest gap RequestFlush allows between
// persisted writes.
const DefaultMinFlushInterval = time.Minute

// Options tune a Service.
type Options struct {
	MaxPoints        int
	MinFlushInterval time.Duration
	Now              func() time.Time
}

// FlushResult is the outcome of one Flush call.
type FlushResult string

const (
	FlushSkipped   FlushResult = "skipped"
	FlushIdle      FlushResult = "idle"
	FlushPersisted FlushResult = "persisted"
	FlushDropped   FlushResult = "dropped"
	FlushThrottled FlushResult = "throttled"
)

// Monitors are runtime collaborators owned outside the service whose
// counters are reported by Status. Every field is optional.
type Monitors struct {
	Source interface{ Status() source.Status }
	Flush  interface{ Stats() scheduler.Stats }
	Store  interface{ Usage() (int64, error) }
	Bus    interface{ Failures() uint64 }
}

type snapshot struct {
	live     telemetry.LiveData
	stats    telemetry.Stats
	uptimeMs int64
	at       time.Time
}

// Service routes inbound frames through alerting, the live buffer and the
// throttled persistence path.
type Service struct {
	mu          sync.Mutex
	live        *buffer.Buffer
	history     *storage.History
	prefs       *preferences.Store
	engine      *alerting.Engine
	banners     *alerting.Banners
	alertStore  storage.AlertStore
	metrics     *metrics.Metrics
	maxPoints   int
	minFlush    time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	unsubscribe []func()
	monitors    Monitors

	pending     *telemetry.Sample
	last        *snapshot
	initialized bool
	lastFlush   time.Time
	lastPersist time.Time
	lastResult  FlushResult

	flushing atomic.Bool
	accepted atomic.Uint64
	ignored  atomic.Uint64
}

// New constructs the service. Buffer, History, Preferences and Engine are
// required.
func New(c Components, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = downsample.MaxPoints
	}
	if opts.MinFlushInterval <= 0 {
		opts.MinFlushInterval = DefaultMinFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		live:       c.Buffer,
		history:    c.History,
		prefs:      c.Preferences,
		engine:     c.Engine,
		banners:    c.Banners,
		alertStore: c.AlertStore,
		metrics:    c.Metrics,
		maxPoints:  opts.MaxPoints,
		minFlush:   opts.MinFlushInterval,
		now:        opts.Now,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Init loads preferences and starts from an empty live state.
func (s *Service) Init(ctx context.Context) preferences.Preferences {
	prefs := s.prefs.Load()
	s.Reset(ctx)

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info().
		Int("buffer_capacity", s.live.Cap()).
		Int("history_entries", s.history.Count()).
		Msg("service initialised")
	return prefs
}

// Reset clears live state: the buffer, alert latches, banners, the pending
// sample and the last snapshot. Persisted history is untouched.
func (s *Service) Reset(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live.Reset()
	s.engine.Reset()
	if s.banners != nil {
		s.banners.Clear()
	}
	s.pending = nil
	s.last = nil
	s.metrics.Buffer(0)
}

// Subscribe attaches the service to the transport bus.
func (s *Service) Subscribe(bus *pubsub.Bus) error {
	handlers := []struct {
		channel pubsub.Channel
		handler pubsub.Handler
	}{
		{pubsub.ChannelOpen, func(context.Context, pubsub.Event) error {
			s.metrics.Source(true)
			return nil
		}},
		{pubsub.ChannelClose, func(_ context.Context, ev pubsub.Event) error {
			s.metrics.Source(false)
			if ev.Err != nil {
				s.logger.Warn().Err(ev.Err).Msg("telemetry link closed")
			}
			return nil
		}},
		{pubsub.ChannelError, func(_ context.Context, ev pubsub.Event) error {
			s.metrics.Frame("error")
			s.logger.Warn().Err(ev.Err).Msg("telemetry link error")
			return nil
		}},
		{pubsub.ChannelMessage, func(ctx context.Context, ev pubsub.Event) error {
			if ev.Message != nil {
				s.HandleMessage(ctx, *ev.Message)
			}
			return nil
		}},
	}

	for _, h := range handlers {
		cancel, err := bus.Subscribe(h.channel, "service", h.handler)
		if err != nil {
			return err
		}
		s.unsubscribe = append(s.unsubscribe, cancel)
	}
	return nil
}

// SetMonitors attaches the runtime collaborators reported by Status.
func (s *Service) SetMonitors(m Monitors) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors = m
}

// Unsubscribe detaches the service from the bus.
func (s *Service) Unsubscribe() {
	for _, cancel := range s.unsubscribe {
		cancel()
	}
	s.unsubscribe = nil
}

// HandleMessage ingests one bridge frame. Frames without live data are
// ignored. Alerts are evaluated first, then the sample enters the live buffer
// and becomes the pending sample for the next flush. Raised alerts are
// delivered after the service lock is released. It reports whether the frame
// was accepted.
func (s *Service) HandleMessage(ctx context.Context, msg telemetry.Message) bool {
	live, ok := msg.Live()
	if !ok {
		s.ignored.Add(1)
		s.metrics.Frame("ignored")
		return false
	}
	stats := msg.StatsOrZero()

	s.mu.Lock()
	now := s.now()
	raised := s.engine.Transition(live, stats, s.prefs.Get().Alerts)

	sample := telemetry.SampleFromLive(live, now)
	s.live.Append(sample)
	s.pending = &sample
	s.last = &snapshot{live: live, stats: stats, uptimeMs: msg.UptimeMs, at: now}
	size := s.live.Len()
	s.mu.Unlock()

	s.accepted.Add(1)
	s.metrics.Frame("accepted")
	s.metrics.Buffer(size)
	s.engine.Dispatch(ctx, raised)
	s.audit(ctx, raised)
	return true
}

// Flush persists the most recent pending sample. Calls that arrive while a
// flush is in flight return FlushSkipped immediately.
func (s *Service) Flush(ctx context.Context) FlushResult {
	if !s.flushing.CompareAndSwap(false, true) {
		s.metrics.Flush(string(FlushSkipped), 0)
		return FlushSkipped
	}
	defer s.flushing.Store(false)

	start := time.Now()

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	result := FlushIdle
	if pending != nil {
		appendResult := s.history.Append(ctx, *pending)
		s.metrics.Append(appendResult.String())
		result = FlushPersisted
		if appendResult == storage.AppendDropped {
			result = FlushDropped
		}
		s.metrics.History(s.history.Count())
	}

	s.mu.Lock()
	s.lastFlush = s.now()
	if result == FlushPersisted {
		s.lastPersist = s.lastFlush
	}
	s.lastResult = result
	s.mu.Unlock()

	s.metrics.Flush(string(result), time.Since(start))
	s.logger.Debug().Str("result", string(result)).Msg("flush complete")
	return result
}

// RequestFlush is Flush for callers outside the scheduler. It returns
// FlushThrottled when the last persisted write is younger than the minimum
// flush interval.
func (s *Service) RequestFlush(ctx context.Context) FlushResult {
	s.mu.Lock()
	wait := s.minFlush - s.now().Sub(s.lastPersist)
	recent := !s.lastPersist.IsZero() && wait > 0
	s.mu.Unlock()

	if recent {
		s.metrics.Flush(string(FlushThrottled), 0)
		s.logger.Debug().Dur("retry_in", wait).Msg("flush request throttled")
		return FlushThrottled
	}
	return s.Flush(ctx)
}

// FlushTick adapts Flush to the scheduler signature.
func (s *Service) FlushTick(ctx context.Context, _ time.Time) error {
	s.Flush(ctx)
	return nil
}

// QueryPeriod reads the persisted history for period and downsamples it for
// charting. Custom periods read the whole retained log.
func (s *Service) QueryPeriod(ctx context.Context, period telemetry.Period) []telemetry.Sample {
	maxAge, _ := period.MaxAge()
	return s.QueryWindow(ctx, maxAge)
}

// QueryWindow reads samples no older than maxAge and downsamples them. A
// non-positive maxAge returns the whole log.
func (s *Service) QueryWindow(ctx context.Context, maxAge time.Duration) []telemetry.Sample {
	return downsample.Downsample(s.history.Query(ctx, maxAge), s.maxPoints)
}

// Chart is the series backing one chart view.
type Chart struct {
	Period  telemetry.Period   `json:"period"`
	Source  string             `json:"source"`
	Samples []telemetry.Sample `json:"samples"`
}

// Chart returns the live buffer for periods that mirror it in real time and
// the downsampled history otherwise.
func (s *Service) Chart(ctx context.Context, period telemetry.Period) Chart {
	if period.Live() {
		return Chart{Period: period, Source: "live", Samples: s.live.Samples()}
	}
	return Chart{Period: period, Source: "history", Samples: s.QueryPeriod(ctx, period)}
}

// LiveSeries returns the live buffer as parallel series.
func (s *Service) LiveSeries() buffer.Series {
	return s.live.Series()
}

// UpdatePreferences merges partial into the stored preferences and
// re-evaluates alerts against the last received frame.
func (s *Service) UpdatePreferences(ctx context.Context, partial preferences.Partial) preferences.Preferences {
	return s.applyPreferences(ctx, func() preferences.Preferences { return s.prefs.Update(partial) })
}

// ResetPreferences restores the defaults and re-evaluates alerts.
func (s *Service) ResetPreferences(ctx context.Context) preferences.Preferences {
	return s.applyPreferences(ctx, s.prefs.Reset)
}

// Preferences returns the current preferences.
func (s *Service) Preferences() preferences.Preferences {
	return s.prefs.Get()
}

func (s *Service) applyPreferences(ctx context.Context, apply func() preferences.Preferences) preferences.Preferences {
	s.mu.Lock()
	prefs := apply()
	var raised []alerting.Notification
	if s.last != nil {
		raised = s.engine.Transition(s.last.live, s.last.stats, prefs.Alerts)
	}
	s.mu.Unlock()

	s.engine.Dispatch(ctx, raised)
	s.audit(ctx, raised)
	return prefs
}

// Live is the latest frame as shown on the dashboard.
type Live struct {
	Data       telemetry.LiveData `json:"live_data"`
	Stats      telemetry.Stats    `json:"stats"`
	CVLState   string             `json:"cvl_state_name"`
	UptimeMs   int64              `json:"uptime_ms"`
	ReceivedAt time.Time          `json:"received_at"`
	Cells      cells.View         `json:"cells"`
}

// Live returns the last accepted frame, or false before the first one.
func (s *Service) Live() (Live, bool) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if last == nil {
		return Live{}, false
	}
	name, ok := telemetry.CVLStateName(last.stats.CVLState)
	if !ok {
		name = "UNKNOWN"
	}
	return Live{
		Data:       last.live,
		Stats:      last.stats,
		CVLState:   name,
		UptimeMs:   last.uptimeMs,
		ReceivedAt: last.at,
		Cells:      cells.Build(last.live, s.prefs.Get().CellVoltage),
	}, true
}

// Banners returns the active banners.
func (s *Service) Banners() []alerting.Banner {
	if s.banners == nil {
		return nil
	}
	return s.banners.List()
}

// Status summarises the pipeline.
type Status struct {
	Initialized     bool                    `json:"initialized"`
	Buffer          buffer.Stats            `json:"buffer"`
	HistoryEntries  int                     `json:"history_entries"`
	Retention       storage.RetentionPolicy `json:"retention"`
	Pending         bool                    `json:"pending"`
	LastFlush       time.Time               `json:"last_flush"`
	LastFlushResult FlushResult             `json:"last_flush_result"`
	FramesAccepted  uint64                  `json:"frames_accepted"`
	FramesIgnored   uint64                  `json:"frames_ignored"`
	ActiveAlerts    []string                `json:"active_alerts"`
	Source          *source.Status          `json:"source,omitempty"`
	FlushScheduler  *scheduler.Stats        `json:"flush_scheduler,omitempty"`
	StorageBytes    *int64                  `json:"storage_bytes,omitempty"`
	BusFailures     uint64                  `json:"bus_failures"`
}

// Status returns a point-in-time summary.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Initialized:     s.initialized,
		Pending:         s.pending != nil,
		LastFlush:       s.lastFlush,
		LastFlushResult: s.lastResult,
	}
	monitors := s.monitors
	s.mu.Unlock()

	st.Buffer = s.live.Stats()
	st.HistoryEntries = s.history.Count()
	st.Retention = s.history.Policy()
	st.FramesAccepted = s.accepted.Load()
	st.FramesIgnored = s.ignored.Load()
	st.ActiveAlerts = s.engine.State().Active()

	if monitors.Source != nil {
		src := monitors.Source.Status()
		st.Source = &src
	}
	if monitors.Flush != nil {
		stats := monitors.Flush.Stats()
		st.FlushScheduler = &stats
	}
	if monitors.Store != nil {
		if used, err := monitors.Store.Usage(); err == nil {
			st.StorageBytes = &used
		} else {
			s.logger.Warn().Err(err).Msg("storage usage unavailable")
		}
	}
	if monitors.Bus != nil {
		st.BusFailures = monitors.Bus.Failures()
	}
	return st
}

// ClearHistory deletes the persisted log.
func (s *Service) ClearHistory() error {
	return s.history.Clear()
}

func (s *Service) audit(ctx context.Context, raised []alerting.Notification) {
	for _, note := range raised {
		s.metrics.Alert(note.AlertID, string(note.Severity))
		if s.alertStore == nil {
			continue
		}
		record := storage.AlertRecord{
			Category:  string(note.Category),
			AlertID:   note.AlertID,
			Severity:  string(note.Severity),
			Message:   note.Message,
			Value:     note.Value,
			Threshold: note.Threshold,
			RaisedAt:  note.RaisedAt,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("alert", note.AlertID).Msg("failed to persist alert record")
		}
	}
}
