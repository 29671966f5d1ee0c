package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bmswatch/internal/alerting"
	"bmswatch/internal/buffer"
	"bmswatch/internal/kv"
	"bmswatch/internal/metrics"
	"bmswatch/internal/preferences"
	"bmswatch/internal/pubsub"
	"bmswatch/internal/scheduler"
	"bmswatch/internal/source"
	"bmswatch/internal/storage"
	"bmswatch/internal/telemetry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recorder) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.AlertID)
	}
	return out
}

type memoryAudit struct {
	records []storage.AlertRecord
	err     error
}

func (m *memoryAudit) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	if m.err != nil {
		return storage.AlertRecord{}, m.err
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memoryAudit) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return m.records, nil
}

func (m *memoryAudit) DeleteAlertsBefore(context.Context, time.Time) error { return nil }

type fixture struct {
	svc     *Service
	clock   *clock
	notes   *recorder
	audit   *memoryAudit
	store   *kv.MemoryStore
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore(0)
	rec := &recorder{}
	banners := alerting.NewBanners()
	audit := &memoryAudit{}
	m := metrics.New(prometheus.NewRegistry())

	svc := New(Components{
		Buffer:      buffer.New(5),
		History:     storage.NewHistory(store, storage.HistoryOptions{Now: c.Now}, logger),
		Preferences: preferences.NewStore(store, "", logger),
		Engine:      alerting.NewEngine(rec, banners, alerting.EngineOptions{Now: c.Now}, logger),
		Banners:     banners,
		AlertStore:  audit,
		Metrics:     m,
	}, Options{MaxPoints: 10, Now: c.Now}, logger)
	svc.Init(context.Background())

	return &fixture{svc: svc, clock: c, notes: rec, audit: audit, store: store, metrics: m}
}

func frame(soc float64) telemetry.Message {
	return telemetry.Message{
		LiveData: &telemetry.LiveData{
			SOCPercent:  soc,
			Voltage:     52.4,
			Current:     -4.5,
			Temperature: 231,
			MinCellMV:   3280,
			MaxCellMV:   3300,
		},
		Stats:    &telemetry.Stats{VictronKeepaliveOK: true, CVLState: 3},
		UptimeMs: 5000,
	}
}

func TestHandleMessageIgnoresFramesWithoutLiveData(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.svc.HandleMessage(context.Background(), telemetry.Message{UptimeMs: 1}))
	require.Zero(t, f.svc.LiveSeries().Len())
	require.Equal(t, uint64(1), f.svc.Status().FramesIgnored)

	_, ok := f.svc.Live()
	require.False(t, ok)
}

func TestHandleMessageFeedsBufferAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.svc.HandleMessage(ctx, frame(15)))
	require.True(t, f.svc.HandleMessage(ctx, frame(15)))

	series := f.svc.LiveSeries()
	require.Equal(t, 2, series.Len())
	require.InDelta(t, 23.1, series.Temperature[0], 1e-9)
	require.Equal(t, []string{alerting.AlertSOCCritical}, f.notes.ids())
	require.Len(t, f.audit.records, 1)
	require.Equal(t, "soc", f.audit.records[0].Category)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsTotal.WithLabelValues("soc_critical", "danger")))

	banners := f.svc.Banners()
	require.Len(t, banners, 1)
	require.Equal(t, alerting.AlertSOCCritical, banners[0].ID)

	live, ok := f.svc.Live()
	require.True(t, ok)
	require.Equal(t, "FLOAT", live.CVLState)
	require.Equal(t, int64(5000), live.UptimeMs)
	require.Len(t, live.Cells.Cells, 16)
}

func TestAuditFailureDoesNotBlockIngestion(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("db down")
	require.True(t, f.svc.HandleMessage(context.Background(), frame(10)))
	require.Equal(t, 1, f.svc.LiveSeries().Len())
}

func TestFlushPersistsLatestPendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Equal(t, FlushIdle, f.svc.Flush(ctx))

	f.svc.HandleMessage(ctx, frame(70))
	f.clock.Advance(time.Second)
	f.svc.HandleMessage(ctx, frame(71))
	require.True(t, f.svc.Status().Pending)

	require.Equal(t, FlushPersisted, f.svc.Flush(ctx))
	require.False(t, f.svc.Status().Pending)
	require.Equal(t, FlushIdle, f.svc.Flush(ctx))

	got := f.svc.QueryPeriod(ctx, telemetry.Period1h)
	require.Len(t, got, 1)
	require.InDelta(t, 71, got[0].SOC, 1e-9)
	require.Equal(t, FlushIdle, f.svc.Status().LastFlushResult)
}

func TestFlushSkipsWhenInFlight(t *testing.T) {
	f := newFixture(t)
	f.svc.flushing.Store(true)
	require.Equal(t, FlushSkipped, f.svc.Flush(context.Background()))
	f.svc.flushing.Store(false)
	require.Equal(t, FlushIdle, f.svc.Flush(context.Background()))
}

func TestQueryPeriodDownsamples(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		f.svc.HandleMessage(ctx, frame(float64(50+i)))
		require.Equal(t, FlushPersisted, f.svc.Flush(ctx))
		f.clock.Advance(time.Minute)
	}

	out := f.svc.QueryPeriod(ctx, telemetry.Period1h)
	require.Len(t, out, 9) // step = ceil(25/10) = 3
	require.InDelta(t, 51, out[0].SOC, 1e-9)

	recent := f.svc.QueryWindow(ctx, 5*time.Minute)
	require.Len(t, recent, 5)

	all := f.svc.QueryPeriod(ctx, telemetry.PeriodCustom)
	require.Len(t, all, 9)
}

func TestChartUsesLiveBufferFor30m(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		f.svc.HandleMessage(ctx, frame(80))
	}

	chart := f.svc.Chart(ctx, telemetry.Period30m)
	require.Equal(t, "live", chart.Source)
	require.Len(t, chart.Samples, 5)

	chart = f.svc.Chart(ctx, telemetry.Period24h)
	require.Equal(t, "history", chart.Source)
	require.Empty(t, chart.Samples)
}

func TestUpdatePreferencesReevaluatesLastFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleMessage(ctx, frame(35))
	require.Empty(t, f.notes.ids())

	prefs := f.svc.UpdatePreferences(ctx, preferences.Partial{Alerts: map[string]any{"soc_low": 40}})
	require.InDelta(t, 40, prefs.Alerts.SOCLow, 1e-9)
	require.Equal(t, []string{alerting.AlertSOCLow}, f.notes.ids())

	reset := f.svc.ResetPreferences(ctx)
	require.Equal(t, preferences.Defaults(), reset)
	require.Empty(t, f.svc.Banners())
}

func TestUpdatePreferencesWithoutFrame(t *testing.T) {
	f := newFixture(t)
	f.svc.UpdatePreferences(context.Background(), preferences.Partial{Alerts: map[string]any{"soc_low": 90}})
	require.Empty(t, f.notes.ids())
	require.InDelta(t, 90, f.svc.Preferences().Alerts.SOCLow, 1e-9)
}

func TestResetClearsLiveState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleMessage(ctx, frame(5))
	require.NotEmpty(t, f.svc.Banners())

	f.svc.Reset(ctx)
	require.Zero(t, f.svc.LiveSeries().Len())
	require.Empty(t, f.svc.Banners())
	require.Empty(t, f.svc.Status().ActiveAlerts)
	require.False(t, f.svc.Status().Pending)

	f.svc.HandleMessage(ctx, frame(5))
	require.Len(t, f.notes.ids(), 2)
}

func TestSubscribeRoutesBusEvents(t *testing.T) {
	f := newFixture(t)
	bus := pubsub.New(zerolog.Nop())
	require.NoError(t, f.svc.Subscribe(bus))

	ctx := context.Background()
	msg := frame(60)
	bus.Publish(ctx, pubsub.Event{Channel: pubsub.ChannelOpen})
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SourceUp))

	bus.Publish(ctx, pubsub.Event{Channel: pubsub.ChannelMessage, Message: &msg})
	require.Equal(t, 1, f.svc.LiveSeries().Len())

	bus.Publish(ctx, pubsub.Event{Channel: pubsub.ChannelClose})
	require.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SourceUp))

	f.svc.Unsubscribe()
	bus.Publish(ctx, pubsub.Event{Channel: pubsub.ChannelMessage, Message: &msg})
	require.Equal(t, 1, f.svc.LiveSeries().Len())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleMessage(ctx, frame(10))
	f.svc.Flush(ctx)

	st := f.svc.Status()
	require.True(t, st.Initialized)
	require.Equal(t, 1, st.HistoryEntries)
	require.Equal(t, uint64(1), st.FramesAccepted)
	require.Equal(t, FlushPersisted, st.LastFlushResult)
	require.Equal(t, []string{alerting.AlertSOCCritical}, st.ActiveAlerts)
	require.Equal(t, 5, st.Buffer.Capacity)

	require.NoError(t, f.svc.ClearHistory())
	require.Zero(t, f.svc.Status().HistoryEntries)
}

func TestStatusReportsMonitors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	files, err := kv.NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, files.Set("doc", []byte("0123456789")))

	bus := pubsub.New(zerolog.Nop())
	_, err = bus.Subscribe(pubsub.ChannelError, "broken", func(context.Context, pubsub.Event) error {
		return errors.New("subscriber down")
	})
	require.NoError(t, err)
	bus.Publish(ctx, pubsub.Event{Channel: pubsub.ChannelError})

	client := source.New(source.Options{URL: "ws://bridge.local/ws"}, bus, zerolog.Nop())
	flush := scheduler.New(scheduler.Options{Name: "flush", Interval: time.Minute}, zerolog.Nop())

	require.Nil(t, f.svc.Status().Source)

	f.svc.SetMonitors(Monitors{Source: client, Flush: flush, Store: files, Bus: bus})
	st := f.svc.Status()
	require.NotNil(t, st.Source)
	require.Equal(t, "ws://bridge.local/ws", st.Source.URL)
	require.False(t, st.Source.Connected)
	require.NotNil(t, st.FlushScheduler)
	require.Zero(t, st.FlushScheduler.Ticks)
	require.NotNil(t, st.StorageBytes)
	require.Equal(t, int64(10), *st.StorageBytes)
	require.Equal(t, uint64(1), st.BusFailures)
}

type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) Notify(ctx context.Context, _ alerting.Notification) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowNotifierDoesNotHoldServiceLock(t *testing.T) {
	logger := zerolog.Nop()
	store := kv.NewMemoryStore(0)
	banners := alerting.NewBanners()
	slow := &blockingNotifier{entered: make(chan struct{}, 1), release: make(chan struct{})}

	svc := New(Components{
		Buffer:      buffer.New(5),
		History:     storage.NewHistory(store, storage.HistoryOptions{}, logger),
		Preferences: preferences.NewStore(store, "", logger),
		Engine:      alerting.NewEngine(slow, banners, alerting.EngineOptions{}, logger),
		Banners:     banners,
	}, Options{}, logger)
	svc.Init(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.HandleMessage(context.Background(), frame(10))
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was never called")
	}

	answered := make(chan Status, 1)
	go func() {
		_, _ = svc.Live()
		svc.Flush(context.Background())
		answered <- svc.Status()
	}()

	select {
	case st := <-answered:
		require.Equal(t, uint64(1), st.FramesAccepted)
		require.Equal(t, FlushPersisted, st.LastFlushResult)
		require.Contains(t, st.ActiveAlerts, alerting.AlertSOCCritical)
	case <-time.After(2 * time.Second):
		t.Fatal("service blocked while an alert was being delivered")
	}

	close(slow.release)
	<-done
}
