package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bmswatch/internal/alerting"
	"bmswatch/internal/buffer"
	"bmswatch/internal/kv"
	"bmswatch/internal/metrics"
	"bmswatch/internal/preferences"
	"bmswatch/internal/service"
	"bmswatch/internal/storage"
	"bmswatch/internal/telemetry"
)

type testEnv struct {
	svc     *service.Service
	handler http.Handler
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	env := &testEnv{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }

	store := kv.NewMemoryStore(0)
	banners := alerting.NewBanners()
	reg := prometheus.NewRegistry()

	env.svc = service.New(service.Components{
		Buffer:      buffer.New(10),
		History:     storage.NewHistory(store, storage.HistoryOptions{Now: clock}, logger),
		Preferences: preferences.NewStore(store, "", logger),
		Engine:      alerting.NewEngine(nil, banners, alerting.EngineOptions{Now: clock}, logger),
		Banners:     banners,
		Metrics:     metrics.New(reg),
	}, service.Options{Now: clock}, logger)
	env.svc.Init(context.Background())

	env.handler = NewServer(Options{Gatherer: reg, CORSOrigins: []string{"http://dash.local"}}, env.svc, logger).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) ingest(soc float64) {
	e.svc.HandleMessage(context.Background(), telemetry.Message{
		LiveData: &telemetry.LiveData{SOCPercent: soc, Voltage: 52, Temperature: 240, MinCellMV: 3300, MaxCellMV: 3310},
		Stats:    &telemetry.Stats{VictronKeepaliveOK: true},
	})
}

func TestLiveBeforeFirstFrame(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/live", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NO_DATA", body.Error.Code)
}

func TestLiveAfterFrame(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(64)

	rec := env.do(t, http.MethodGet, "/api/live", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var live service.Live
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	require.InDelta(t, 64, live.Data.SOCPercent, 1e-9)
	require.Equal(t, "BULK", live.CVLState)
	require.Len(t, live.Cells.Cells, 16)
}

func TestHistoryAndChart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.ingest(float64(60 + i))
		env.svc.Flush(ctx)
		env.now = env.now.Add(20 * time.Minute)
	}

	rec := env.do(t, http.MethodGet, "/api/history?period=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Period  string             `json:"period"`
		Count   int                `json:"count"`
		Samples []telemetry.Sample `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Equal(t, "1h", hist.Period)
	require.Equal(t, 3, hist.Count)

	rec = env.do(t, http.MethodGet, "/api/history?period=custom&max_age=30m", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Equal(t, 1, hist.Count)

	rec = env.do(t, http.MethodGet, "/api/history?period=custom&max_age=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/history?period=fortnight", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Equal(t, "30m", hist.Period)

	rec = env.do(t, http.MethodGet, "/api/chart?period=30m", "")
	var chart service.Chart
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chart))
	require.Equal(t, "live", chart.Source)
	require.Len(t, chart.Samples, 3)
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPatch, "/api/preferences", `{
		// comments are tolerated
		"cellVoltage": {"min_mv": 3600, "max_mv": 3500},
		"alerts": {"soc_low": "45", "soc_critical": null},
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var prefs preferences.Preferences
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefs))
	require.InDelta(t, 3601, prefs.CellVoltage.MaxMV, 1e-9)
	require.InDelta(t, 45, prefs.Alerts.SOCLow, 1e-9)
	require.InDelta(t, 20, prefs.Alerts.SOCCritical, 1e-9)

	rec = env.do(t, http.MethodGet, "/api/preferences", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefs))
	require.InDelta(t, 45, prefs.Alerts.SOCLow, 1e-9)

	rec = env.do(t, http.MethodDelete, "/api/preferences", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefs))
	require.Equal(t, preferences.Defaults(), prefs)

	rec = env.do(t, http.MethodGet, "/api/preferences/defaults", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefs))
	require.Equal(t, preferences.Defaults(), prefs)

	rec = env.do(t, http.MethodPatch, "/api/preferences", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBannersAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(12)

	rec := env.do(t, http.MethodGet, "/api/banners", "")
	var body struct {
		Banners []alerting.Banner `json:"banners"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Banners, 1)
	require.Equal(t, alerting.AlertSOCCritical, body.Banners[0].ID)

	rec = env.do(t, http.MethodPost, "/api/flush", "")
	require.JSONEq(t, `{"result":"persisted"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/status", "")
	var status service.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.HistoryEntries)
	require.Equal(t, []string{alerting.AlertSOCCritical}, status.ActiveAlerts)
}

func TestManualFlushIsThrottled(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(55)

	rec := env.do(t, http.MethodPost, "/api/flush", "")
	require.JSONEq(t, `{"result":"persisted"}`, rec.Body.String())

	env.now = env.now.Add(30 * time.Second)
	env.ingest(56)
	rec = env.do(t, http.MethodPost, "/api/flush", "")
	require.JSONEq(t, `{"result":"throttled"}`, rec.Body.String())
	require.True(t, env.svc.Status().Pending)

	env.now = env.now.Add(30 * time.Second)
	rec = env.do(t, http.MethodPost, "/api/flush", "")
	require.JSONEq(t, `{"result":"persisted"}`, rec.Body.String())
	require.Equal(t, 2, env.svc.Status().HistoryEntries)
}

func TestMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(50)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `bmswatch_frames_total{result="accepted"} 1`)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dash.local")
	out := httptest.NewRecorder()
	env.handler.ServeHTTP(out, req)
	require.Equal(t, "http://dash.local", out.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.local")
	out = httptest.NewRecorder()
	env.handler.ServeHTTP(out, req)
	require.Empty(t, out.Header().Get("Access-Control-Allow-Origin"))
}

func TestLiveSeriesAndClearHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.ingest(float64(70 + i))
		env.svc.Flush(ctx)
		env.now = env.now.Add(time.Minute)
	}

	rec := env.do(t, http.MethodGet, "/api/live/series", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var series buffer.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Equal(t, 3, series.Len())
	require.Equal(t, []float64{70, 71, 72}, series.SOC)

	rec = env.do(t, http.MethodDelete, "/api/history", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Zero(t, env.svc.Status().HistoryEntries)

	rec = env.do(t, http.MethodGet, "/api/live/series", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Equal(t, 3, series.Len())
}
