package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	require.Equal(t, "test", cfg.App.Name)
	require.Equal(t, 7*24*time.Hour, cfg.Retention.MaxAge)
	require.Equal(t, 10000, cfg.Retention.MaxCount)
	require.Equal(t, 5000, cfg.Retention.TruncateTo)
	require.Equal(t, 180, cfg.Buffer.Capacity)
	require.Equal(t, 200, cfg.Chart.MaxPoints)
	require.Equal(t, time.Minute, cfg.Flush.Interval)
	require.Equal(t, "bmswatch_history_v1", cfg.Storage.HistoryKey)
	require.Equal(t, "bmswatch_dashboard_prefs_v1", cfg.Storage.PreferencesKey)
	require.Equal(t, []string{"log"}, cfg.Alerting.Channels)
	require.Empty(t, cfg.Database.DSN)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
flush:
  interval: 5m
source:
  url: ws://bridge.local/ws
  redial_interval: 2s
http:
  cors_origins: "http://a.local,http://b.local"
`))
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Flush.Interval)
	require.Equal(t, "ws://bridge.local/ws", cfg.Source.URL)
	require.Equal(t, 2*time.Second, cfg.Source.RedialInterval)
	require.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.HTTP.CORSOrigins)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BMSWATCH_BUFFER_CAPACITY", "90")
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	require.Equal(t, 90, cfg.Buffer.Capacity)
}

func TestValidateRejectsFastFlush(t *testing.T) {
	_, err := Load(writeConfig(t, "flush:\n  interval: 10s\n"))
	require.ErrorContains(t, err, "flush.interval")
}

func TestValidateTruncateTo(t *testing.T) {
	_, err := Load(writeConfig(t, "retention:\n  max_count: 100\n  truncate_to: 500\n"))
	require.ErrorContains(t, err, "truncate_to")
}

func TestValidateTelegram(t *testing.T) {
	_, err := Load(writeConfig(t, "alerting:\n  telegram:\n    enabled: true\n"))
	require.ErrorContains(t, err, "bot_token")
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	require.Equal(t, 10, cfg.ResolveMaxPoints(0))
	require.Equal(t, 3, cfg.ResolveMaxPoints(3))
}
