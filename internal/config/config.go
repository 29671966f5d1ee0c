package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"bmswatch/internal/logging"
)

// MinFlushInterval is the shortest allowed persistence cadence.
const MinFlushInterval = time.Minute

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Chart     ChartConfig     `mapstructure:"chart"`
	Flush     FlushConfig     `mapstructure:"flush"`
	Source    SourceConfig    `mapstructure:"source"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig locates the local key-value documents.
type StorageConfig struct {
	Dir            string `mapstructure:"dir"`
	QuotaBytes     int64  `mapstructure:"quota_bytes"`
	HistoryKey     string `mapstructure:"history_key"`
	PreferencesKey string `mapstructure:"preferences_key"`
}

// RetentionConfig bounds the persisted history.
type RetentionConfig struct {
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxCount   int           `mapstructure:"max_count"`
	TruncateTo int           `mapstructure:"truncate_to"`
}

// BufferConfig sizes the live window.
type BufferConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ChartConfig bounds rendered series.
type ChartConfig struct {
	MaxPoints int `mapstructure:"max_points"`
}

// FlushConfig governs the periodic persistence of the latest sample.
type FlushConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// SourceConfig points at the bridge WebSocket.
type SourceConfig struct {
	URL              string        `mapstructure:"url"`
	RedialInterval   time.Duration `mapstructure:"redial_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// HTTPConfig exposes the dashboard API.
type HTTPConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Listen      string        `mapstructure:"listen"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the alert audit.
// An empty DSN disables the audit.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AuditRetention  time.Duration `mapstructure:"audit_retention"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BMSWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bmswatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.quota_bytes", int64(5*1024*1024))
	v.SetDefault("storage.history_key", "bmswatch_history_v1")
	v.SetDefault("storage.preferences_key", "bmswatch_dashboard_prefs_v1")

	v.SetDefault("retention.max_age", "168h")
	v.SetDefault("retention.max_count", 10000)
	v.SetDefault("retention.truncate_to", 5000)

	v.SetDefault("buffer.capacity", 180)
	v.SetDefault("chart.max_points", 200)

	v.SetDefault("flush.interval", "60s")
	v.SetDefault("flush.startup_delay", "0s")

	v.SetDefault("source.url", "ws://192.168.4.1/ws")
	v.SetDefault("source.redial_interval", "5s")
	v.SetDefault("source.read_timeout", "30s")
	v.SetDefault("source.handshake_timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.read_timeout", "10s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.audit_retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must be set")
	}
	if c.Storage.QuotaBytes < 0 {
		return fmt.Errorf("storage.quota_bytes cannot be negative")
	}
	if c.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be greater than zero")
	}
	if c.Retention.MaxCount <= 0 {
		return fmt.Errorf("retention.max_count must be greater than zero")
	}
	if c.Retention.TruncateTo <= 0 || c.Retention.TruncateTo > c.Retention.MaxCount {
		return fmt.Errorf("retention.truncate_to must be in (0, max_count]")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be greater than zero")
	}
	if c.Chart.MaxPoints <= 0 {
		return fmt.Errorf("chart.max_points must be greater than zero")
	}
	if c.Flush.Interval < MinFlushInterval {
		return fmt.Errorf("flush.interval must be at least %s", MinFlushInterval)
	}
	if c.Source.RedialInterval <= 0 {
		return fmt.Errorf("source.redial_interval must be greater than zero")
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen must be set when http is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
