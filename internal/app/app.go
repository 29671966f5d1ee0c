package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bmswatch/internal/alerting"
	"bmswatch/internal/api"
	"bmswatch/internal/buffer"
	"bmswatch/internal/config"
	"bmswatch/internal/kv"
	"bmswatch/internal/metrics"
	"bmswatch/internal/preferences"
	"bmswatch/internal/pubsub"
	"bmswatch/internal/scheduler"
	"bmswatch/internal/service"
	"bmswatch/internal/source"
	"bmswatch/internal/storage"
	"bmswatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newNotifier fans out to every configured channel. It returns nil when
// alerting is disabled.
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var sinks alerting.MultiNotifier
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "log":
			sinks = append(sinks, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			sinks = append(sinks, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func (a *App) openKV() (*kv.FileStore, error) {
	store, err := kv.NewFileStore(a.Config.Storage.Dir, a.Config.Storage.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func (a *App) openAudit(ctx context.Context) (*storage.AlertAudit, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	a.Logger.Debug().Int("files", applied).Msg("audit schema ready")

	audit := storage.NewAlertAudit(pool)
	closer := func() {
		audit.Close()
	}
	return audit, closer, nil
}

func (a *App) newHistory(store kv.Store) *storage.History {
	return storage.NewHistory(store, storage.HistoryOptions{
		Key: a.Config.Storage.HistoryKey,
		Policy: storage.RetentionPolicy{
			MaxAge:     a.Config.Retention.MaxAge,
			MaxCount:   a.Config.Retention.MaxCount,
			TruncateTo: a.Config.Retention.TruncateTo,
		},
	}, a.Logger)
}

func (a *App) newPreferences(store kv.Store) *preferences.Store {
	return preferences.NewStore(store, a.Config.Storage.PreferencesKey, a.Logger)
}

// newService wires the pipeline context. audit and m may be nil.
func (a *App) newService(store kv.Store, notifier alerting.Notifier, audit storage.AlertStore, m *metrics.Metrics) *service.Service {
	banners := alerting.NewBanners()
	engine := alerting.NewEngine(notifier, banners, alerting.EngineOptions{
		Channels: a.Config.Alerting.Channels,
	}, a.Logger)

	return service.New(service.Components{
		Buffer:      buffer.New(a.Config.Buffer.Capacity),
		History:     a.newHistory(store),
		Preferences: a.newPreferences(store),
		Engine:      engine,
		Banners:     banners,
		AlertStore:  audit,
		Metrics:     m,
	}, service.Options{MaxPoints: a.Config.Chart.MaxPoints, MinFlushInterval: config.MinFlushInterval}, a.Logger)
}

// Run executes the long-running telemetry pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Logger.Info().Str("build", version.String()).Msg("starting")

	store, err := a.openKV()
	if err != nil {
		return err
	}

	audit, closeAudit, err := a.openAudit(ctx)
	if err != nil {
		return err
	}
	var alertStore storage.AlertStore
	if audit == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit disabled")
	} else {
		alertStore = audit
	}
	if closeAudit != nil {
		defer closeAudit()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	svc := a.newService(store, a.newNotifier(), alertStore, m)
	svc.Init(ctx)

	bus := pubsub.New(a.Logger)
	if err := svc.Subscribe(bus); err != nil {
		return err
	}
	defer svc.Unsubscribe()

	client := source.New(source.Options{
		URL:              a.Config.Source.URL,
		RedialInterval:   a.Config.Source.RedialInterval,
		ReadTimeout:      a.Config.Source.ReadTimeout,
		HandshakeTimeout: a.Config.Source.HandshakeTimeout,
	}, bus, a.Logger)

	flush := scheduler.New(scheduler.Options{
		Name:         "flush",
		Interval:     a.Config.Flush.Interval,
		StartupDelay: a.Config.Flush.StartupDelay,
	}, a.Logger)

	svc.SetMonitors(service.Monitors{Source: client, Flush: flush, Store: store, Bus: bus})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return client.Run(gctx) })
	group.Go(func() error { return flush.Run(gctx, svc.FlushTick) })

	if a.Config.HTTP.Enabled {
		server := api.NewServer(api.Options{
			Listen:      a.Config.HTTP.Listen,
			CORSOrigins: a.Config.HTTP.CORSOrigins,
			ReadTimeout: a.Config.HTTP.ReadTimeout,
			Gatherer:    registry,
		}, svc, a.Logger)
		group.Go(func() error { return server.Run(gctx) })
	}

	if audit != nil && a.Config.Database.AuditRetention > 0 {
		prune := scheduler.New(scheduler.Options{Name: "audit_prune", Interval: time.Hour}, a.Logger)
		group.Go(func() error {
			return prune.Run(gctx, func(ctx context.Context, at time.Time) error {
				return audit.DeleteAlertsBefore(ctx, at.Add(-a.Config.Database.AuditRetention))
			})
		})
	}

	a.Logger.Info().Str("source", a.Config.Source.URL).Msg("starting telemetry pipeline")
	err = group.Wait()

	if result := svc.Flush(context.Background()); result != service.FlushIdle {
		a.Logger.Info().Str("result", string(result)).Msg("final flush")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("telemetry pipeline stopped")
	return nil
}

// ExportOptions hold parameters for exporting persisted history.
type ExportOptions struct {
	Period    string
	MaxAge    time.Duration
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Period string
}
