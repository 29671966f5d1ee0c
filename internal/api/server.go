// Package api serves the dashboard HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"bmswatch/internal/alerting"
	"bmswatch/internal/buffer"
	"bmswatch/internal/preferences"
	"bmswatch/internal/service"
	"bmswatch/internal/telemetry"
)

// Pipeline is the read/write surface the API exposes. *service.Service
// implements it.
type Pipeline interface {
	Live() (service.Live, bool)
	Chart(ctx context.Context, period telemetry.Period) service.Chart
	QueryPeriod(ctx context.Context, period telemetry.Period) []telemetry.Sample
	QueryWindow(ctx context.Context, maxAge time.Duration) []telemetry.Sample
	LiveSeries() buffer.Series
	ClearHistory() error
	Preferences() preferences.Preferences
	UpdatePreferences(ctx context.Context, partial preferences.Partial) preferences.Preferences
	ResetPreferences(ctx context.Context) preferences.Preferences
	Banners() []alerting.Banner
	Status() service.Status
	RequestFlush(ctx context.Context) service.FlushResult
}

var _ Pipeline = (*service.Service)(nil)

// Options configure the HTTP server.
type Options struct {
	Listen      string
	CORSOrigins []string
	ReadTimeout time.Duration
	Gatherer    prometheus.Gatherer
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	opts     Options
	pipeline Pipeline
	handler  http.Handler
	logger   zerolog.Logger
}

// NewServer builds the router.
func NewServer(opts Options, pipeline Pipeline, logger zerolog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		opts:     opts,
		pipeline: pipeline,
		logger:   logger.With().Str("component", "http").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestLogger(), recovery())
	s.routes(router)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/live", s.getLive)
		api.GET("/live/series", s.getLiveSeries)
		api.GET("/chart", s.getChart)
		api.GET("/history", s.getHistory)
		api.DELETE("/history", s.deleteHistory)
		api.GET("/preferences", s.getPreferences)
		api.GET("/preferences/defaults", s.getDefaultPreferences)
		api.PATCH("/preferences", s.patchPreferences)
		api.DELETE("/preferences", s.resetPreferences)
		api.GET("/banners", s.getBanners)
		api.GET("/status", s.getStatus)
		api.POST("/flush", s.postFlush)
	}
}

// Handler exposes the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return ctx.Err()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		message := "An unexpected error occurred"
		if text, ok := recovered.(string); ok {
			message = text
		}
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
	})
}
