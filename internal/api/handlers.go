package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bmswatch/internal/preferences"
	"bmswatch/internal/telemetry"
)

// ErrorDetail is the body of an error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorDetail.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// getLive handles GET /api/live.
func (s *Server) getLive(c *gin.Context) {
	live, ok := s.pipeline.Live()
	if !ok {
		abort(c, http.StatusNotFound, "NO_DATA", "no telemetry received yet")
		return
	}
	c.JSON(http.StatusOK, live)
}

// getLiveSeries handles GET /api/live/series.
func (s *Server) getLiveSeries(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.LiveSeries())
}

// getChart handles GET /api/chart?period=.
func (s *Server) getChart(c *gin.Context) {
	period := telemetry.ParsePeriod(c.Query("period"))
	c.JSON(http.StatusOK, s.pipeline.Chart(c.Request.Context(), period))
}

// getHistory handles GET /api/history?period=&max_age=. max_age applies to
// custom periods.
func (s *Server) getHistory(c *gin.Context) {
	period := telemetry.ParsePeriod(c.Query("period"))

	var samples []telemetry.Sample
	if raw := c.Query("max_age"); period == telemetry.PeriodCustom && raw != "" {
		maxAge, err := time.ParseDuration(raw)
		if err != nil || maxAge <= 0 {
			abort(c, http.StatusBadRequest, "INVALID_PARAM", "max_age must be a positive duration such as 36h")
			return
		}
		samples = s.pipeline.QueryWindow(c.Request.Context(), maxAge)
	} else {
		samples = s.pipeline.QueryPeriod(c.Request.Context(), period)
	}

	c.JSON(http.StatusOK, gin.H{
		"period":  period,
		"count":   len(samples),
		"samples": samples,
	})
}

// deleteHistory handles DELETE /api/history.
func (s *Server) deleteHistory(c *gin.Context) {
	if err := s.pipeline.ClearHistory(); err != nil {
		abort(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// getPreferences handles GET /api/preferences.
func (s *Server) getPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.Preferences())
}

// getDefaultPreferences handles GET /api/preferences/defaults.
func (s *Server) getDefaultPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, preferences.Defaults())
}

// patchPreferences handles PATCH /api/preferences. Values are corrected, never
// rejected; only an unparsable body is an error.
func (s *Server) patchPreferences(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	partial, err := preferences.Decode(raw)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.pipeline.UpdatePreferences(c.Request.Context(), partial))
}

// resetPreferences handles DELETE /api/preferences.
func (s *Server) resetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.ResetPreferences(c.Request.Context()))
}

// getBanners handles GET /api/banners.
func (s *Server) getBanners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"banners": s.pipeline.Banners()})
}

// getStatus handles GET /api/status.
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.Status())
}

// postFlush handles POST /api/flush. Requests within a minute of the last
// persisted write report "throttled".
func (s *Server) postFlush(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": s.pipeline.RequestFlush(c.Request.Context())})
}
