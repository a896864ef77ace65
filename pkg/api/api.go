// Package api is the control-plane surface: team config CRUD with
// validation and rollback, execution stats, health, and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hookline/hookline/pkg/broker"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Server is the control-plane HTTP server
type Server struct {
	echo   *echo.Echo
	broker *broker.Broker
	addr   string
	logger zerolog.Logger
}

// NewServer creates the control-plane server
func NewServer(addr string, b *broker.Broker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &Server{
		echo:   e,
		broker: b,
		addr:   addr,
		logger: log.WithComponent("api"),
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	teams := e.Group("/api/teams")
	teams.GET("", s.handleListTeams)
	teams.GET("/:id", s.handleGetTeam)
	teams.PUT("/:id", s.handlePutTeam)
	teams.POST("/:id/validate", s.handleValidateTeam)
	teams.GET("/:id/snapshots", s.handleListSnapshots)
	teams.POST("/:id/rollback/:version", s.handleRollback)
	teams.GET("/:id/audit", s.handleAudit)

	stats := e.Group("/api/stats")
	stats.GET("/hooks/:id", s.handleHookStats)
	stats.GET("/teams/:id", s.handleTeamStats)
	stats.GET("/summary", s.handleSummary)

	return s
}

// Start begins serving; blocks until shutdown
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Control-plane server listening")
	err := s.echo.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	pending, _ := s.broker.Scheduler.Pending()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"ingress_queue":     s.broker.QueueDepth(),
		"open_batches":      s.broker.Batcher.OpenBatches(),
		"pending_scheduled": pending,
		"dedup_entries":     s.broker.Dedup.Len(),
		"live_threads":      s.broker.Threads.Len(),
		"breakers":          s.broker.Dispatch.Breakers().States(),
		"dispatch_queues":   s.broker.Dispatch.QueueDepths(),
	})
}

func (s *Server) handleListTeams(c echo.Context) error {
	return c.JSON(http.StatusOK, s.broker.Registry.Teams())
}

func (s *Server) handleGetTeam(c echo.Context) error {
	snap, err := s.broker.Registry.Load(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":    snap.Version,
		"created_at": snap.CreatedAt,
		"config":     snap.Config,
	})
}

func (s *Server) handlePutTeam(c echo.Context) error {
	var cfg config.TeamConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid config body"})
	}
	actor := c.Request().Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	snap, result, err := s.broker.Registry.Update(c.Param("id"), &cfg, actor)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if result != nil && !result.OK() {
		return c.JSON(http.StatusUnprocessableEntity, result)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":    snap.Version,
		"validation": result,
	})
}

func (s *Server) handleValidateTeam(c echo.Context) error {
	var cfg config.TeamConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid config body"})
	}
	if cfg.TeamID == "" {
		cfg.TeamID = c.Param("id")
	}
	return c.JSON(http.StatusOK, s.broker.Registry.Validate(&cfg))
}

func (s *Server) handleListSnapshots(c echo.Context) error {
	versions, err := s.broker.Registry.Versions(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) handleRollback(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid version"})
	}
	actor := c.Request().Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	snap, err := s.broker.Registry.Rollback(c.Param("id"), version, actor)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"version": snap.Version})
}

func (s *Server) handleAudit(c echo.Context) error {
	records, err := s.broker.Store.ListAudit(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

// timeRange parses from/to query params, defaulting to the last 24 hours
func timeRange(c echo.Context) (time.Time, time.Time) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now
	if v := c.QueryParam("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}

func (s *Server) handleHookStats(c echo.Context) error {
	from, to := timeRange(c)
	stats, err := s.broker.ExecLog.HourlyForHook(c.Param("id"), from, to)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleTeamStats(c echo.Context) error {
	from, to := timeRange(c)
	records, err := s.broker.ExecLog.ByTeam(c.Param("id"), from, to)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleSummary(c echo.Context) error {
	from, to := timeRange(c)
	summary, err := s.broker.ExecLog.Summarize(from, to)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, summary)
}
