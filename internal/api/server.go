// Package api exposes the HTTP surface: request CRUD, job control,
// approvals, scheduler introspection, and the websocket event stream. It is
// a thin layer; the core packages never import it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/approval"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/pipeline"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/websocket"
)

// Server handles HTTP requests for the fetcharr API.
type Server struct {
	echo        *echo.Echo
	cfg         *config.Config
	store       *store.Store
	queue       *queue.Queue
	executor    *pipeline.Executor
	approvals   *approval.Service
	sched       *scheduler.Scheduler
	hub         *websocket.Hub
	broadcaster *logger.Broadcaster
	logger      zerolog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	q *queue.Queue,
	exec *pipeline.Executor,
	approvals *approval.Service,
	sched *scheduler.Scheduler,
	hub *websocket.Hub,
	broadcaster *logger.Broadcaster,
	logger zerolog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		cfg:         cfg,
		store:       st,
		queue:       q,
		executor:    exec,
		approvals:   approvals,
		sched:       sched,
		hub:         hub,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.BodyLimit("2M"))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request handled")
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api/v1")

	api.GET("/health", s.health)

	api.GET("/requests", s.listRequests)
	api.POST("/requests", s.createRequest)
	api.GET("/requests/:id", s.getRequest)
	api.POST("/requests/:id/cancel", s.cancelRequest)
	api.POST("/requests/:id/retry", s.retryRequest)
	api.POST("/requests/:id/override", s.overrideSelection)

	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/stats", s.jobStats)
	api.POST("/jobs/:id/cancel", s.cancelJob)
	api.POST("/jobs/:id/pause", s.pauseJob)
	api.POST("/jobs/:id/resume", s.resumeJob)

	api.GET("/approvals", s.listApprovals)
	api.POST("/approvals/:id/approve", s.approve)
	api.POST("/approvals/:id/reject", s.reject)

	api.GET("/settings", s.listSettings)
	api.PUT("/settings/:key", s.putSetting)

	api.GET("/scheduler/tasks", s.listTasks)
	api.GET("/logs/recent", s.recentLogs)

	s.echo.GET("/ws", s.hub.HandleWebSocket)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()
	s.logger.Info().Str("address", addr).Msg("HTTP server starting")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
