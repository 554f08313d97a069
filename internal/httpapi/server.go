// Package httpapi exposes the queue over HTTP: REST handlers for tasks,
// sessions, comments and projects, plus SSE and WebSocket event mirrors.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/common/config"
	"github.com/ajfrai/agent-queue/internal/common/httpmw"
	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/events/bus"
	"github.com/ajfrai/agent-queue/internal/task/repository"
)

// TaskController is the subset of the scheduler the HTTP layer drives.
type TaskController interface {
	CancelTask(ctx context.Context, taskID int64) error
	RequeueForReview(ctx context.Context, taskID int64) error
}

// BeatController triggers heartbeat beats on demand.
type BeatController interface {
	TriggerNow(ctx context.Context) map[string]interface{}
	Beat() int64
}

// Server wires the gin engine, handlers and middleware.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	store   *repository.Store
	sched   TaskController
	beats   BeatController
	bus     bus.EventBus
	emitter *events.Emitter
	logger  *logger.Logger
}

// New builds the HTTP server. The engine is fully routed on return;
// call Start to begin serving.
func New(cfg *config.ServerConfig, store *repository.Store, sched TaskController, beats BeatController, eventBus bus.EventBus, emitter *events.Emitter, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "httpapi"))
	engine.Use(httpmw.OtelTracing("httpapi"))

	s := &Server{
		engine:  engine,
		store:   store,
		sched:   sched,
		beats:   beats,
		bus:     eventBus,
		emitter: emitter,
		logger:  log.WithFields(zap.String("component", "httpapi")),
	}
	s.registerRoutes()

	if cfg != nil {
		s.server = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		}
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.health)

	api := s.engine.Group("/api")
	{
		api.GET("/tasks", s.listTasks)
		api.POST("/tasks", s.createTask)
		api.POST("/tasks/reorder", s.reorderTasks)
		api.GET("/tasks/latest-comments", s.latestComments)
		api.GET("/tasks/:id", s.getTask)
		api.PATCH("/tasks/:id", s.patchTask)
		api.DELETE("/tasks/:id", s.cancelTask)
		api.POST("/tasks/:id/status", s.setTaskStatus)
		api.GET("/tasks/:id/subtasks", s.listSubtasks)
		api.GET("/tasks/:id/events", s.listTaskEvents)
		api.GET("/tasks/:id/comments", s.listComments)
		api.POST("/tasks/:id/comments", s.createComment)

		api.GET("/sessions/:id", s.getSession)
		api.GET("/sessions/:id/output", s.streamSessionOutput)

		api.GET("/projects", s.listProjects)
		api.POST("/projects", s.createProject)
		api.DELETE("/projects/:id", s.deleteProject)

		api.GET("/status", s.status)
		api.GET("/events/stream", s.streamEvents)
		api.POST("/heartbeat/trigger", s.triggerHeartbeat)
	}

	s.engine.GET("/ws", s.serveWS)
}

// Handler returns the routed engine, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "beat": s.beats.Beat()})
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	running, err := s.store.CountRunningSessions(ctx)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	rateLimit, err := s.store.GetRateLimit(ctx)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":            byStatus,
		"running_sessions": running,
		"rate_limit":       rateLimit,
		"beat":             s.beats.Beat(),
	})
}

func (s *Server) triggerHeartbeat(c *gin.Context) {
	diag := s.beats.TriggerNow(c.Request.Context())
	c.JSON(http.StatusOK, diag)
}
