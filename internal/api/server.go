// Package api exposes the supervisor's control surface over HTTP and streams
// bus events to observers over a websocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oms/singularity/internal/common/config"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/supervisor"
)

// Server is the HTTP control API.
type Server struct {
	logger   *logger.Logger
	cfg      config.ServerConfig
	sup      *supervisor.Supervisor
	registry *registry.Registry
	events   bus.EventBus

	engine *gin.Engine
	http   *http.Server
}

// New creates the API server and registers its routes.
func New(cfg config.ServerConfig, sup *supervisor.Supervisor, reg *registry.Registry,
	events bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		logger:   log.WithFields(zap.String("component", "api")),
		cfg:      cfg,
		sup:      sup,
		registry: reg,
		events:   events,
		engine:   engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:id/events", s.handleAgentEvents)
		v1.GET("/status", s.handleStatus)
		v1.POST("/tasks/start", s.handleStartTasks)
		v1.POST("/tasks/:id/interrupt", s.handleInterrupt)
		v1.POST("/tasks/:id/steer", s.handleSteer)
		v1.POST("/tasks/:id/replace", s.handleReplace)
		v1.POST("/tasks/:id/stop", s.handleStopTask)
		v1.POST("/agents/:id/stop", s.handleStopAgent)
		v1.POST("/broadcast", s.handleBroadcast)
		v1.POST("/pause", s.handlePause)
		v1.POST("/resume", s.handleResume)
	}
	s.engine.GET("/ws", s.handleWebSocket)
}

// Start serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	s.logger.Info("api listening", zap.String("addr", addr))
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ----- handlers -----

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.ListActiveSummaries()})
}

func (s *Server) handleAgentEvents(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.registry.Get(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.registry.Events(agentID)})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.GetStatus())
}

func (s *Server) handleStartTasks(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started, err := s.sup.StartTasks(c.Request.Context(), req.Count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

func (s *Server) handleInterrupt(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.Interrupt(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSteer(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.sup.Steer(c.Request.Context(), c.Param("id"), req.Message) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no steerable agents on task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleReplace(c *gin.Context) {
	var req struct {
		Type    string `json:"type" binding:"required"`
		Context string `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.sup.SpawnAgentBySingularity(c.Request.Context(),
		lifecycle.AgentType(req.Type), c.Param("id"), req.Context)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) handleStopTask(c *gin.Context) {
	var req struct {
		IncludeFinisher bool `json:"include_finisher"`
	}
	_ = c.ShouldBindJSON(&req)
	stopped := s.sup.StopAgentsForTask(c.Request.Context(), c.Param("id"), req.IncludeFinisher)
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (s *Server) handleStopAgent(c *gin.Context) {
	if !s.sup.StopAgentByID(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or already stopped agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.Broadcast(c.Request.Context(), req.Message); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePause(c *gin.Context) {
	s.sup.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.sup.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
