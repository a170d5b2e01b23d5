// Package api exposes the master's HTTP surface: build trigger and
// control, approval resolution, event replay and live streaming, the
// agent protocol endpoints, and operator health probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/approval"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/dispatch"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/store"
)

// Server is the master HTTP server.
type Server struct {
	store      *store.Store
	bus        *events.Bus
	registry   *agents.Registry
	pool       *runner.Runner
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	cfg        *config.ServerConfig
	wsCfg      *config.WorkspaceConfig
	instanceID string

	httpServer *http.Server
	ready      atomic.Bool
}

// NewServer wires the HTTP surface over the core services.
func NewServer(
	st *store.Store,
	bus *events.Bus,
	registry *agents.Registry,
	pool *runner.Runner,
	dispatcher *dispatch.Dispatcher,
	approvals *approval.Manager,
	cfg *config.ServerConfig,
	wsCfg *config.WorkspaceConfig,
	instanceID string,
) *Server {
	return &Server{
		store:      st,
		bus:        bus,
		registry:   registry,
		pool:       pool,
		dispatcher: dispatcher,
		approvals:  approvals,
		cfg:        cfg,
		wsCfg:      wsCfg,
		instanceID: instanceID,
	}
}

// Router builds the gin engine with all routes installed.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/startup", s.handleStartup)

	api := router.Group("/api")
	{
		api.POST("/jobs/:id/builds", s.handleTriggerBuild)
		api.GET("/builds/:id", s.handleGetBuild)
		api.POST("/builds/:id/cancel", s.handleCancelBuild)
		api.POST("/builds/:id/retry", s.handleRetryBuild)
		api.GET("/builds/:id/events", s.handleReplayEvents)
		api.GET("/builds/:id/events/stream", s.handleStreamEvents)
		api.GET("/builds/:id/artifacts", s.handleListArtifacts)
		api.GET("/agents", s.handleListAgents)
		api.POST("/approvals/:id/approve", s.handleApprove)
		api.POST("/approvals/:id/reject", s.handleReject)

		// The agent write paths authenticate with the shared
		// bearer token; everything else is authenticated by the outer
		// middleware stack.
		agentAuth := api.Group("", s.agentAuth())
		{
			agentAuth.POST("/agents/register", s.handleAgentRegister)
			agentAuth.POST("/agents/:id/heartbeat", s.handleAgentHeartbeat)
			agentAuth.POST("/builds/:id/agent-events", s.handleAgentEvents)
			agentAuth.POST("/builds/:id/result", s.handleAgentResult)
			agentAuth.POST("/builds/:id/artifacts", s.handleAgentArtifacts)
		}
	}
	return router
}

// Start begins serving and flips the startup probe once the listener
// is up.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	slog.Info("HTTP server starting", "port", s.cfg.Port, "instance_id", s.instanceID)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// agentAuth enforces the shared bearer token on the agent write paths.
func (s *Server) agentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AgentToken == "" {
			c.Next() // auth disabled, development only
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.AgentToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": string(cierr.KindAgentAuthFailed),
			})
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request in the shared slog format.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": s.instanceID,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	depth, err := s.store.QueueDepth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store unavailable"})
		return
	}
	total, online, offline, capacity := s.registry.Counts()
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"queue_depth": depth,
		"agents": gin.H{
			"total":    total,
			"online":   online,
			"offline":  offline,
			"capacity": capacity,
		},
	})
}

func (s *Server) handleStartup(c *gin.Context) {
	if !s.ready.Load() {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}
