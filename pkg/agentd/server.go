package agentd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
)

// Server is the agent's inbound HTTP surface: the dispatch endpoint the
// master calls plus a liveness probe.
type Server struct {
	worker *Worker
	cfg    *config.AgentConfig

	httpServer *http.Server
}

// NewServer wires the dispatch endpoint over the worker pool.
func NewServer(worker *Worker, cfg *config.AgentConfig) *Server {
	return &Server{worker: worker, cfg: cfg}
}

// Router builds the gin engine with the agent routes installed.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.POST("/builds", s.masterAuth(), s.handleDispatch)
	return router
}

// Start begins serving dispatches.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Agent server starting", "port", s.cfg.Port, "name", s.cfg.Name)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting dispatches and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// masterAuth enforces the shared bearer token on the dispatch path.
func (s *Server) masterAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next() // auth disabled, development only
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": string(cierr.KindAgentAuthFailed),
			})
			return
		}
		c.Next()
	}
}

// handleDispatch accepts one build assignment. 202 means the agent owns
// the build from here; anything else tells the master to reroute.
func (s *Server) handleDispatch(c *gin.Context) {
	var d Dispatch
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.worker.Accept(c.Request.Context(), &d); err != nil {
		if errors.Is(err, ErrAtCapacity) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("Dispatch accepted", "build_id", d.BuildID, "job_id", d.JobID)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"name":          s.cfg.Name,
		"active_builds": s.worker.ActiveCount(),
	})
}
