package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

func agentsFilterFromQuery(c *gin.Context) agents.Filter {
	filter := agents.Filter{OrgID: c.Query("org_id")}
	if raw := c.Query("labels"); raw != "" {
		filter.Labels = strings.Split(raw, ",")
	}
	return filter
}

func (s *Server) handleAgentRegister(c *gin.Context) {
	var req agents.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agentID, err := s.registry.Register(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID})
}

func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	var hb agents.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	known, err := s.registry.RecordHeartbeat(c.Request.Context(), c.Param("id"), hb)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	c.Status(http.StatusOK)
}

// handleAgentEvents ingests one event streamed from an agent-side
// executor into the bus, which persists and fans it out exactly as if
// it were produced locally.
func (s *Server) handleAgentEvents(c *gin.Context) {
	var event events.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event.BuildID = c.Param("id")
	s.bus.Publish(c.Request.Context(), event)
	c.Status(http.StatusOK)
}

// agentResult is the final outcome an agent reports for a build.
type agentResult struct {
	Status string `json:"status" binding:"required"`
	Error  string `json:"error"`
	Kind   string `json:"error_kind"`
}

func (s *Server) handleAgentResult(c *gin.Context) {
	buildID := c.Param("id")
	var result agentResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := models.BuildStatus(result.Status)
	if !status.Terminal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be terminal"})
		return
	}
	if err := s.store.FinalizeBuild(c.Request.Context(), buildID, status, result.Kind, result.Error); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	build, err := s.store.GetBuild(c.Request.Context(), buildID)
	if err == nil && build.AgentID != nil {
		s.registry.AdjustLoad(c.Request.Context(), *build.AgentID, -1)
	}
	c.Status(http.StatusOK)
}

// handleAgentArtifacts accepts a multipart upload of build artifacts
// produced on an agent and records them like locally collected ones.
func (s *Server) handleAgentArtifacts(c *gin.Context) {
	buildID := c.Param("id")
	build, err := s.store.GetBuild(c.Request.Context(), buildID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	destDir := filepath.Join(s.wsCfg.ArtifactsDir, buildID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, header := range form.File["files"] {
		filename := filepath.Base(header.Filename)
		dest := filepath.Join(destDir, filename)
		if err := c.SaveUploadedFile(header, dest); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		sha, err := cache.HashFile(dest)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		record := &models.Artifact{
			ID:          uuid.New().String(),
			BuildID:     buildID,
			OrgID:       build.OrgID,
			Filename:    filename,
			Path:        dest,
			SizeBytes:   header.Size,
			ContentType: header.Header.Get("Content-Type"),
			SHA256:      sha,
		}
		if err := s.store.CreateArtifact(c.Request.Context(), record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.Status(http.StatusOK)
}
