package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/datatypes"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/dispatch"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// triggerRequest is the build trigger payload.
type triggerRequest struct {
	OrgID       string            `json:"org_id" binding:"required"`
	TriggerType string            `json:"trigger_type"`
	Parameters  map[string]string `json:"parameters"`
	Priority    string            `json:"priority" binding:"priority"`
	Labels      []string          `json:"labels"`
	GitCommit   string            `json:"git_commit"`
	GitBranch   string            `json:"git_branch"`
}

func (s *Server) handleTriggerBuild(c *gin.Context) {
	jobID := c.Param("id")
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.store.GetJob(c.Request.Context(), req.OrgID, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	build := &models.Build{
		ID:          uuid.New().String(),
		JobID:       jobID,
		OrgID:       req.OrgID,
		Status:      models.BuildStatusQueued,
		TriggerType: req.TriggerType,
		GitCommit:   req.GitCommit,
		GitBranch:   req.GitBranch,
		StartedAt:   time.Now().UTC(),
	}
	if len(req.Parameters) > 0 {
		raw, err := json.Marshal(req.Parameters)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters"})
			return
		}
		build.Parameters = datatypes.JSON(raw)
	}
	if err := s.store.CreateBuild(c.Request.Context(), build); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.dispatcher.Dispatch(c.Request.Context(), &dispatch.Request{
		Build:      build,
		Priority:   parsePriority(req.Priority),
		Labels:     req.Labels,
		Parameters: req.Parameters,
	}); err != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"build_id":     build.ID,
			"build_number": build.BuildNumber,
			"warning":      err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"build_id":     build.ID,
		"build_number": build.BuildNumber,
	})
}

func (s *Server) handleGetBuild(c *gin.Context) {
	build, err := s.store.GetBuild(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stages, _ := s.store.ListStages(c.Request.Context(), build.ID)
	steps, _ := s.store.ListSteps(c.Request.Context(), build.ID)
	c.JSON(http.StatusOK, gin.H{"build": build, "stages": stages, "steps": steps})
}

func (s *Server) handleCancelBuild(c *gin.Context) {
	buildID := c.Param("id")
	if s.pool.Cancel(buildID) {
		c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
		return
	}

	// Not active here: a queued build is finalized directly; a build
	// running elsewhere is left to its owner's orphan handling.
	build, err := s.store.GetBuild(c.Request.Context(), buildID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if build.Status == models.BuildStatusQueued {
		if err := s.store.FinalizeBuild(c.Request.Context(), buildID,
			models.BuildStatusAborted, string(cierr.KindStepAborted), "cancelled before start"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "build is not active on this instance"})
}

func (s *Server) handleRetryBuild(c *gin.Context) {
	original, err := s.store.GetBuild(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !original.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "build is still running"})
		return
	}

	retry := &models.Build{
		ID:            uuid.New().String(),
		JobID:         original.JobID,
		OrgID:         original.OrgID,
		Status:        models.BuildStatusQueued,
		TriggerType:   "retry",
		Parameters:    original.Parameters,
		GitCommit:     original.GitCommit,
		GitBranch:     original.GitBranch,
		AttemptNumber: original.AttemptNumber + 1,
		RootBuildID:   original.RootBuildID,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateBuild(c.Request.Context(), retry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.dispatcher.Dispatch(c.Request.Context(), &dispatch.Request{Build: retry}); err != nil {
		c.JSON(http.StatusAccepted, gin.H{"build_id": retry.ID, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"build_id":       retry.ID,
		"attempt_number": retry.AttemptNumber,
		"root_build_id":  retry.RootBuildID,
	})
}

func (s *Server) handleReplayEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	replayed, err := s.bus.Replay(c.Request.Context(), c.Param("id"), c.Query("after_event_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": replayed})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the outer auth middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStreamEvents upgrades to a websocket and forwards the build's
// live event stream, with replay from the optional cursor.
func (s *Server) handleStreamEvents(c *gin.Context) {
	buildID := c.Param("id")
	sub, err := s.bus.Subscribe(c.Request.Context(), buildID, c.Query("after_event_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reader goroutine: notice client close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	artifacts, err := s.store.ListArtifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.List(agentsFilterFromQuery(c))})
}

func parsePriority(p string) models.QueuePriority {
	switch p {
	case "high":
		return models.QueuePriorityHigh
	case "low":
		return models.QueuePriorityLow
	default:
		return models.QueuePriorityNormal
	}
}
