package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/store"
)

type approvalRequest struct {
	ApproverID string `json:"approver_id" binding:"required"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gate, err := s.approvals.Approve(c.Request.Context(), c.Param("id"), req.ApproverID)
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gate": gate})
}

func (s *Server) handleReject(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gate, err := s.approvals.Reject(c.Request.Context(), c.Param("id"), req.ApproverID)
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gate": gate})
}

// writeApprovalError maps gate resolution errors: unknown gate is 404,
// an already-resolved gate or duplicate approver is 409.
func writeApprovalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "approval gate not found"})
	case cierr.KindOf(err) == cierr.KindStoreConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
