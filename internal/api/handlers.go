package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/mode"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.runner.Status()})
}

// handleAgentStatus serves the cached snapshot when Redis has one,
// otherwise the live in-process snapshot.
func (s *Server) handleAgentStatus(c *gin.Context) {
	agentID := c.Param("id")

	if s.snapshots != nil {
		if st, err := s.snapshots.ReadSnapshot(c.Request.Context(), agentID); err == nil {
			c.JSON(http.StatusOK, gin.H{"state": st, "source": "cache"})
			return
		}
	}

	ctrl, ok := s.runner.Controller(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": ctrl.Snapshot(), "source": "live"})
}

// handleAgentTransitions serves the live in-memory ring for running
// agents; for stopped agents it falls back to persisted history when a
// transition log is wired.
func (s *Server) handleAgentTransitions(c *gin.Context) {
	agentID := c.Param("id")

	if ctrl, ok := s.runner.Controller(agentID); ok {
		c.JSON(http.StatusOK, gin.H{"transitions": ctrl.RecentTransitions(100), "source": "live"})
		return
	}

	if s.transitions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	history, err := s.transitions.Transitions(c.Request.Context(), agentID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(history) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": history, "source": "persisted"})
}

func (s *Server) handleStrategyChanges(c *gin.Context) {
	agentID := c.Param("id")

	filter := ledger.Filter{Limit: 100}
	if ct := c.Query("change_type"); ct != "" {
		filter.ChangeType = ledger.ChangeType(ct)
	}

	records, err := s.ledger.History(c.Request.Context(), agentID, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type manualTransitionRequest struct {
	Mode   string `json:"mode" binding:"required"`
	Reason string `json:"reason"`
}

// handleManualTransition queues a manual mode change; the agent's own
// loop applies it on the next evaluation tick.
func (s *Server) handleManualTransition(c *gin.Context) {
	agentID := c.Param("id")

	var req manualTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target, err := mode.Parse(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctrl, ok := s.runner.Controller(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual transition requested"
	}
	if err := ctrl.RequestManualTransition(target, reason); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "mode": target})
}

func (s *Server) handleActiveScopes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scopes": s.manager.ActiveScopes()})
}
