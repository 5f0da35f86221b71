package api

import (
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
)

type invokeAgentRequest struct {
	Agent string        `json:"agent" binding:"required"`
	Task  types.JSONMap `json:"task"`
}

// InvokeAgent handles POST /agents/invoke. Failures come back in the result
// body, not as HTTP errors; only a malformed request is rejected.
func (s *Server) InvokeAgent(c *gin.Context) {
	var req invokeAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "agent name is required", err))
		return
	}
	if req.Task == nil {
		req.Task = types.JSONMap{}
	}

	result := s.deps.Agents.Invoke(c.Request.Context(), req.Agent, req.Task)
	c.JSON(200, gin.H{"result": result})
}

// ListAgents handles GET /agents.
func (s *Server) ListAgents(c *gin.Context) {
	c.JSON(200, gin.H{"agents": s.deps.Agents.Agents()})
}

// QueryMetrics handles GET /internal/query-metrics: per-query database timing
// plus the collector's rolling summary, for operators.
func (s *Server) QueryMetrics(c *gin.Context) {
	body := gin.H{"queries": s.deps.Store.QueryMetrics()}
	if s.deps.Collector != nil {
		body["summary"] = s.deps.Collector.GetSummary()
	}
	c.JSON(200, body)
}
