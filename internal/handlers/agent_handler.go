package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruochenliao/ai-training-course-sub005/internal/agentic"
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// WorkflowRunner executes and looks up workflow runs.
type WorkflowRunner interface {
	Run(ctx context.Context, req agentic.RunRequest) (*models.WorkflowRun, error)
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
}

// AgentHandler serves workflow execution and run lookup.
type AgentHandler struct {
	orch WorkflowRunner
}

// NewAgentHandler builds the handler.
func NewAgentHandler(orch WorkflowRunner) *AgentHandler {
	return &AgentHandler{orch: orch}
}

// Run handles POST /agent/run.
func (h *AgentHandler) Run(c *gin.Context) {
	var req agentic.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}
	run, err := h.orch.Run(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRun handles GET /agent/runs/:id.
func (h *AgentHandler) GetRun(c *gin.Context) {
	run, err := h.orch.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// Workflows handles GET /agent/workflows.
func (h *AgentHandler) Workflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": agentic.WorkflowNames()})
}

// Recommend handles POST /agent/recommend.
func (h *AgentHandler) Recommend(c *gin.Context) {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}
	if req.Query == "" {
		respondError(c, apperr.InvalidInput("query is required"))
		return
	}
	c.JSON(http.StatusOK, agentic.Recommend(req.Query))
}
