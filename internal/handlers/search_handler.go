package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/rag"
)

// Retriever executes retrieval requests.
type Retriever interface {
	Retrieve(ctx context.Context, req rag.Request) (*rag.Result, error)
}

// SearchHandler serves POST /search.
type SearchHandler struct {
	engine Retriever
}

// NewSearchHandler builds the handler.
func NewSearchHandler(engine Retriever) *SearchHandler {
	return &SearchHandler{engine: engine}
}

// Search handles POST /search.
func (h *SearchHandler) Search(c *gin.Context) {
	var req rag.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}
	result, err := h.engine.Retrieve(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
