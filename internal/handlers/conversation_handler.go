package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/agentic"
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/conversation"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/streaming"
)

// ConversationService is the manager surface the conversation handler
// drives.
type ConversationService interface {
	Start(ctx context.Context, kbIDs []string) (*models.Conversation, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Delete(ctx context.Context, id string) error
	Messages(ctx context.Context, id string, limit int) ([]*models.ConversationMessage, error)
	Ask(ctx context.Context, conversationID, query string, opts conversation.AskOptions, sink conversation.EventSink) error
	AskSync(ctx context.Context, conversationID, query string, opts conversation.AskOptions) (*models.ConversationMessage, error)
}

// ConversationHandler serves conversation lifecycle and messaging.
type ConversationHandler struct {
	manager ConversationService
	logger  *logrus.Logger
}

// NewConversationHandler builds the handler.
func NewConversationHandler(manager ConversationService, logger *logrus.Logger) *ConversationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConversationHandler{manager: manager, logger: logger}
}

// Create handles POST /conversations.
func (h *ConversationHandler) Create(c *gin.Context) {
	var req struct {
		KBIDs []string `json:"kb_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}
	conv, err := h.manager.Start(c.Request.Context(), req.KBIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// Get handles GET /conversations/:id.
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Delete handles DELETE /conversations/:id.
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages handles GET /conversations/:id/messages.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, apperr.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := h.manager.Messages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs, "total": len(msgs)})
}

type askRequest struct {
	Query    string `json:"query"`
	Workflow string `json:"workflow,omitempty"`
	Mode     string `json:"mode,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
	Rerank   bool   `json:"rerank,omitempty"`
}

// Ask handles POST /conversations/:id/messages. Streams NDJSON events
// by default; ?stream=false returns the finished message as JSON.
func (h *ConversationHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}
	id := c.Param("id")
	if req.Workflow != "" && !agentic.KnownWorkflow(req.Workflow) {
		respondError(c, apperr.InvalidInputf("unknown workflow %q", req.Workflow))
		return
	}
	opts := conversation.AskOptions{Workflow: req.Workflow, Mode: req.Mode, TopK: req.TopK, Rerank: req.Rerank}

	if c.Query("stream") == "false" {
		msg, err := h.manager.AskSync(c.Request.Context(), id, req.Query, opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, msg)
		return
	}

	// Fail with a plain error response before committing to the stream.
	if req.Query == "" {
		respondError(c, apperr.InvalidInput("query is empty"))
		return
	}
	if _, err := h.manager.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	w, err := streaming.NewWriter(c.Writer)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.manager.Ask(c.Request.Context(), id, req.Query, opts, w); err != nil {
		if !w.Closed() {
			_ = w.Send(streaming.Error(err))
			_ = w.Send(streaming.Done(false, nil))
		}
		h.logger.WithError(err).WithField("conversation_id", id).Warn("Streamed answer failed")
	}
}
