package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/vectordb/qdrant"
)

// KnowledgeBaseRepo is the persistence surface the KB handler needs.
type KnowledgeBaseRepo interface {
	Create(ctx context.Context, kb *models.KnowledgeBase) error
	GetByID(ctx context.Context, id string) (*models.KnowledgeBase, error)
	List(ctx context.Context) ([]*models.KnowledgeBase, error)
	Delete(ctx context.Context, id string) error
}

// CollectionDropper removes a KB's vector collection on delete.
type CollectionDropper interface {
	DeleteCollection(ctx context.Context, name string) error
}

// EpochBumper invalidates cached retrieval results for a KB.
type EpochBumper interface {
	BumpEpoch(ctx context.Context, kbID string) error
}

// GraphCleaner removes a KB's graph subgraph on delete.
type GraphCleaner interface {
	DeleteByKB(ctx context.Context, kbID string) error
}

// KnowledgeBaseHandler serves the /knowledge-bases routes.
type KnowledgeBaseHandler struct {
	repo    KnowledgeBaseRepo
	vectors CollectionDropper
	graph   GraphCleaner
	cache   EpochBumper
	logger  *logrus.Logger
}

// NewKnowledgeBaseHandler builds the handler. vectors, graph, and cache
// may be nil.
func NewKnowledgeBaseHandler(repo KnowledgeBaseRepo, vectors CollectionDropper, graph GraphCleaner, cache EpochBumper, logger *logrus.Logger) *KnowledgeBaseHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &KnowledgeBaseHandler{repo: repo, vectors: vectors, graph: graph, cache: cache, logger: logger}
}

type createKBRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
}

// Create handles POST /knowledge-bases.
func (h *KnowledgeBaseHandler) Create(c *gin.Context) {
	var req createKBRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(c, apperr.InvalidInput("name is required"))
		return
	}
	if req.ChunkSize < 0 || req.ChunkOverlap < 0 || req.EmbeddingDim < 0 {
		respondError(c, apperr.InvalidInput("chunk_size, chunk_overlap, and embedding_dim must be non-negative"))
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = 1000
	}
	if req.ChunkOverlap == 0 {
		req.ChunkOverlap = 200
	}
	if req.ChunkOverlap >= req.ChunkSize {
		respondError(c, apperr.InvalidInput("chunk_overlap must be smaller than chunk_size"))
		return
	}

	now := time.Now()
	kb := &models.KnowledgeBase{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Description:    req.Description,
		EmbeddingModel: req.EmbeddingModel,
		EmbeddingDim:   req.EmbeddingDim,
		ChunkSize:      req.ChunkSize,
		ChunkOverlap:   req.ChunkOverlap,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.repo.Create(c.Request.Context(), kb); err != nil {
		respondError(c, err)
		return
	}
	h.logger.WithFields(logrus.Fields{"kb_id": kb.ID, "name": kb.Name}).Info("Knowledge base created")
	c.JSON(http.StatusCreated, kb)
}

// Get handles GET /knowledge-bases/:id.
func (h *KnowledgeBaseHandler) Get(c *gin.Context) {
	kb, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, kb)
}

// List handles GET /knowledge-bases.
func (h *KnowledgeBaseHandler) List(c *gin.Context) {
	kbs, err := h.repo.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": kbs, "total": len(kbs)})
}

// Delete handles DELETE /knowledge-bases/:id. The metadata row goes
// first; vector collection, graph subgraph, and cache cleanup are
// best-effort.
func (h *KnowledgeBaseHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.repo.GetByID(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.repo.Delete(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	if h.vectors != nil {
		if err := h.vectors.DeleteCollection(ctx, qdrant.CollectionName(id)); err != nil {
			h.logger.WithError(err).WithField("kb_id", id).Warn("Failed to drop vector collection")
		}
	}
	if h.graph != nil {
		if err := h.graph.DeleteByKB(ctx, id); err != nil {
			h.logger.WithError(err).WithField("kb_id", id).Warn("Failed to delete graph subgraph")
		}
	}
	if h.cache != nil {
		if err := h.cache.BumpEpoch(ctx, id); err != nil {
			h.logger.WithError(err).WithField("kb_id", id).Warn("Failed to bump cache epoch")
		}
	}
	h.logger.WithField("kb_id", id).Info("Knowledge base deleted")
	c.Status(http.StatusNoContent)
}
