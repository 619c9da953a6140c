package handlers

import (
	"context"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/ingest"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// DocumentRepo is the read surface the document handler needs; writes
// go through the pipeline.
type DocumentRepo interface {
	GetByID(ctx context.Context, id string) (*models.Document, error)
	ListByKB(ctx context.Context, kbID string) ([]*models.Document, error)
}

// Ingestor is the pipeline surface the document handler drives.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.IngestRequest) (*models.Document, bool, error)
	Reingest(ctx context.Context, documentID string) (*models.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Progress(documentID string) (*ingest.Progress, bool)
}

// DocumentHandler serves document upload, listing, re-ingestion, and
// deletion.
type DocumentHandler struct {
	pipeline Ingestor
	docs     DocumentRepo
	logger   *logrus.Logger
}

// NewDocumentHandler builds the handler.
func NewDocumentHandler(pipeline Ingestor, docs DocumentRepo, logger *logrus.Logger) *DocumentHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &DocumentHandler{pipeline: pipeline, docs: docs, logger: logger}
}

// Upload handles POST /knowledge-bases/:id/documents (multipart). A new
// document returns 202 while ingestion runs in the background; a
// duplicate upload returns the existing document with 200.
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "multipart field 'file' is required", err))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "failed to open uploaded file", err))
		return
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInvalidInput, "failed to read uploaded file", err))
		return
	}

	doc, created, err := h.pipeline.Ingest(c.Request.Context(), ingest.IngestRequest{
		KBID:        c.Param("id"),
		Filename:    filepath.Base(fileHeader.Filename),
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, doc)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// List handles GET /knowledge-bases/:id/documents.
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docs.ListByKB(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": docs, "total": len(docs)})
}

// Get handles GET /documents/:docID.
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docs.GetByID(c.Request.Context(), c.Param("docID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Progress handles GET /documents/:docID/progress. Finished documents
// report their terminal status from the row instead.
func (h *DocumentHandler) Progress(c *gin.Context) {
	docID := c.Param("docID")
	if prog, ok := h.pipeline.Progress(docID); ok {
		c.JSON(http.StatusOK, prog)
		return
	}
	doc, err := h.docs.GetByID(c.Request.Context(), docID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": doc.ID,
		"stage":       doc.Status,
		"percent":     100,
	})
}

// Reingest handles POST /documents/:docID/reingest.
func (h *DocumentHandler) Reingest(c *gin.Context) {
	doc, err := h.pipeline.Reingest(c.Request.Context(), c.Param("docID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// Delete handles DELETE /documents/:docID.
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.pipeline.DeleteDocument(c.Request.Context(), c.Param("docID")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
