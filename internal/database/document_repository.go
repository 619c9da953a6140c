package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// DocumentRepository handles document rows.
type DocumentRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(pool *pgxpool.Pool, log *logrus.Logger) *DocumentRepository {
	if log == nil {
		log = logrus.New()
	}
	return &DocumentRepository{pool: pool, log: log}
}

// Create inserts a document row.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, kb_id, filename, content_type, size_bytes, content_hash, status, chunk_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		doc.ID, doc.KBID, doc.Filename, doc.ContentType, doc.SizeBytes,
		doc.ContentHash, doc.Status, doc.ChunkCount,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", translateErr(err, ""))
	}
	return nil
}

// GetByID retrieves a document.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	query := `
		SELECT id, kb_id, filename, content_type, size_bytes, content_hash,
		       status, error, chunk_count, created_at, updated_at
		FROM documents WHERE id = $1
	`
	doc := &models.Document{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.KBID, &doc.Filename, &doc.ContentType, &doc.SizeBytes,
		&doc.ContentHash, &doc.Status, &doc.Error, &doc.ChunkCount,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("document %s not found", id))
	}
	return doc, nil
}

// GetByHash finds a document in a knowledge base by content hash. Returns
// nil without error when absent; ingestion uses this for idempotency.
func (r *DocumentRepository) GetByHash(ctx context.Context, kbID, contentHash string) (*models.Document, error) {
	query := `
		SELECT id, kb_id, filename, content_type, size_bytes, content_hash,
		       status, error, chunk_count, created_at, updated_at
		FROM documents WHERE kb_id = $1 AND content_hash = $2
	`
	doc := &models.Document{}
	err := r.pool.QueryRow(ctx, query, kbID, contentHash).Scan(
		&doc.ID, &doc.KBID, &doc.Filename, &doc.ContentType, &doc.SizeBytes,
		&doc.ContentHash, &doc.Status, &doc.Error, &doc.ChunkCount,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up document by hash: %w", translateErr(err, ""))
	}
	return doc, nil
}

// GetByFilename finds the most recent document in a knowledge base with
// the given filename. Returns nil without error when absent; ingestion
// uses this to replace re-uploaded files in place.
func (r *DocumentRepository) GetByFilename(ctx context.Context, kbID, filename string) (*models.Document, error) {
	query := `
		SELECT id, kb_id, filename, content_type, size_bytes, content_hash,
		       status, error, chunk_count, created_at, updated_at
		FROM documents WHERE kb_id = $1 AND filename = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	doc := &models.Document{}
	err := r.pool.QueryRow(ctx, query, kbID, filename).Scan(
		&doc.ID, &doc.KBID, &doc.Filename, &doc.ContentType, &doc.SizeBytes,
		&doc.ContentHash, &doc.Status, &doc.Error, &doc.ChunkCount,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up document by filename: %w", translateErr(err, ""))
	}
	return doc, nil
}

// ListByKB returns documents of a knowledge base, newest first.
func (r *DocumentRepository) ListByKB(ctx context.Context, kbID string) ([]*models.Document, error) {
	query := `
		SELECT id, kb_id, filename, content_type, size_bytes, content_hash,
		       status, error, chunk_count, created_at, updated_at
		FROM documents WHERE kb_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", translateErr(err, ""))
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		doc := &models.Document{}
		if err := rows.Scan(
			&doc.ID, &doc.KBID, &doc.Filename, &doc.ContentType, &doc.SizeBytes,
			&doc.ContentHash, &doc.Status, &doc.Error, &doc.ChunkCount,
			&doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a document's lifecycle state. The error text is
// stored only for failed documents.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id, status, errText string) error {
	query := `
		UPDATE documents SET status = $2, error = $3, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status, errText)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", translateErr(err, ""))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("document %s not found", id)
	}
	r.log.WithFields(logrus.Fields{
		"document_id": id,
		"status":      status,
	}).Debug("document status updated")
	return nil
}

// Update rewrites a document's mutable columns. Used when a re-uploaded
// file replaces an existing document's content.
func (r *DocumentRepository) Update(ctx context.Context, doc *models.Document) error {
	query := `
		UPDATE documents
		SET content_type = $2, size_bytes = $3, content_hash = $4,
		    status = $5, error = $6, chunk_count = $7, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		doc.ID, doc.ContentType, doc.SizeBytes, doc.ContentHash,
		doc.Status, doc.Error, doc.ChunkCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", translateErr(err, ""))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("document %s not found", doc.ID)
	}
	return nil
}

// SetChunkCount records the number of chunks after indexing.
func (r *DocumentRepository) SetChunkCount(ctx context.Context, id string, count int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE documents SET chunk_count = $2, updated_at = now() WHERE id = $1`, id, count)
	if err != nil {
		return fmt.Errorf("failed to set chunk count: %w", translateErr(err, ""))
	}
	return nil
}

// Delete removes a document row; chunk rows cascade.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", translateErr(err, ""))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("document %s not found", id)
	}
	return nil
}
