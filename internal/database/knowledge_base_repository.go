package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// KnowledgeBaseRepository handles knowledge base rows.
type KnowledgeBaseRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewKnowledgeBaseRepository creates a new KnowledgeBaseRepository.
func NewKnowledgeBaseRepository(pool *pgxpool.Pool, log *logrus.Logger) *KnowledgeBaseRepository {
	if log == nil {
		log = logrus.New()
	}
	return &KnowledgeBaseRepository{pool: pool, log: log}
}

// Create inserts a knowledge base. A duplicate name yields a conflict.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *models.KnowledgeBase) error {
	query := `
		INSERT INTO knowledge_bases (id, name, description, embedding_model, embedding_dim, chunk_size, chunk_overlap)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		kb.ID, kb.Name, kb.Description, kb.EmbeddingModel, kb.EmbeddingDim, kb.ChunkSize, kb.ChunkOverlap,
	).Scan(&kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		if apperr.IsKind(translateErr(err, ""), apperr.KindConflict) {
			return apperr.Conflictf("knowledge base name %q already exists", kb.Name)
		}
		return fmt.Errorf("failed to create knowledge base: %w", translateErr(err, ""))
	}
	return nil
}

// GetByID retrieves a knowledge base with its document count.
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	query := `
		SELECT kb.id, kb.name, kb.description, kb.embedding_model, kb.embedding_dim,
		       kb.chunk_size, kb.chunk_overlap, kb.created_at, kb.updated_at,
		       (SELECT COUNT(*) FROM documents d WHERE d.kb_id = kb.id)
		FROM knowledge_bases kb
		WHERE kb.id = $1
	`
	kb := &models.KnowledgeBase{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&kb.ID, &kb.Name, &kb.Description, &kb.EmbeddingModel, &kb.EmbeddingDim,
		&kb.ChunkSize, &kb.ChunkOverlap, &kb.CreatedAt, &kb.UpdatedAt, &kb.DocumentCount,
	)
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("knowledge base %s not found", id))
	}
	return kb, nil
}

// List returns all knowledge bases ordered by creation time.
func (r *KnowledgeBaseRepository) List(ctx context.Context) ([]*models.KnowledgeBase, error) {
	query := `
		SELECT kb.id, kb.name, kb.description, kb.embedding_model, kb.embedding_dim,
		       kb.chunk_size, kb.chunk_overlap, kb.created_at, kb.updated_at,
		       (SELECT COUNT(*) FROM documents d WHERE d.kb_id = kb.id)
		FROM knowledge_bases kb
		ORDER BY kb.created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", translateErr(err, ""))
	}
	defer rows.Close()

	var out []*models.KnowledgeBase
	for rows.Next() {
		kb := &models.KnowledgeBase{}
		if err := rows.Scan(
			&kb.ID, &kb.Name, &kb.Description, &kb.EmbeddingModel, &kb.EmbeddingDim,
			&kb.ChunkSize, &kb.ChunkOverlap, &kb.CreatedAt, &kb.UpdatedAt, &kb.DocumentCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// Touch bumps updated_at.
func (r *KnowledgeBaseRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE knowledge_bases SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch knowledge base: %w", translateErr(err, ""))
	}
	return nil
}

// Delete removes a knowledge base; documents and chunks cascade.
func (r *KnowledgeBaseRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", translateErr(err, ""))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("knowledge base %s not found", id)
	}
	r.log.WithField("kb_id", id).Info("knowledge base deleted")
	return nil
}
