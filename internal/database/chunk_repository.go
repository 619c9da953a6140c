package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// ChunkRepository handles chunk rows and the sparse full-text channel.
type ChunkRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(pool *pgxpool.Pool, log *logrus.Logger) *ChunkRepository {
	if log == nil {
		log = logrus.New()
	}
	return &ChunkRepository{pool: pool, log: log}
}

// CreateBatch inserts all chunks of a document inside one transaction.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk insert: %w", translateErr(err, ""))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO chunks (id, document_id, kb_id, chunk_index, content, char_start, char_end, token_estimate, chunk_type, oversize, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, c := range chunks {
		metadataJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		if c.Metadata == nil {
			metadataJSON = []byte("{}")
		}
		chunkType := c.ChunkType
		if chunkType == "" {
			chunkType = models.ChunkTypeText
		}
		if _, err := tx.Exec(ctx, query,
			c.ID, c.DocumentID, c.KBID, c.ChunkIndex, c.Content,
			c.CharStart, c.CharEnd, c.TokenEstimate, chunkType, c.Oversize, metadataJSON,
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, translateErr(err, ""))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk insert: %w", translateErr(err, ""))
	}
	return nil
}

// GetByID retrieves one chunk.
func (r *ChunkRepository) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	query := `
		SELECT id, document_id, kb_id, chunk_index, content, char_start, char_end,
		       token_estimate, chunk_type, oversize, metadata, created_at
		FROM chunks WHERE id = $1
	`
	return r.scanChunk(r.pool.QueryRow(ctx, query, id), id)
}

// GetByIDs retrieves chunks by id, preserving no particular order.
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, document_id, kb_id, chunk_index, content, char_start, char_end,
		       token_estimate, chunk_type, oversize, metadata, created_at
		FROM chunks WHERE id = ANY($1)
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", translateErr(err, ""))
	}
	defer rows.Close()
	return r.scanChunks(rows)
}

// ListByDocument returns a document's chunks in index order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]*models.Chunk, error) {
	query := `
		SELECT id, document_id, kb_id, chunk_index, content, char_start, char_end,
		       token_estimate, chunk_type, oversize, metadata, created_at
		FROM chunks WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", translateErr(err, ""))
	}
	defer rows.Close()
	return r.scanChunks(rows)
}

// DeleteByDocument removes all chunks of a document.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", translateErr(err, ""))
	}
	return nil
}

// SearchSparse runs full-text retrieval over chunk content with ts_rank
// scoring. An optional filter narrows the candidate set.
func (r *ChunkRepository) SearchSparse(ctx context.Context, kbIDs []string, query string, filter *models.Filter, limit int) ([]*models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.InvalidInput("sparse search query is empty")
	}
	if limit <= 0 {
		limit = 10
	}

	sql := strings.Builder{}
	sql.WriteString(`
		SELECT id, document_id, kb_id, content, metadata,
		       ts_rank(to_tsvector('simple', content), websearch_to_tsquery('simple', $2)) AS rank
		FROM chunks
		WHERE kb_id = ANY($1)
		  AND to_tsvector('simple', content) @@ websearch_to_tsquery('simple', $2)
	`)
	args := []interface{}{kbIDs, query}

	if filter != nil {
		clause, filterArgs, err := compileFilterSQL(filter, len(args)+1)
		if err != nil {
			return nil, err
		}
		sql.WriteString(" AND ")
		sql.WriteString(clause)
		args = append(args, filterArgs...)
	}

	sql.WriteString(fmt.Sprintf(" ORDER BY rank DESC, id LIMIT $%d", len(args)+1))
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, sql.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sparse search failed: %w", translateErr(err, ""))
	}
	defer rows.Close()

	var out []*models.SearchResult
	for rows.Next() {
		res := &models.SearchResult{}
		var metadataJSON []byte
		if err := rows.Scan(&res.ChunkID, &res.DocumentID, &res.KBID, &res.Content, &metadataJSON, &res.Score); err != nil {
			return nil, fmt.Errorf("failed to scan sparse result: %w", err)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &res.Metadata)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// compileFilterSQL turns a filter tree into a WHERE fragment with
// positional parameters starting at argIndex.
func compileFilterSQL(f *models.Filter, argIndex int) (string, []interface{}, error) {
	if err := f.Validate(); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInvalidInput, "invalid filter", err)
	}
	return compileFilterNode(f, &argIndex)
}

func compileFilterNode(f *models.Filter, argIndex *int) (string, []interface{}, error) {
	switch {
	case len(f.And) > 0:
		return compileFilterGroup(f.And, " AND ", argIndex)
	case len(f.Or) > 0:
		return compileFilterGroup(f.Or, " OR ", argIndex)
	case f.Not != nil:
		clause, args, err := compileFilterNode(f.Not, argIndex)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + clause + ")", args, nil
	default:
		return compileFilterLeaf(f, argIndex)
	}
}

func compileFilterGroup(subs []*models.Filter, sep string, argIndex *int) (string, []interface{}, error) {
	clauses := make([]string, 0, len(subs))
	var args []interface{}
	for _, sub := range subs {
		clause, subArgs, err := compileFilterNode(sub, argIndex)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, subArgs...)
	}
	return "(" + strings.Join(clauses, sep) + ")", args, nil
}

func compileFilterLeaf(f *models.Filter, argIndex *int) (string, []interface{}, error) {
	column := ""
	switch f.Field {
	case "document_id":
		column = "document_id"
	case "chunk_index":
		column = "chunk_index"
	case "chunk_type":
		column = "chunk_type"
	case "oversize":
		column = "oversize"
	default:
		// metadata.<key> compares against the jsonb text value
		key := strings.TrimPrefix(f.Field, "metadata.")
		column = fmt.Sprintf("metadata->>'%s'", strings.ReplaceAll(key, "'", "''"))
	}

	next := func() string {
		p := fmt.Sprintf("$%d", *argIndex)
		*argIndex++
		return p
	}

	switch f.Op {
	case models.OpEq:
		return fmt.Sprintf("%s = %s", column, next()), []interface{}{toComparable(f.Field, f.Value)}, nil
	case models.OpNeq:
		return fmt.Sprintf("%s <> %s", column, next()), []interface{}{toComparable(f.Field, f.Value)}, nil
	case models.OpGte:
		return fmt.Sprintf("%s >= %s", column, next()), []interface{}{toComparable(f.Field, f.Value)}, nil
	case models.OpLte:
		return fmt.Sprintf("%s <= %s", column, next()), []interface{}{toComparable(f.Field, f.Value)}, nil
	case models.OpContains:
		return fmt.Sprintf("%s ILIKE %s", column, next()), []interface{}{"%" + fmt.Sprint(f.Value) + "%"}, nil
	case models.OpIn:
		values := f.Value.([]interface{})
		items := make([]string, len(values))
		args := make([]interface{}, len(values))
		for i, v := range values {
			items[i] = next()
			args[i] = toComparable(f.Field, v)
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(items, ", ")), args, nil
	default:
		return "", nil, apperr.InvalidInputf("unknown filter operator %q", f.Op)
	}
}

/// toComparable normalizes values for jsonb text comparison: metadata values
// compare as text, real columns keep their native type.
func toComparable(field string, v interface{}) interface{} {
	if strings.HasPrefix(field, "metadata.") {
		return fmt.Sprint(v)
	}
	return v
}

func (r *ChunkRepository) scanChunk(row pgx.Row, id string) (*models.Chunk, error) {
	c := &models.Chunk{}
	var metadataJSON []byte
	err := row.Scan(
		&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content,
		&c.CharStart, &c.CharEnd, &c.TokenEstimate, &c.ChunkType, &c.Oversize, &metadataJSON, &c.CreatedAt,
	)
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("chunk %s not found", id))
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &c.Metadata)
	}
	return c, nil
}

func (r *ChunkRepository) scanChunks(rows pgx.Rows) ([]*models.Chunk, error) {
	var out []*models.Chunk
	for rows.Next() {
		c := &models.Chunk{}
		var metadataJSON []byte
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content,
			&c.CharStart, &c.CharEnd, &c.TokenEstimate, &c.ChunkType, &c.Oversize, &metadataJSON, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
