package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// ConversationRepository handles conversation and message rows.
type ConversationRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(pool *pgxpool.Pool, log *logrus.Logger) *ConversationRepository {
	if log == nil {
		log = logrus.New()
	}
	return &ConversationRepository{pool: pool, log: log}
}

// Create inserts a conversation row.
func (r *ConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, kb_ids, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at, last_active_at
	`
	err := r.pool.QueryRow(ctx, query, conv.ID, conv.KBIDs, conv.Title).
		Scan(&conv.CreatedAt, &conv.UpdatedAt, &conv.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", translateErr(err, ""))
	}
	return nil
}

// GetByID retrieves a conversation.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, kb_ids, title, created_at, updated_at, last_active_at
		FROM conversations WHERE id = $1
	`
	conv := &models.Conversation{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.KBIDs, &conv.Title,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.LastActiveAt,
	)
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("conversation %s not found", id))
	}
	return conv, nil
}

// SetTitle updates the conversation title.
func (r *ConversationRepository) SetTitle(ctx context.Context, id, title string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to set conversation title: %w", translateErr(err, ""))
	}
	return nil
}

// TouchActivity bumps last_active_at.
func (r *ConversationRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_active_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", translateErr(err, ""))
	}
	return nil
}

// Delete removes a conversation; messages cascade.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", translateErr(err, ""))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("conversation %s not found", id)
	}
	return nil
}

// AppendMessage persists one message of a conversation.
func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	sourcesJSON, err := json.Marshal(msg.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal message sources: %w", err)
	}
	if msg.Sources == nil {
		sourcesJSON = []byte("[]")
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, sources, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err = r.pool.QueryRow(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, sourcesJSON, msg.Cancelled,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", translateErr(err, ""))
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first. A limit of
// zero returns everything.
func (r *ConversationRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMessage, error) {
	query := `
		SELECT id, conversation_id, role, content, sources, cancelled, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq
	`
	args := []interface{}{conversationID}
	if limit > 0 {
		// take the newest N but keep chronological order
		query = `
			SELECT id, conversation_id, role, content, sources, cancelled, created_at
			FROM (
				SELECT id, seq, conversation_id, role, content, sources, cancelled, created_at
				FROM messages
				WHERE conversation_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent
			ORDER BY seq
		`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", translateErr(err, ""))
	}
	defer rows.Close()

	var out []*models.ConversationMessage
	for rows.Next() {
		msg := &models.ConversationMessage{}
		var sourcesJSON []byte
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&sourcesJSON, &msg.Cancelled, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(sourcesJSON) > 0 {
			_ = json.Unmarshal(sourcesJSON, &msg.Sources)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
