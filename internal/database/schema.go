package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS knowledge_bases (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		description     TEXT NOT NULL DEFAULT '',
		embedding_model TEXT NOT NULL,
		embedding_dim   INTEGER NOT NULL,
		chunk_size      INTEGER NOT NULL,
		chunk_overlap   INTEGER NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		kb_id        TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes   BIGINT NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		error        TEXT NOT NULL DEFAULT '',
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (kb_id, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents (kb_id)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		id             TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		kb_id          TEXT NOT NULL,
		chunk_index    INTEGER NOT NULL,
		content        TEXT NOT NULL,
		char_start     INTEGER NOT NULL DEFAULT 0,
		char_end       INTEGER NOT NULL DEFAULT 0,
		token_estimate INTEGER NOT NULL DEFAULT 0,
		chunk_type     TEXT NOT NULL DEFAULT 'text',
		oversize       BOOLEAN NOT NULL DEFAULT FALSE,
		metadata       JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks (kb_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_content_fts ON chunks
		USING GIN (to_tsvector('simple', content))`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id             TEXT PRIMARY KEY,
		kb_ids         TEXT[] NOT NULL DEFAULT '{}',
		title          TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		seq             BIGSERIAL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		sources         JSONB NOT NULL DEFAULT '[]',
		cancelled       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq)`,

	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		workflow        TEXT NOT NULL,
		query           TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		steps           JSONB NOT NULL DEFAULT '[]',
		answer          TEXT NOT NULL DEFAULT '',
		quality_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_started ON workflow_runs (started_at)`,
}

// Migrate applies the schema. Statements are idempotent so repeated boots
// are safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	logger.WithField("statements", len(schemaStatements)).Info("database schema ensured")
	return nil
}
