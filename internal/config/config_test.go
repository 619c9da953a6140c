package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6333, cfg.Qdrant.Port)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 200, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 2000, cfg.Ingest.MaxChunkSize)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 60, cfg.Retrieval.RRFK)
	assert.Equal(t, 30*time.Minute, cfg.Conversation.SessionTTL)
	assert.Equal(t, 10, cfg.Conversation.HistoryWindow)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("QDRANT_PORT", "7333")
	t.Setenv("INGEST_ALLOWED_EXTENSIONS", ".txt, .md")
	t.Setenv("RETRIEVAL_CHANNEL_TIMEOUT", "2s")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 7333, cfg.Qdrant.Port)
	assert.Equal(t, []string{".txt", ".md"}, cfg.Ingest.AllowedExtensions)
	assert.Equal(t, 2*time.Second, cfg.Retrieval.ChannelTimeout)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Load()
	cfg.Qdrant.Host = ""
	cfg.Qdrant.Port = 0
	cfg.Ingest.ChunkOverlap = cfg.Ingest.ChunkSize

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant host is required")
	assert.Contains(t, err.Error(), "qdrant port must be between 1 and 65535")
	assert.Contains(t, err.Error(), "chunk_overlap must be smaller than chunk_size")
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host: "db.internal", Port: "5433",
		User: "rag", Password: "pw", Name: "core", SSLMode: "require",
	}
	assert.Equal(t, "postgres://rag:pw@db.internal:5433/core?sslmode=require", db.ConnectionString())
}

func TestLoadWithFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: \"7777\"\nretrieval:\n  top_k: 25\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Retrieval.TopK)
	// untouched keys keep their defaults
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
}

func TestLoadWithFileMissing(t *testing.T) {
	_, err := LoadWithFile("/nonexistent/config.yaml")
	require.Error(t, err)
}
