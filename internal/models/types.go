// Package models defines the persisted domain types shared across the
// service: knowledge bases, documents, chunks, conversations, messages,
// and workflow runs.
package models

import "time"

// Document ingestion lifecycle states.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Chunk content categories. A chunk built from a whole protected region
// keeps that region's category; everything else is plain text.
const (
	ChunkTypeText         = "text"
	ChunkTypeTable        = "table"
	ChunkTypeCode         = "code"
	ChunkTypeImageCaption = "image_caption"
)

// Workflow run states.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

type KnowledgeBase struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description" db:"description"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
	EmbeddingDim   int       `json:"embedding_dim" db:"embedding_dim"`
	ChunkSize      int       `json:"chunk_size" db:"chunk_size"`
	ChunkOverlap   int       `json:"chunk_overlap" db:"chunk_overlap"`
	DocumentCount  int       `json:"document_count" db:"document_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

type Document struct {
	ID          string    `json:"id" db:"id"`
	KBID        string    `json:"kb_id" db:"kb_id"`
	Filename    string    `json:"filename" db:"filename"`
	ContentType string    `json:"content_type" db:"content_type"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Status      string    `json:"status" db:"status"`
	Error       string    `json:"error,omitempty" db:"error"`
	ChunkCount  int       `json:"chunk_count" db:"chunk_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type Chunk struct {
	ID            string                 `json:"id" db:"id"`
	DocumentID    string                 `json:"document_id" db:"document_id"`
	KBID          string                 `json:"kb_id" db:"kb_id"`
	ChunkIndex    int                    `json:"chunk_index" db:"chunk_index"`
	Content       string                 `json:"content" db:"content"`
	CharStart     int                    `json:"char_start" db:"char_start"`
	CharEnd       int                    `json:"char_end" db:"char_end"`
	TokenEstimate int                    `json:"token_estimate" db:"token_estimate"`
	ChunkType     string                 `json:"chunk_type" db:"chunk_type"`
	Oversize      bool                   `json:"oversize,omitempty" db:"oversize"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// SearchResult is one retrieved chunk with its fused score and the
// channels that contributed it.
type SearchResult struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	KBID       string                 `json:"kb_id"`
	Content    string                 `json:"content"`
	Score      float64                `json:"score"`
	Rank       int                    `json:"rank"`
	Channels   []string               `json:"channels"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type Conversation struct {
	ID           string    `json:"id" db:"id"`
	KBIDs        []string  `json:"kb_ids" db:"kb_ids"`
	Title        string    `json:"title" db:"title"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at" db:"last_active_at"`
}

type ConversationMessage struct {
	ID             string         `json:"id" db:"id"`
	ConversationID string         `json:"conversation_id" db:"conversation_id"`
	Role           string         `json:"role" db:"role"`
	Content        string         `json:"content" db:"content"`
	Sources        []SearchResult `json:"sources,omitempty" db:"sources"`
	Cancelled      bool           `json:"cancelled,omitempty" db:"cancelled"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

type WorkflowRun struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id,omitempty" db:"conversation_id"`
	Workflow       string     `json:"workflow" db:"workflow"`
	Query          string     `json:"query" db:"query"`
	Status         string     `json:"status" db:"status"`
	Steps          []StepRun  `json:"steps" db:"steps"`
	Answer         string     `json:"answer,omitempty" db:"answer"`
	QualityScore   float64    `json:"quality_score" db:"quality_score"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// StepRun records the outcome of one workflow step.
type StepRun struct {
	StepID     string    `json:"step_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// TokenUsage accumulates model token accounting for a call or a run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage delta.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
