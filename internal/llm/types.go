package llm

import (
	"time"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// ChatMessage is one turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a chat completion call.
type CompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	// JSONMode asks the model for a single JSON object response.
	JSONMode bool `json:"-"`
}

// Completion is a finished chat completion.
type Completion struct {
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason"`
	Model        string            `json:"model"`
	Usage        models.TokenUsage `json:"usage"`
}

// StreamDelta is one increment of a streaming completion. The final delta
// carries FinishReason (or Err) and no content; the channel closes after it.
type StreamDelta struct {
	Content      string
	FinishReason string
	Usage        *models.TokenUsage
	Err          error
}

// RerankResult scores one candidate document against the query. Index
// refers to the caller's document slice.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// UsageRecorder receives per-call accounting from every model client.
// Implementations must be safe for concurrent use.
type UsageRecorder interface {
	RecordModelCall(client, model, outcome string, elapsed time.Duration, usage models.TokenUsage)
}

type nopUsageRecorder struct{}

func (nopUsageRecorder) RecordModelCall(string, string, string, time.Duration, models.TokenUsage) {}

// Call outcomes reported to the UsageRecorder.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)
