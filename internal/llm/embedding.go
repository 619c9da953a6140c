package llm

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key,omitempty"`
	Model         string        `json:"model"`
	Dimension     int           `json:"dimension"`
	BatchSize     int           `json:"batch_size"`
	MaxChars      int           `json:"max_chars"`
	MaxConcurrent int           `json:"max_concurrent"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultEmbeddingConfig returns default configuration.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		BaseURL:       "http://localhost:8001/v1",
		Model:         "bge-m3",
		Dimension:     1024,
		BatchSize:     64,
		MaxChars:      8192,
		MaxConcurrent: 8,
		Timeout:       30 * time.Second,
	}
}

// EmbeddingClient calls an OpenAI-compatible /embeddings endpoint.
type EmbeddingClient struct {
	apiClient
	dimension int
	batchSize int
	maxChars  int
}

// NewEmbeddingClient creates an embedding client. A nil logger gets a
// default; a nil usage recorder is a no-op.
func NewEmbeddingClient(config EmbeddingConfig, usage UsageRecorder, logger *logrus.Logger) *EmbeddingClient {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.MaxChars <= 0 {
		config.MaxChars = 8192
	}
	return &EmbeddingClient{
		apiClient: newAPIClient("embedding", config.BaseURL, config.APIKey, config.Model,
			config.Timeout, config.MaxConcurrent, usage, logger),
		dimension: config.Dimension,
		batchSize: config.BatchSize,
		maxChars:  config.MaxChars,
	}
}

// Dimension returns the configured vector dimension.
func (c *EmbeddingClient) Dimension() int {
	return c.dimension
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage apiUsage `json:"usage"`
}

// Embed generates vectors for texts, preserving input order. Inputs larger
// than the batch size are re-batched internally; texts longer than the
// configured char cap are truncated before the call, so oversize chunks
// embed their head instead of overflowing the model's input window. An
// empty input returns an empty result without a call.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-start)
		for i, text := range texts[start:end] {
			batch[i] = truncateRunes(text, c.maxChars)
		}

		var resp embeddingResponse
		batchUsage := models.TokenUsage{}
		err := c.call(ctx, "embed", &batchUsage, func() error {
			resp = embeddingResponse{}
			if err := c.postJSON(ctx, "/embeddings", embeddingRequest{Model: c.model, Input: batch}, &resp); err != nil {
				return err
			}
			batchUsage = resp.Usage.toModel()
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) != len(batch) {
			return nil, apperr.Permanent("embedding response size mismatch", nil).
				WithDetail("expected", len(batch)).
				WithDetail("got", len(resp.Data))
		}

		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, apperr.Permanent("embedding response index out of range", nil).
					WithDetail("index", d.Index)
			}
			if c.dimension > 0 && len(d.Embedding) != c.dimension {
				return nil, apperr.Permanent("embedding dimension mismatch", nil).
					WithDetail("expected", c.dimension).
					WithDetail("got", len(d.Embedding))
			}
			out[start+d.Index] = normalizeL2(d.Embedding)
		}

		c.logger.WithFields(logrus.Fields{
			"batch_size": len(batch),
			"model":      c.model,
		}).Debug("embedding batch completed")
	}

	return out, nil
}

// truncateRunes caps s at max runes.
func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// normalizeL2 scales a vector to unit length. Zero vectors pass through.
func normalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
