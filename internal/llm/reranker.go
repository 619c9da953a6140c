package llm

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// RerankerConfig configures the cross-encoder reranking client.
type RerankerConfig struct {
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key,omitempty"`
	Model         string        `json:"model"`
	MaxConcurrent int           `json:"max_concurrent"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultRerankerConfig returns default configuration.
func DefaultRerankerConfig() RerankerConfig {
	return RerankerConfig{
		BaseURL:       "http://localhost:8002/v1",
		Model:         "bge-reranker-v2-m3",
		MaxConcurrent: 8,
		Timeout:       30 * time.Second,
	}
}

// RerankerClient calls a /rerank endpoint in the jina/cohere convention.
type RerankerClient struct {
	apiClient
}

// NewRerankerClient creates a reranker client.
func NewRerankerClient(config RerankerConfig, usage UsageRecorder, logger *logrus.Logger) *RerankerClient {
	return &RerankerClient{
		apiClient: newAPIClient("reranker", config.BaseURL, config.APIKey, config.Model,
			config.Timeout, config.MaxConcurrent, usage, logger),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage apiUsage `json:"usage"`
}

// Rerank scores documents against the query and returns up to topK results
// sorted by score descending. Indexes refer to the documents slice.
func (c *RerankerClient) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if query == "" {
		return nil, apperr.InvalidInput("rerank query is empty")
	}
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}
	if topK <= 0 || topK > len(documents) {
		topK = len(documents)
	}

	var resp rerankResponse
	err := c.call(ctx, "rerank", nil, func() error {
		resp = rerankResponse{}
		return c.postJSON(ctx, "/rerank", rerankRequest{
			Model:     c.model,
			Query:     query,
			Documents: documents,
			TopN:      topK,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	results := make([]RerankResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, apperr.Permanent("rerank response index out of range", nil).
				WithDetail("index", r.Index)
		}
		results = append(results, RerankResult{Index: r.Index, Score: r.RelevanceScore})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}

	c.logger.WithFields(logrus.Fields{
		"documents": len(documents),
		"returned":  len(results),
	}).Debug("rerank completed")
	return results, nil
}
