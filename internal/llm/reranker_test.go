package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

func newTestRerankerClient(t *testing.T, handler http.HandlerFunc) *RerankerClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultRerankerConfig()
	cfg.BaseURL = server.URL
	client := NewRerankerClient(cfg, nil, nil)
	client.retry = fastRetryConfig()
	return client
}

func TestRerankSortsByScoreDescending(t *testing.T) {
	client := newTestRerankerClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "which fruit", req.Query)

		resp := map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 0, "relevance_score": 0.11},
				{"index": 1, "relevance_score": 0.92},
				{"index": 2, "relevance_score": 0.57},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	results, err := client.Rerank(context.Background(), "which fruit", []string{"car", "apple", "pear"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, 0, results[2].Index)
}

func TestRerankTruncatesToTopK(t *testing.T) {
	client := newTestRerankerClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 0, "relevance_score": 0.9},
				{"index": 1, "relevance_score": 0.8},
				{"index": 2, "relevance_score": 0.7},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	results, err := client.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRerankEmptyDocuments(t *testing.T) {
	client := newTestRerankerClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no call expected for empty documents")
	})

	results, err := client.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRerankEmptyQuery(t *testing.T) {
	client := newTestRerankerClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Rerank(context.Background(), "", []string{"a"}, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestRerankRejectsOutOfRangeIndex(t *testing.T) {
	client := newTestRerankerClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"results": []map[string]interface{}{{"index": 7, "relevance_score": 0.9}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	_, err := client.Rerank(context.Background(), "q", []string{"a"}, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}

func TestRerankServerErrorSurfacesAfterRetries(t *testing.T) {
	calls := 0
	client := newTestRerankerClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.Rerank(context.Background(), "q", []string{"a"}, 1)
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}
