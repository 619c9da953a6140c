package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

func newTestEmbeddingClient(t *testing.T, handler http.HandlerFunc) (*EmbeddingClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultEmbeddingConfig()
	cfg.BaseURL = server.URL
	cfg.Dimension = 3
	cfg.BatchSize = 2
	client := NewEmbeddingClient(cfg, nil, nil)
	client.retry = fastRetryConfig()
	return client, server
}

func embeddingHandler(t *testing.T, vectorFor func(i int, text string) []float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]interface{}{"usage": map[string]int{"prompt_tokens": 5, "total_tokens": 5}}
		data := make([]map[string]interface{}, 0, len(req.Input))
		// reversed order exercises index-based placement
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"index":     i,
				"embedding": vectorFor(i, req.Input[i]),
			})
		}
		resp["data"] = data
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	client, _ := newTestEmbeddingClient(t, embeddingHandler(t, func(i int, text string) []float32 {
		return []float32{float32(len(text)), 0, 0}
	}))

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := client.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	// length signal survives normalization only as non-zero first component
	for i, v := range vectors {
		require.Len(t, v, 3, "vector %d", i)
		assert.Positive(t, v[0], "vector %d should encode text %q", i, texts[i])
	}
}

func TestEmbedNormalizesL2(t *testing.T) {
	client, _ := newTestEmbeddingClient(t, embeddingHandler(t, func(int, string) []float32 {
		return []float32{3, 4, 0}
	}))

	vectors, err := client.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)

	var norm float64
	for _, x := range vectors[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	assert.InDelta(t, 0.6, float64(vectors[0][0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vectors[0][1]), 1e-6)
}

func TestEmbedRebatchesLargeInput(t *testing.T) {
	var calls int32
	client, _ := newTestEmbeddingClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		embeddingHandler(t, func(int, string) []float32 { return []float32{1, 0, 0} })(w, r)
	})

	_, err := client.Embed(context.Background(), []string{"1", "2", "3", "4", "5"})
	require.NoError(t, err)
	// batch size 2 → ceil(5/2) = 3 calls
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedTruncatesOverlongText(t *testing.T) {
	var sent []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &req))
		sent = append(sent, req.Input...)
		r.Body = io.NopCloser(bytes.NewReader(body))
		embeddingHandler(t, func(int, string) []float32 { return []float32{1, 0, 0} })(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := DefaultEmbeddingConfig()
	cfg.BaseURL = server.URL
	cfg.Dimension = 3
	cfg.MaxChars = 10
	client := NewEmbeddingClient(cfg, nil, nil)
	client.retry = fastRetryConfig()

	long := strings.Repeat("宽", 25)
	vectors, err := client.Embed(context.Background(), []string{"short", long})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	require.Len(t, sent, 2)
	assert.Equal(t, "short", sent[0])
	assert.Equal(t, strings.Repeat("宽", 10), sent[1], "cap counts runes, not bytes")
}

func TestEmbedEmptyInputMakesNoCall(t *testing.T) {
	var calls int32
	client, _ := newTestEmbeddingClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	vectors, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var calls int32
	client, _ := newTestEmbeddingClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		embeddingHandler(t, func(int, string) []float32 { return []float32{1, 0, 0} })(w, r)
	})

	vectors, err := client.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	client, _ := newTestEmbeddingClient(t, embeddingHandler(t, func(int, string) []float32 {
		return []float32{1, 2} // configured dimension is 3
	}))

	_, err := client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}

type recordingUsage struct {
	calls  int32
	tokens int32
}

func (r *recordingUsage) RecordModelCall(client, model, outcome string, elapsed time.Duration, usage models.TokenUsage) {
	atomic.AddInt32(&r.calls, 1)
	atomic.AddInt32(&r.tokens, int32(usage.TotalTokens))
}

func TestEmbedReportsUsage(t *testing.T) {
	rec := &recordingUsage{}
	server := httptest.NewServer(embeddingHandler(t, func(int, string) []float32 { return []float32{1, 0, 0} }))
	t.Cleanup(server.Close)

	cfg := DefaultEmbeddingConfig()
	cfg.BaseURL = server.URL
	cfg.Dimension = 3
	client := NewEmbeddingClient(cfg, rec, nil)
	client.retry = fastRetryConfig()

	_, err := client.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.calls))
	assert.Equal(t, int32(5), atomic.LoadInt32(&rec.tokens))
}
