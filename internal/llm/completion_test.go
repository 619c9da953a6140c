package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

func newTestCompletionClient(t *testing.T, handler http.HandlerFunc) *CompletionClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultCompletionConfig()
	cfg.BaseURL = server.URL
	client := NewCompletionClient(cfg, nil, nil)
	client.retry = fastRetryConfig()
	return client
}

func TestCompleteReturnsContentAndUsage(t *testing.T) {
	client := newTestCompletionClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		resp := map[string]interface{}{
			"id":    "cmpl-1",
			"model": "test-model",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "the answer"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	result, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "question"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 14, result.Usage.TotalTokens)
}

func TestCompleteNoMessages(t *testing.T) {
	client := newTestCompletionClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCompleteJSONModeSetsResponseFormat(t *testing.T) {
	client := newTestCompletionClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message":       map[string]string{"role": "assistant", "content": "{}"},
				"finish_reason": "stop",
			}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	_, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "q"}},
		JSONMode: true,
	})
	require.NoError(t, err)
}

func streamingHandler(t *testing.T, chunks []string, perChunkDelay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		for _, content := range chunks {
			chunk := map[string]interface{}{
				"id": "s1",
				"choices": []map[string]interface{}{{
					"index": 0,
					"delta": map[string]string{"content": content},
				}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if perChunkDelay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(perChunkDelay):
				}
			}
		}

		final := map[string]interface{}{
			"id": "s1",
			"choices": []map[string]interface{}{{
				"index":         0,
				"delta":         map[string]string{},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 3, "total_tokens": 6},
		}
		data, _ := json.Marshal(final)
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func TestCompleteStreamDeliversDeltasInOrder(t *testing.T) {
	client := newTestCompletionClient(t, streamingHandler(t, []string{"Hel", "lo ", "world"}, 0))

	ch, err := client.CompleteStream(context.Background(), CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var content string
	var finish string
	var sawUsage bool
	for delta := range ch {
		require.NoError(t, delta.Err)
		content += delta.Content
		if delta.FinishReason != "" {
			finish = delta.FinishReason
		}
		if delta.Usage != nil && delta.Usage.TotalTokens > 0 {
			sawUsage = true
		}
	}
	assert.Equal(t, "Hello world", content)
	assert.Equal(t, "stop", finish)
	assert.True(t, sawUsage)
}

func TestCompleteStreamCancellationStopsPromptly(t *testing.T) {
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = "x"
	}
	client := newTestCompletionClient(t, streamingHandler(t, chunks, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.CompleteStream(ctx, CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	// consume a couple of deltas, then cancel
	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("stream did not terminate within 100ms of cancellation")
	}
}

func TestCompleteStreamErrorStatus(t *testing.T) {
	client := newTestCompletionClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := client.CompleteStream(context.Background(), CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}

func TestCompleteStreamReleasesSemaphore(t *testing.T) {
	client := newTestCompletionClient(t, streamingHandler(t, []string{"a"}, 0))

	for i := 0; i < 3; i++ {
		ch, err := client.CompleteStream(context.Background(), CompletionRequest{
			Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		})
		require.NoError(t, err)
		for range ch {
		}
	}
	assert.Eventually(t, func() bool { return client.sem.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
}
