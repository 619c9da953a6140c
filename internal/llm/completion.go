package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// CompletionConfig configures the chat completion client.
type CompletionConfig struct {
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key,omitempty"`
	Model         string        `json:"model"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens"`
	MaxConcurrent int           `json:"max_concurrent"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultCompletionConfig returns default configuration.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{
		BaseURL:       "http://localhost:8000/v1",
		Model:         "qwen2.5-72b-instruct",
		Temperature:   0.3,
		MaxTokens:     2048,
		MaxConcurrent: 8,
		Timeout:       120 * time.Second,
	}
}

// CompletionClient calls an OpenAI-compatible /chat/completions endpoint.
type CompletionClient struct {
	apiClient
	temperature float64
	maxTokens   int
}

// NewCompletionClient creates a completion client.
func NewCompletionClient(config CompletionConfig, usage UsageRecorder, logger *logrus.Logger) *CompletionClient {
	return &CompletionClient{
		apiClient: newAPIClient("llm", config.BaseURL, config.APIKey, config.Model,
			config.Timeout, config.MaxConcurrent, usage, logger),
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type chatStreamResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Delta        ChatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage"`
}

func (c *CompletionClient) buildRequest(req CompletionRequest, stream bool) chatRequest {
	apiReq := chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if req.Temperature > 0 {
		apiReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		apiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return apiReq
}

// Complete sends a synchronous completion request.
func (c *CompletionClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.InvalidInput("completion request has no messages")
	}

	var result *Completion
	usage := models.TokenUsage{}
	err := c.call(ctx, "complete", &usage, func() error {
		var resp chatResponse
		if err := c.postJSON(ctx, "/chat/completions", c.buildRequest(req, false), &resp); err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return apperr.Permanent("completion response has no choices", nil)
		}
		choice := resp.Choices[0]
		usage = resp.Usage.toModel()
		result = &Completion{
			Content:      choice.Message.Content,
			FinishReason: choice.FinishReason,
			Model:        resp.Model,
			Usage:        usage,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteStream sends a streaming completion request. Deltas arrive on the
// returned channel; the final delta carries the finish reason (and usage
// when the backend reports it) and the channel closes after it. Cancelling
// ctx aborts the stream promptly.
func (c *CompletionClient) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.InvalidInput("completion request has no messages")
	}

	if err := c.sem.Acquire(ctx); err != nil {
		return nil, apperr.Cancelled("stream queue wait cancelled", err)
	}

	resp, err := c.openStream(ctx, c.buildRequest(req, true))
	if err != nil {
		c.sem.Release()
		return nil, err
	}

	ch := make(chan StreamDelta)
	start := time.Now()
	go func() {
		defer c.sem.Release()
		defer func() { _ = resp.Body.Close() }()
		defer close(ch)

		usage := models.TokenUsage{}
		outcome := OutcomeOK
		defer func() {
			c.usage.RecordModelCall(c.name, c.model, outcome, time.Since(start), usage)
		}()

		reader := bufio.NewReader(resp.Body)
		finishReason := ""
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if ctx.Err() != nil {
					outcome = OutcomeCancelled
					c.emit(ctx, ch, StreamDelta{Err: apperr.Cancelled("stream cancelled", ctx.Err())})
					return
				}
				if err == io.EOF {
					// stream ended without [DONE]; surface what we have
					c.emit(ctx, ch, StreamDelta{FinishReason: finishReason, Usage: &usage})
					return
				}
				outcome = OutcomeError
				c.emit(ctx, ch, StreamDelta{Err: apperr.Transient("stream read failed", err)})
				return
			}

			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			line = bytes.TrimPrefix(line, []byte("data: "))

			if string(line) == "[DONE]" {
				if finishReason == "" {
					finishReason = "stop"
				}
				c.emit(ctx, ch, StreamDelta{FinishReason: finishReason, Usage: &usage})
				return
			}

			var chunk chatStreamResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = chunk.Usage.toModel()
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				if !c.emit(ctx, ch, StreamDelta{Content: choice.Delta.Content}) {
					outcome = OutcomeCancelled
					return
				}
			}
		}
	}()

	return ch, nil
}

// emit sends a delta unless the consumer is gone.
func (c *CompletionClient) emit(ctx context.Context, ch chan<- StreamDelta, d StreamDelta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// openStream establishes the streaming response, retrying transient
// failures of the initial request. Once the stream is open it is not
// re-established.
func (c *CompletionClient) openStream(ctx context.Context, apiReq chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperr.Permanent("failed to encode request", err)
	}

	var resp *http.Response
	err = ExecuteWithRetry(ctx, c.retry, "open stream", func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return apperr.Permanent("failed to build request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		r, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return apperr.Cancelled("stream request cancelled", ctx.Err())
			}
			return apperr.Transient("stream request failed", err)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			_ = r.Body.Close()
			return c.statusError(r.StatusCode, body)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{"model": c.model}).Debug("completion stream opened")
	return resp, nil
}
