package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/concurrency"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// apiClient is the shared transport for all model clients: auth, JSON
// encoding, status-to-kind mapping, retry, concurrency bounding, and
// usage accounting.
type apiClient struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retry      RetryConfig
	sem        *concurrency.Semaphore
	usage      UsageRecorder
	logger     *logrus.Logger
}

func newAPIClient(name, baseURL, apiKey, model string, timeout time.Duration, maxConcurrent int, usage UsageRecorder, logger *logrus.Logger) apiClient {
	if logger == nil {
		logger = logrus.New()
	}
	if usage == nil {
		usage = nopUsageRecorder{}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return apiClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig(),
		sem:        concurrency.NewSemaphore(maxConcurrent),
		usage:      usage,
		logger:     logger,
	}
}

// postJSON sends one request and decodes the response into out. It maps
// HTTP statuses onto the error taxonomy; retry decisions happen above it.
func (c *apiClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return apperr.Permanent("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Permanent("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Cancelled(c.name+" request cancelled", ctx.Err())
		}
		return apperr.Transient(c.name+" request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(c.name+" response read failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return apperr.Permanent(c.name+" response parse failed", err)
		}
	}
	return nil
}

func (c *apiClient) statusError(status int, body []byte) error {
	msg := fmt.Sprintf("%s API error: %d - %s", c.name, status, truncate(string(body), 200))
	switch {
	case status == http.StatusUnauthorized:
		return apperr.Unauthorized(msg)
	case status == http.StatusForbidden:
		return apperr.Forbidden(msg)
	case IsRetryableStatusCode(status):
		return apperr.Transientf("%s", msg)
	default:
		return apperr.Permanent(msg, nil)
	}
}

// call wraps one logical operation: semaphore slot, retries, usage report.
func (c *apiClient) call(ctx context.Context, op string, usage *models.TokenUsage, fn func() error) error {
	if err := c.sem.Acquire(ctx); err != nil {
		return apperr.Cancelled(op+" queue wait cancelled", err)
	}
	defer c.sem.Release()

	start := time.Now()
	err := ExecuteWithRetry(ctx, c.retry, op, fn)

	outcome := OutcomeOK
	switch {
	case apperr.IsKind(err, apperr.KindCancelled):
		outcome = OutcomeCancelled
	case err != nil:
		outcome = OutcomeError
	}
	var u models.TokenUsage
	if usage != nil {
		u = *usage
	}
	c.usage.RecordModelCall(c.name, c.model, outcome, time.Since(start), u)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// apiUsage is the OpenAI-compatible usage envelope.
type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u apiUsage) toModel() models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
