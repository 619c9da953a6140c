package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

func TestCollectorRecordsHooks(t *testing.T) {
	c := NewCollector()

	c.ObserveIngestStage("parse", 120*time.Millisecond)
	c.DocumentFinished(models.DocumentStatusCompleted)
	c.DocumentFinished(models.DocumentStatusCompleted)
	c.DocumentFinished(models.DocumentStatusFailed)

	c.ObserveRetrieval("hybrid", 80*time.Millisecond)
	c.ChannelDegraded("sparse")

	c.RecordModelCall("llm", "gpt-4o-mini", "ok", 300*time.Millisecond, models.TokenUsage{
		PromptTokens:     120,
		CompletionTokens: 45,
		TotalTokens:      165,
	})

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	c.WorkflowFinished("simple_qa", models.RunStatusCompleted)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.DocumentsFinished.WithLabelValues(models.DocumentStatusCompleted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DocumentsFinished.WithLabelValues(models.DocumentStatusFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ChannelsDegraded.WithLabelValues("sparse")))
	assert.Equal(t, float64(120), testutil.ToFloat64(c.PromptTokens.WithLabelValues("llm", "gpt-4o-mini")))
	assert.Equal(t, float64(45), testutil.ToFloat64(c.CompletionTokens.WithLabelValues("llm", "gpt-4o-mini")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ActiveSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.WorkflowRuns.WithLabelValues("simple_qa", models.RunStatusCompleted)))
}

func TestCollectorSkipsZeroTokenCounts(t *testing.T) {
	c := NewCollector()
	c.RecordModelCall("embedding", "bge-m3", "error", 50*time.Millisecond, models.TokenUsage{})

	assert.Equal(t, float64(0), testutil.ToFloat64(c.PromptTokens.WithLabelValues("embedding", "bge-m3")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.CompletionTokens.WithLabelValues("embedding", "bge-m3")))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveRequest("GET", "/api/v1/health", "200", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}

func TestIndependentCollectorsDoNotCollide(t *testing.T) {
	// Each collector owns its registry, so building two must not panic.
	require.NotPanics(t, func() {
		_ = NewCollector()
		_ = NewCollector()
	})
}
