// Package metrics exposes the service's Prometheus collectors and the
// hook implementations consumed by the pipeline, retrieval engine,
// model clients, and conversation manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// Collector bundles every metric the service records.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	RequestDuration *prometheus.HistogramVec

	// Ingestion pipeline
	IngestStageDuration *prometheus.HistogramVec
	DocumentsFinished   *prometheus.CounterVec

	// Retrieval engine
	RetrievalDuration *prometheus.HistogramVec
	ChannelsDegraded  *prometheus.CounterVec

	// Model clients
	ModelCallDuration *prometheus.HistogramVec
	PromptTokens      *prometheus.CounterVec
	CompletionTokens  *prometheus.CounterVec

	// Conversations and workflows
	ActiveSessions prometheus.Gauge
	WorkflowRuns   *prometheus.CounterVec
}

// NewCollector creates and registers the collectors on a private
// registry, so tests can build collectors freely.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		IngestStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Duration of each ingestion pipeline stage",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 180},
			},
			[]string{"stage"},
		),
		DocumentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_documents_total",
				Help: "Documents that finished ingestion, by terminal status",
			},
			[]string{"status"},
		),
		RetrievalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrieval_duration_seconds",
				Help:    "End-to-end retrieval latency",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),
		ChannelsDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrieval_channels_degraded_total",
				Help: "Retrieval channels dropped from a response",
			},
			[]string{"channel"},
		),
		ModelCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "model_call_duration_seconds",
				Help:    "Model API call latency",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"client", "model", "outcome"},
		),
		PromptTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_prompt_tokens_total",
				Help: "Prompt tokens consumed",
			},
			[]string{"client", "model"},
		),
		CompletionTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_completion_tokens_total",
				Help: "Completion tokens consumed",
			},
			[]string{"client", "model"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conversation_active_sessions",
				Help: "Conversation sessions held in memory",
			},
		),
		WorkflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_runs_total",
				Help: "Workflow runs by workflow and terminal status",
			},
			[]string{"workflow", "status"},
		),
	}

	c.registry.MustRegister(
		c.RequestDuration,
		c.IngestStageDuration,
		c.DocumentsFinished,
		c.RetrievalDuration,
		c.ChannelsDegraded,
		c.ModelCallDuration,
		c.PromptTokens,
		c.CompletionTokens,
		c.ActiveSessions,
		c.WorkflowRuns,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, path, status string, elapsed time.Duration) {
	c.RequestDuration.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
}

// ObserveIngestStage implements the ingest pipeline's metrics hook.
func (c *Collector) ObserveIngestStage(stage string, elapsed time.Duration) {
	c.IngestStageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// DocumentFinished implements the ingest pipeline's metrics hook.
func (c *Collector) DocumentFinished(status string) {
	c.DocumentsFinished.WithLabelValues(status).Inc()
}

// ObserveRetrieval implements the retrieval engine's metrics hook.
func (c *Collector) ObserveRetrieval(mode string, elapsed time.Duration) {
	c.RetrievalDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ChannelDegraded implements the retrieval engine's metrics hook.
func (c *Collector) ChannelDegraded(channel string) {
	c.ChannelsDegraded.WithLabelValues(channel).Inc()
}

// RecordModelCall implements llm.UsageRecorder, feeding the model-call
// histogram and the token counters.
func (c *Collector) RecordModelCall(client, model, outcome string, elapsed time.Duration, usage models.TokenUsage) {
	c.ModelCallDuration.WithLabelValues(client, model, outcome).Observe(elapsed.Seconds())
	if usage.PromptTokens > 0 {
		c.PromptTokens.WithLabelValues(client, model).Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.CompletionTokens.WithLabelValues(client, model).Add(float64(usage.CompletionTokens))
	}
}

// SessionOpened implements the conversation manager's metrics hook.
func (c *Collector) SessionOpened() {
	c.ActiveSessions.Inc()
}

// SessionClosed implements the conversation manager's metrics hook.
func (c *Collector) SessionClosed() {
	c.ActiveSessions.Dec()
}

// WorkflowFinished implements the orchestrator's metrics hook.
func (c *Collector) WorkflowFinished(workflow, status string) {
	c.WorkflowRuns.WithLabelValues(workflow, status).Inc()
}
