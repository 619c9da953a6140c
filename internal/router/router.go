// Package router assembles the gin engine: middleware chain, API
// routes, and the operational endpoints.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/config"
	"github.com/ruochenliao/ai-training-course-sub005/internal/handlers"
	"github.com/ruochenliao/ai-training-course-sub005/internal/middleware"
)

// Handlers carries the route handlers the router mounts.
type Handlers struct {
	KnowledgeBases *handlers.KnowledgeBaseHandler
	Documents      *handlers.DocumentHandler
	Search         *handlers.SearchHandler
	Conversations  *handlers.ConversationHandler
	Agent          *handlers.AgentHandler
	Health         *handlers.HealthHandler

	// Metrics serves the Prometheus exposition endpoint. Optional.
	Metrics http.Handler
}

// Observer is the per-request metrics hook fed by the logging
// middleware.
type Observer = middleware.RequestObserver

// New builds the configured engine.
func New(cfg config.ServerConfig, monitoring config.MonitoringConfig, h Handlers, logger *logrus.Logger, observer Observer) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	if cfg.RequestLogging {
		r.Use(middleware.RequestLogger(logger, observer))
	}

	r.GET("/health", h.Health.Health)
	r.GET("/ready", h.Health.Ready)
	if monitoring.MetricsEnabled && h.Metrics != nil {
		path := monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(h.Metrics))
	}

	api := r.Group("/api/v1")
	{
		kb := api.Group("/knowledge-bases")
		{
			kb.POST("", h.KnowledgeBases.Create)
			kb.GET("", h.KnowledgeBases.List)
			kb.GET("/:id", h.KnowledgeBases.Get)
			kb.DELETE("/:id", h.KnowledgeBases.Delete)

			kb.POST("/:id/documents", h.Documents.Upload)
			kb.GET("/:id/documents", h.Documents.List)
		}

		docs := api.Group("/documents")
		{
			docs.GET("/:docID", h.Documents.Get)
			docs.GET("/:docID/progress", h.Documents.Progress)
			docs.POST("/:docID/reingest", h.Documents.Reingest)
			docs.DELETE("/:docID", h.Documents.Delete)
		}

		api.POST("/search", h.Search.Search)

		conv := api.Group("/conversations")
		{
			conv.POST("", h.Conversations.Create)
			conv.GET("/:id", h.Conversations.Get)
			conv.DELETE("/:id", h.Conversations.Delete)
			conv.POST("/:id/messages", h.Conversations.Ask)
			conv.GET("/:id/messages", h.Conversations.ListMessages)
		}

		agent := api.Group("/agent")
		{
			agent.POST("/run", h.Agent.Run)
			agent.GET("/runs/:id", h.Agent.GetRun)
			agent.GET("/workflows", h.Agent.Workflows)
			agent.POST("/recommend", h.Agent.Recommend)
		}
	}

	return r
}
