// ragcore is the RAG service binary: document ingestion, hybrid
// retrieval, conversations, and agent workflows behind one HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/agentic"
	"github.com/ruochenliao/ai-training-course-sub005/internal/cache"
	"github.com/ruochenliao/ai-training-course-sub005/internal/config"
	"github.com/ruochenliao/ai-training-course-sub005/internal/conversation"
	"github.com/ruochenliao/ai-training-course-sub005/internal/database"
	"github.com/ruochenliao/ai-training-course-sub005/internal/handlers"
	"github.com/ruochenliao/ai-training-course-sub005/internal/ingest"
	"github.com/ruochenliao/ai-training-course-sub005/internal/knowledge"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/observability/metrics"
	"github.com/ruochenliao/ai-training-course-sub005/internal/rag"
	"github.com/ruochenliao/ai-training-course-sub005/internal/router"
	"github.com/ruochenliao/ai-training-course-sub005/internal/storage/minio"
	"github.com/ruochenliao/ai-training-course-sub005/internal/vectordb/qdrant"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg.Monitoring)
	ctx := context.Background()

	// Postgres
	pool, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer pool.Close()

	kbRepo := database.NewKnowledgeBaseRepository(pool, logger)
	docRepo := database.NewDocumentRepository(pool, logger)
	chunkRepo := database.NewChunkRepository(pool, logger)
	convRepo := database.NewConversationRepository(pool, logger)
	runRepo := database.NewWorkflowRunRepository(pool, logger)

	// Qdrant
	vectors, err := qdrant.NewClient(&qdrant.Config{
		Host:           cfg.Qdrant.Host,
		HTTPPort:       cfg.Qdrant.Port,
		APIKey:         cfg.Qdrant.APIKey,
		Timeout:        cfg.Qdrant.Timeout,
		ScoreThreshold: cfg.Qdrant.ScoreThreshold,
		WithPayload:    true,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build Qdrant client")
	}
	if err := vectors.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Qdrant")
	}
	defer func() { _ = vectors.Close() }()

	// Neo4j (optional)
	var graphStore *knowledge.Store
	if cfg.Neo4j.Enabled {
		graphStore, err = knowledge.NewStore(&knowledge.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
			Timeout:  cfg.Neo4j.Timeout,
			MaxHops:  cfg.Retrieval.GraphMaxHops,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build Neo4j store")
		}
		if err := graphStore.Connect(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to connect to Neo4j")
		}
		defer func() { _ = graphStore.Close(ctx) }()
	}

	// Redis (optional; the cache is nil-safe when disabled)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	cacheStore := cache.New(redisClient, logger)
	defer func() { _ = cacheStore.Close() }()
	if cacheStore.Enabled() {
		if err := cacheStore.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup, continuing without warm cache")
		}
	}

	// MinIO (optional)
	var blobStore *minio.Client
	if cfg.Minio.Enabled {
		blobStore, err = minio.NewClient(&minio.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build MinIO client")
		}
		if err := blobStore.Connect(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to connect to MinIO")
		}
		defer func() { _ = blobStore.Close() }()
	}

	// Metrics + model clients
	collector := metrics.NewCollector()

	embedder := llm.NewEmbeddingClient(llm.EmbeddingConfig{
		BaseURL:       cfg.Models.Embedding.BaseURL,
		APIKey:        cfg.Models.Embedding.APIKey,
		Model:         cfg.Models.Embedding.Model,
		Dimension:     cfg.Models.Embedding.Dimension,
		BatchSize:     cfg.Models.Embedding.BatchSize,
		MaxChars:      cfg.Models.Embedding.MaxChars,
		MaxConcurrent: cfg.Models.Embedding.MaxConcurrent,
		Timeout:       cfg.Models.Embedding.Timeout,
	}, collector, logger)

	completer := llm.NewCompletionClient(llm.CompletionConfig{
		BaseURL:       cfg.Models.LLM.BaseURL,
		APIKey:        cfg.Models.LLM.APIKey,
		Model:         cfg.Models.LLM.Model,
		MaxConcurrent: cfg.Models.LLM.MaxConcurrent,
		Timeout:       cfg.Models.LLM.Timeout,
		Temperature:   cfg.Models.LLM.Temperature,
		MaxTokens:     cfg.Models.LLM.MaxTokens,
	}, collector, logger)

	var reranker llm.Reranker
	if cfg.Models.Reranker.Enabled {
		reranker = llm.NewRerankerClient(llm.RerankerConfig{
			BaseURL:       cfg.Models.Reranker.BaseURL,
			APIKey:        cfg.Models.Reranker.APIKey,
			Model:         cfg.Models.Reranker.Model,
			MaxConcurrent: cfg.Models.Reranker.MaxConcurrent,
			Timeout:       cfg.Models.Reranker.Timeout,
		}, collector, logger)
	}

	var vision llm.VisionDescriber
	if cfg.Models.Vision.Enabled {
		vision = llm.NewVisionClient(llm.VisionConfig{
			BaseURL:       cfg.Models.Vision.BaseURL,
			APIKey:        cfg.Models.Vision.APIKey,
			Model:         cfg.Models.Vision.Model,
			MaxConcurrent: cfg.Models.Vision.MaxConcurrent,
			Timeout:       cfg.Models.Vision.Timeout,
		}, collector, logger)
	}

	// Ingestion pipeline
	pipelineDeps := ingest.Deps{
		Documents:      docRepo,
		Chunks:         chunkRepo,
		KnowledgeBases: kbRepo,
		Vectors:        vectors,
		Cache:          cacheStore,
		Embedder:       embedder,
		Vision:         vision,
		Metrics:        collector,
	}
	if graphStore != nil {
		pipelineDeps.Graph = graphStore
	}
	if blobStore != nil {
		pipelineDeps.Blobs = blobStore
	}
	pipeline, err := ingest.NewPipeline(cfg.Ingest, pipelineDeps, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build ingestion pipeline")
	}

	// Retrieval engine
	engineDeps := rag.Deps{
		Vectors:   vectors,
		Sparse:    chunkRepo,
		Chunks:    chunkRepo,
		Embedder:  embedder,
		Reranker:  reranker,
		Completer: completer,
		Cache:     cacheStore,
		Metrics:   collector,
	}
	if graphStore != nil {
		engineDeps.Graph = graphStore
	}
	engine, err := rag.NewEngine(cfg.Retrieval, engineDeps, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build retrieval engine")
	}

	// Orchestrator + conversations
	orch, err := agentic.NewOrchestrator(agentic.DefaultConfig(), engine, completer, runRepo, logger, collector)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build orchestrator")
	}

	sessions, err := conversation.NewManager(cfg.Conversation, convRepo, orch, completer, logger, collector)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build conversation manager")
	}

	// HTTP surface
	readiness := map[string]handlers.Pinger{
		"postgres": handlers.PingerFunc(func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		}),
		"qdrant": vectors,
	}
	if graphStore != nil {
		readiness["neo4j"] = graphStore
	}
	if cacheStore.Enabled() {
		readiness["redis"] = handlers.PingerFunc(cacheStore.Ping)
	}
	if blobStore != nil {
		readiness["minio"] = blobStore
	}

	var graphCleaner handlers.GraphCleaner
	if graphStore != nil {
		graphCleaner = graphStore
	}
	engineHandlers := router.Handlers{
		KnowledgeBases: handlers.NewKnowledgeBaseHandler(kbRepo, vectors, graphCleaner, cacheStore, logger),
		Documents:      handlers.NewDocumentHandler(pipeline, docRepo, logger),
		Search:         handlers.NewSearchHandler(engine),
		Conversations:  handlers.NewConversationHandler(sessions, logger),
		Agent:          handlers.NewAgentHandler(orch),
		Health:         handlers.NewHealthHandler(readiness, logger),
		Metrics:        collector.Handler(),
	}
	r := router.New(cfg.Server, cfg.Monitoring, engineHandlers, logger, collector)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Forced server shutdown")
	}
	sessions.Close()
	pipeline.Close()
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.MonitoringConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
