// Package config loads service configuration from the environment with an
// optional YAML overlay. Components receive their sub-config; nothing else
// reads the environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Qdrant       QdrantConfig       `yaml:"qdrant"`
	Neo4j        Neo4jConfig        `yaml:"neo4j"`
	Redis        RedisConfig        `yaml:"redis"`
	Minio        MinioConfig        `yaml:"minio"`
	Models       ModelsConfig       `yaml:"models"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Conversation ConversationConfig `yaml:"conversation"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	Mode           string        `yaml:"mode"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	RequestLogging bool          `yaml:"request_logging"`
}

type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Name           string        `yaml:"name"`
	SSLMode        string        `yaml:"ssl_mode"`
	MaxConnections int           `yaml:"max_connections"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
}

// ConnectionString builds a pgx-compatible DSN.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type QdrantConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	ScoreThreshold float32       `yaml:"score_threshold"`
}

type Neo4jConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URI      string        `yaml:"uri"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Addr returns host:port for the go-redis client.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type MinioConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ModelsConfig struct {
	Embedding ModelEndpointConfig `yaml:"embedding"`
	Reranker  ModelEndpointConfig `yaml:"reranker"`
	LLM       ModelEndpointConfig `yaml:"llm"`
	Vision    ModelEndpointConfig `yaml:"vision"`
}

// ModelEndpointConfig configures one OpenAI-compatible model endpoint.
type ModelEndpointConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Dimension     int           `yaml:"dimension"`
	BatchSize     int           `yaml:"batch_size"`
	MaxChars      int           `yaml:"max_chars"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
}

type IngestConfig struct {
	MaxFileSizeBytes  int64    `yaml:"max_file_size_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	QueueSize         int      `yaml:"queue_size"`
	ChunkSize         int      `yaml:"chunk_size"`
	ChunkOverlap      int      `yaml:"chunk_overlap"`
	MaxChunkSize      int      `yaml:"max_chunk_size"`
	EmbedBatchSize    int      `yaml:"embed_batch_size"`
	VisionCaptions    bool     `yaml:"vision_captions"`
}

type RetrievalConfig struct {
	TopK                int           `yaml:"top_k"`
	RRFK                int           `yaml:"rrf_k"`
	PreRerankMultiplier int           `yaml:"pre_rerank_multiplier"`
	PreRerankCap        int           `yaml:"pre_rerank_cap"`
	ChannelTimeout      time.Duration `yaml:"channel_timeout"`
	DenseWeight         float64       `yaml:"dense_weight"`
	SparseWeight        float64       `yaml:"sparse_weight"`
	GraphWeight         float64       `yaml:"graph_weight"`
	GraphMaxHops        int           `yaml:"graph_max_hops"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	MaxExpansions       int           `yaml:"max_expansions"`
	ExpansionWeight     float64       `yaml:"expansion_weight"`
}

type ConversationConfig struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`
	GCInterval    time.Duration `yaml:"gc_interval"`
	HistoryWindow int           `yaml:"history_window"`
}

type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// Load builds the configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			Mode:           getEnv("GIN_MODE", "release"),
			ReadTimeout:    getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 0),
			ShutdownGrace:  getDurationEnv("SHUTDOWN_GRACE", 10*time.Second),
			RequestLogging: getBoolEnv("REQUEST_LOGGING", true),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "ragcore"),
			Password:       getEnv("DB_PASSWORD", "secret"),
			Name:           getEnv("DB_NAME", "ragcore"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getIntEnv("DB_MAX_CONNECTIONS", 20),
			ConnTimeout:    getDurationEnv("DB_CONN_TIMEOUT", 10*time.Second),
		},
		Qdrant: QdrantConfig{
			Host:           getEnv("QDRANT_HOST", "localhost"),
			Port:           getIntEnv("QDRANT_PORT", 6333),
			APIKey:         getEnv("QDRANT_API_KEY", ""),
			Timeout:        getDurationEnv("QDRANT_TIMEOUT", 30*time.Second),
			ScoreThreshold: float32(getFloatEnv("QDRANT_SCORE_THRESHOLD", 0.0)),
		},
		Neo4j: Neo4jConfig{
			Enabled:  getBoolEnv("NEO4J_ENABLED", true),
			URI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
			Username: getEnv("NEO4J_USERNAME", "neo4j"),
			Password: getEnv("NEO4J_PASSWORD", "password"),
			Database: getEnv("NEO4J_DATABASE", "neo4j"),
			Timeout:  getDurationEnv("NEO4J_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
			Timeout:  getDurationEnv("REDIS_TIMEOUT", 5*time.Second),
		},
		Minio: MinioConfig{
			Enabled:   getBoolEnv("MINIO_ENABLED", false),
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "ragcore-documents"),
			UseSSL:    getBoolEnv("MINIO_USE_SSL", false),
		},
		Models: ModelsConfig{
			Embedding: ModelEndpointConfig{
				Enabled:       true,
				BaseURL:       getEnv("EMBEDDING_BASE_URL", "http://localhost:8001/v1"),
				APIKey:        getEnv("EMBEDDING_API_KEY", ""),
				Model:         getEnv("EMBEDDING_MODEL", "bge-m3"),
				Dimension:     getIntEnv("EMBEDDING_DIM", 1024),
				BatchSize:     getIntEnv("EMBEDDING_BATCH_SIZE", 64),
				MaxChars:      getIntEnv("EMBEDDING_MAX_CHARS", 8192),
				MaxConcurrent: getIntEnv("EMBEDDING_MAX_CONCURRENT", 8),
				Timeout:       getDurationEnv("EMBEDDING_TIMEOUT", 30*time.Second),
			},
			Reranker: ModelEndpointConfig{
				Enabled:       getBoolEnv("RERANKER_ENABLED", true),
				BaseURL:       getEnv("RERANKER_BASE_URL", "http://localhost:8002/v1"),
				APIKey:        getEnv("RERANKER_API_KEY", ""),
				Model:         getEnv("RERANKER_MODEL", "bge-reranker-v2-m3"),
				MaxConcurrent: getIntEnv("RERANKER_MAX_CONCURRENT", 8),
				Timeout:       getDurationEnv("RERANKER_TIMEOUT", 30*time.Second),
			},
			LLM: ModelEndpointConfig{
				Enabled:       true,
				BaseURL:       getEnv("LLM_BASE_URL", "http://localhost:8000/v1"),
				APIKey:        getEnv("LLM_API_KEY", ""),
				Model:         getEnv("LLM_MODEL", "qwen2.5-72b-instruct"),
				MaxConcurrent: getIntEnv("LLM_MAX_CONCURRENT", 8),
				Timeout:       getDurationEnv("LLM_TIMEOUT", 120*time.Second),
				Temperature:   getFloatEnv("LLM_TEMPERATURE", 0.3),
				MaxTokens:     getIntEnv("LLM_MAX_TOKENS", 2048),
			},
			Vision: ModelEndpointConfig{
				Enabled:       getBoolEnv("VISION_ENABLED", false),
				BaseURL:       getEnv("VISION_BASE_URL", "http://localhost:8003/v1"),
				APIKey:        getEnv("VISION_API_KEY", ""),
				Model:         getEnv("VISION_MODEL", "qwen2.5-vl-7b-instruct"),
				MaxConcurrent: getIntEnv("VISION_MAX_CONCURRENT", 4),
				Timeout:       getDurationEnv("VISION_TIMEOUT", 60*time.Second),
			},
		},
		Ingest: IngestConfig{
			MaxFileSizeBytes:  getInt64Env("INGEST_MAX_FILE_SIZE", 20*1024*1024),
			AllowedExtensions: getEnvSlice("INGEST_ALLOWED_EXTENSIONS", []string{".txt", ".md", ".pdf", ".html", ".docx"}),
			MaxConcurrent:     getIntEnv("INGEST_MAX_CONCURRENT", 4),
			QueueSize:         getIntEnv("INGEST_QUEUE_SIZE", 32),
			ChunkSize:         getIntEnv("INGEST_CHUNK_SIZE", 1000),
			ChunkOverlap:      getIntEnv("INGEST_CHUNK_OVERLAP", 200),
			MaxChunkSize:      getIntEnv("INGEST_MAX_CHUNK_SIZE", 2000),
			EmbedBatchSize:    getIntEnv("INGEST_EMBED_BATCH_SIZE", 64),
			VisionCaptions:    getBoolEnv("INGEST_VISION_CAPTIONS", false),
		},
		Retrieval: RetrievalConfig{
			TopK:                getIntEnv("RETRIEVAL_TOP_K", 10),
			RRFK:                getIntEnv("RETRIEVAL_RRF_K", 60),
			PreRerankMultiplier: getIntEnv("RETRIEVAL_PRE_RERANK_MULTIPLIER", 3),
			PreRerankCap:        getIntEnv("RETRIEVAL_PRE_RERANK_CAP", 50),
			ChannelTimeout:      getDurationEnv("RETRIEVAL_CHANNEL_TIMEOUT", 5*time.Second),
			DenseWeight:         getFloatEnv("RETRIEVAL_DENSE_WEIGHT", 1.0),
			SparseWeight:        getFloatEnv("RETRIEVAL_SPARSE_WEIGHT", 1.0),
			GraphWeight:         getFloatEnv("RETRIEVAL_GRAPH_WEIGHT", 0.6),
			GraphMaxHops:        getIntEnv("RETRIEVAL_GRAPH_MAX_HOPS", 2),
			CacheTTL:            getDurationEnv("RETRIEVAL_CACHE_TTL", 60*time.Second),
			MaxExpansions:       getIntEnv("RETRIEVAL_MAX_EXPANSIONS", 3),
			ExpansionWeight:     getFloatEnv("RETRIEVAL_EXPANSION_WEIGHT", 0.3),
		},
		Conversation: ConversationConfig{
			SessionTTL:    getDurationEnv("SESSION_TTL", 30*time.Minute),
			GCInterval:    getDurationEnv("SESSION_GC_INTERVAL", time.Minute),
			HistoryWindow: getIntEnv("CONVERSATION_HISTORY_WINDOW", 10),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "text"),
		},
	}
}

// LoadWithFile loads from the environment, then overlays values from a YAML
// file when path is non-empty. File values win over environment values.
func LoadWithFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration and returns one error listing
// every violated rule.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port == "" {
		problems = append(problems, "server port is required")
	}
	if c.Database.Host == "" {
		problems = append(problems, "database host is required")
	}
	if c.Database.Name == "" {
		problems = append(problems, "database name is required")
	}
	if c.Qdrant.Host == "" {
		problems = append(problems, "qdrant host is required")
	}
	if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
		problems = append(problems, "qdrant port must be between 1 and 65535")
	}
	if c.Models.Embedding.BaseURL == "" {
		problems = append(problems, "embedding base_url is required")
	}
	if c.Models.Embedding.Dimension <= 0 {
		problems = append(problems, "embedding dimension must be positive")
	}
	if c.Models.LLM.BaseURL == "" {
		problems = append(problems, "llm base_url is required")
	}
	if c.Ingest.ChunkSize <= 0 {
		problems = append(problems, "ingest chunk_size must be positive")
	}
	if c.Ingest.ChunkOverlap < 0 {
		problems = append(problems, "ingest chunk_overlap cannot be negative")
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		problems = append(problems, "ingest chunk_overlap must be smaller than chunk_size")
	}
	if c.Ingest.MaxChunkSize < c.Ingest.ChunkSize {
		problems = append(problems, "ingest max_chunk_size must be at least chunk_size")
	}
	if c.Ingest.MaxConcurrent <= 0 {
		problems = append(problems, "ingest max_concurrent must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		problems = append(problems, "retrieval top_k must be positive")
	}
	if c.Retrieval.RRFK <= 0 {
		problems = append(problems, "retrieval rrf_k must be positive")
	}
	if c.Conversation.HistoryWindow <= 0 {
		problems = append(problems, "conversation history_window must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
