package qdrant

import (
	"fmt"
	"time"
)

// Config holds Qdrant connection settings
type Config struct {
	Host           string        `yaml:"host" json:"host"`
	HTTPPort       int           `yaml:"http_port" json:"http_port"`
	APIKey         string        `yaml:"api_key" json:"api_key"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	DefaultLimit   int           `yaml:"default_limit" json:"default_limit"`
	ScoreThreshold float32       `yaml:"score_threshold" json:"score_threshold"`
	WithPayload    bool          `yaml:"with_payload" json:"with_payload"`
	WithVectors    bool          `yaml:"with_vectors" json:"with_vectors"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		HTTPPort:       6333,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
		DefaultLimit:   10,
		ScoreThreshold: 0.0,
		WithPayload:    true,
		WithVectors:    false,
	}
}

// Validate checks the config for errors
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.DefaultLimit < 1 {
		return fmt.Errorf("default_limit must be at least 1")
	}
	return nil
}

// GetHTTPURL returns the base HTTP URL
func (c *Config) GetHTTPURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.HTTPPort)
}

// CollectionName returns the collection holding a knowledge base's
// vectors. One collection per knowledge base.
func CollectionName(kbID string) string {
	return "kb_" + kbID
}

// Distance is a vector distance metric
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceEuclid Distance = "Euclid"
	DistanceDot    Distance = "Dot"
)

// CollectionConfig describes a vector collection
type CollectionConfig struct {
	Name              string   `json:"name"`
	VectorSize        int      `json:"vector_size"`
	Distance          Distance `json:"distance"`
	OnDiskPayload     bool     `json:"on_disk_payload"`
	IndexingThreshold int      `json:"indexing_threshold"`
	ReplicationFactor int      `json:"replication_factor"`
	ShardNumber       int      `json:"shard_number"`
}

// DefaultCollectionConfig returns a collection config with sensible defaults
func DefaultCollectionConfig(name string, vectorSize int) *CollectionConfig {
	return &CollectionConfig{
		Name:              name,
		VectorSize:        vectorSize,
		Distance:          DistanceCosine,
		IndexingThreshold: 20000,
		ReplicationFactor: 1,
		ShardNumber:       1,
	}
}

// Validate checks the collection config for errors
func (c *CollectionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.VectorSize < 1 {
		return fmt.Errorf("vector_size must be at least 1")
	}
	switch c.Distance {
	case DistanceCosine, DistanceEuclid, DistanceDot:
	default:
		return fmt.Errorf("invalid distance metric: %s", c.Distance)
	}
	return nil
}

// WithDistance sets the distance metric
func (c *CollectionConfig) WithDistance(d Distance) *CollectionConfig {
	c.Distance = d
	return c
}

// WithOnDiskPayload stores payloads on disk
func (c *CollectionConfig) WithOnDiskPayload() *CollectionConfig {
	c.OnDiskPayload = true
	return c
}

// WithIndexingThreshold sets the indexing threshold
func (c *CollectionConfig) WithIndexingThreshold(threshold int) *CollectionConfig {
	c.IndexingThreshold = threshold
	return c
}

// WithShards sets the shard number
func (c *CollectionConfig) WithShards(n int) *CollectionConfig {
	c.ShardNumber = n
	return c
}

// WithReplication sets the replication factor
func (c *CollectionConfig) WithReplication(n int) *CollectionConfig {
	c.ReplicationFactor = n
	return c
}

// SearchOptions controls a similarity search
type SearchOptions struct {
	Limit          int                    `json:"limit"`
	Offset         int                    `json:"offset"`
	ScoreThreshold float32                `json:"score_threshold"`
	WithPayload    bool                   `json:"with_payload"`
	WithVectors    bool                   `json:"with_vectors"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

// DefaultSearchOptions returns search options with sensible defaults
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{
		Limit:       10,
		WithPayload: true,
	}
}

// WithLimit sets the result limit
func (o *SearchOptions) WithLimit(limit int) *SearchOptions {
	o.Limit = limit
	return o
}

// WithOffset sets the result offset
func (o *SearchOptions) WithOffset(offset int) *SearchOptions {
	o.Offset = offset
	return o
}

// WithScoreThreshold sets the minimum score
func (o *SearchOptions) WithScoreThreshold(threshold float32) *SearchOptions {
	o.ScoreThreshold = threshold
	return o
}

// WithVectorsEnabled includes vectors in results
func (o *SearchOptions) WithVectorsEnabled() *SearchOptions {
	o.WithVectors = true
	return o
}

// WithFilter sets a payload filter
func (o *SearchOptions) WithFilter(filter map[string]interface{}) *SearchOptions {
	o.Filter = filter
	return o
}
