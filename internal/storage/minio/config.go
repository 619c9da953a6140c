package minio

import (
	"fmt"
	"time"
)

// Config holds MinIO connection configuration. An empty endpoint puts
// the blob store in disabled mode: documents are kept content-only and
// no raw uploads are archived.
type Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	Region    string `json:"region" yaml:"region"`

	// Bucket is the single bucket raw documents are stored in,
	// ensured at connect time.
	Bucket string `json:"bucket" yaml:"bucket"`

	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	PartSize       int64         `json:"part_size" yaml:"part_size"`

	// PresignExpiry is the default validity of download links.
	PresignExpiry time.Duration `json:"presign_expiry" yaml:"presign_expiry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:9000",
		AccessKey:      "minioadmin",
		SecretKey:      "minioadmin123",
		UseSSL:         false,
		Region:         "us-east-1",
		Bucket:         "ragcore-documents",
		RequestTimeout: 60 * time.Second,
		PartSize:       16 * 1024 * 1024, // 16MB
		PresignExpiry:  15 * time.Minute,
	}
}

// Disabled reports whether the blob store is configured off.
func (c *Config) Disabled() bool {
	return c.Endpoint == ""
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Disabled() {
		return nil
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access_key is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.PartSize < 5*1024*1024 {
		return fmt.Errorf("part_size must be at least 5MB")
	}
	if c.PresignExpiry <= 0 {
		return fmt.Errorf("presign_expiry must be positive")
	}
	return nil
}
