// Package minio archives raw uploaded documents in object storage,
// one object per document at {kb_id}/{doc_id}/{filename}.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// Client provides the raw-document blob store. In disabled mode every
// write is a silent no-op and every read reports the object as not
// archived.
type Client struct {
	config      *Config
	minioClient *minio.Client
	logger      *logrus.Logger
	mu          sync.RWMutex
	connected   bool
}

// NewClient creates a new blob store client
func NewClient(config *Config, logger *logrus.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid minio config", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		config: config,
		logger: logger,
	}, nil
}

// Enabled reports whether the blob store is configured on.
func (c *Client) Enabled() bool {
	return !c.config.Disabled()
}

// Connect establishes the connection and ensures the document bucket
// exists. In disabled mode it is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if !c.Enabled() {
		c.logger.Info("Blob store disabled; raw documents will not be archived")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	minioClient, err := minio.New(c.config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.config.AccessKey, c.config.SecretKey, ""),
		Secure: c.config.UseSSL,
		Region: c.config.Region,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "failed to create minio client", err)
	}
	c.minioClient = minioClient

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, c.config.Bucket)
	if err != nil {
		return apperr.DependencyFailure("failed to connect to MinIO", err)
	}
	if !exists {
		opts := minio.MakeBucketOptions{Region: c.config.Region}
		if err := minioClient.MakeBucket(ctx, c.config.Bucket, opts); err != nil {
			return apperr.DependencyFailure("failed to create document bucket", err)
		}
		c.logger.WithField("bucket", c.config.Bucket).Info("Document bucket created")
	} else {
		c.logger.WithField("bucket", c.config.Bucket).Debug("Document bucket already exists")
	}

	c.connected = true
	c.logger.WithFields(logrus.Fields{
		"endpoint": c.config.Endpoint,
		"bucket":   c.config.Bucket,
	}).Info("Connected to MinIO blob store")
	return nil
}

// Close closes the client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.minioClient = nil
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck checks the health of the MinIO connection. A disabled
// store is always healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	c.mu.RLock()
	client := c.minioClient
	connected := c.connected
	c.mu.RUnlock()

	if !connected || client == nil {
		return apperr.DependencyFailure("blob store is not connected", nil)
	}
	if _, err := client.ListBuckets(ctx); err != nil {
		return apperr.DependencyFailure("minio health check failed", err)
	}
	return nil
}

func (c *Client) ensureConnected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.minioClient == nil {
		return apperr.DependencyFailure("blob store is not connected", nil)
	}
	return nil
}

// ObjectKey builds the canonical object key for a document. The
// filename is reduced to its base name so keys never escape the
// document's prefix.
func ObjectKey(kbID, docID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", kbID, docID, path.Base(filename))
}

// Put archives the raw bytes of a document and returns the object key.
// Disabled mode returns an empty key and no error.
func (c *Client) Put(ctx context.Context, kbID, docID, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}
	if err := c.ensureConnected(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	key := ObjectKey(kbID, docID, filename)
	opts := minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    uint64(c.config.PartSize),
	}
	if _, err := c.minioClient.PutObject(ctx, c.config.Bucket, key, reader, size, opts); err != nil {
		return "", c.storageErr("put", key, err)
	}

	c.logger.WithFields(logrus.Fields{
		"bucket": c.config.Bucket,
		"object": key,
		"size":   size,
	}).Debug("Document archived")
	return key, nil
}

// Get returns a reader over a document's raw bytes. The caller closes
// it. Disabled mode reports the object as not archived.
func (c *Client) Get(ctx context.Context, kbID, docID, filename string) (io.ReadCloser, error) {
	if !c.Enabled() {
		return nil, apperr.NotFound("raw document is not archived")
	}
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	key := ObjectKey(kbID, docID, filename)
	obj, err := c.minioClient.GetObject(ctx, c.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.storageErr("get", key, err)
	}
	// GetObject is lazy; Stat forces the first round trip so a missing
	// object surfaces here instead of on Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, c.storageErr("get", key, err)
	}
	return obj, nil
}

// Remove deletes a document's archived object. Disabled mode and
// missing objects are both no-ops.
func (c *Client) Remove(ctx context.Context, kbID, docID, filename string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.ensureConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	key := ObjectKey(kbID, docID, filename)
	if err := c.minioClient.RemoveObject(ctx, c.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return c.storageErr("remove", key, err)
	}

	c.logger.WithFields(logrus.Fields{
		"bucket": c.config.Bucket,
		"object": key,
	}).Debug("Document archive removed")
	return nil
}

// Presign generates a time-limited download URL for a document.
func (c *Client) Presign(ctx context.Context, kbID, docID, filename string, expiry time.Duration) (string, error) {
	if !c.Enabled() {
		return "", apperr.NotFound("raw document is not archived")
	}
	if err := c.ensureConnected(); err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = c.config.PresignExpiry
	}

	key := ObjectKey(kbID, docID, filename)
	presignedURL, err := c.minioClient.PresignedGetObject(ctx, c.config.Bucket, key, expiry, url.Values{})
	if err != nil {
		return "", c.storageErr("presign", key, err)
	}
	return presignedURL.String(), nil
}

// storageErr maps a minio error to the service error taxonomy.
func (c *Client) storageErr(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Cancelled(fmt.Sprintf("minio %s cancelled", op), err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperr.NotFoundf("object not found: %s", key)
	case http.StatusForbidden:
		return apperr.Forbidden(fmt.Sprintf("access denied to object %s", key))
	case http.StatusUnauthorized:
		return apperr.Unauthorized("minio credentials rejected")
	}
	return apperr.DependencyFailure(fmt.Sprintf("minio %s failed", op), err)
}
