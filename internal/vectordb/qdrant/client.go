// Package qdrant implements the dense vector store over Qdrant's HTTP API.
// Chunk embeddings are upserted as points whose payload carries the fields
// retrieval filters on (document_id, kb_id, chunk_index, chunk_type, oversize, metadata).
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// Client talks to a Qdrant instance over HTTP
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger
	mu         sync.RWMutex
	connected  bool
}

// NewClient creates a new Qdrant client
func NewClient(config *Config, logger *logrus.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid qdrant config", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}, nil
}

// Connect verifies connectivity to Qdrant
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.healthCheckLocked(ctx); err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	c.connected = true
	c.logger.WithField("url", c.config.GetHTTPURL()).Info("Connected to Qdrant")
	return nil
}

// Close marks the client disconnected
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck checks the health of Qdrant
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthCheckLocked(ctx)
}

func (c *Client) healthCheckLocked(ctx context.Context) error {
	// The root endpoint works with all Qdrant versions; newer ones
	// dropped /health.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.GetHTTPURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("api-key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.DependencyFailure("qdrant is unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperr.DependencyFailuref("qdrant unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) ensureConnected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return apperr.DependencyFailuref("not connected to qdrant")
	}
	return nil
}

// doRequest issues one HTTP call, retrying transient failures up to
// MaxRetries with a fixed delay. An exhausted retry budget escalates
// to a permanent error.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Cancelled("qdrant request cancelled", ctx.Err())
			case <-time.After(c.config.RetryDelay):
			}
			c.logger.WithFields(logrus.Fields{
				"path":    path,
				"attempt": attempt + 1,
			}).Debug("Retrying Qdrant request")
		}

		respBody, err := c.doRequestOnce(ctx, method, path, reqBody)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !apperr.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, apperr.Permanent(
		fmt.Sprintf("qdrant %s %s failed after retries", method, path), lastErr,
	).WithDetail("attempts", c.config.MaxRetries+1)
}

func (c *Client) doRequestOnce(ctx context.Context, method, path string, reqBody []byte) ([]byte, error) {
	url := fmt.Sprintf("%s%s", c.config.GetHTTPURL(), path)

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("api-key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Cancelled("qdrant request cancelled", ctx.Err())
		}
		return nil, apperr.Transient("qdrant request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient("failed to read qdrant response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, statusToError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// statusToError maps a Qdrant HTTP status to the service error taxonomy
func statusToError(status int, body []byte) error {
	detail := qdrantErrorMessage(body)
	msg := fmt.Sprintf("qdrant returned status %d", status)
	if detail != "" {
		msg = fmt.Sprintf("qdrant returned status %d: %s", status, detail)
	}

	switch {
	case status == http.StatusBadRequest:
		return apperr.InvalidInputf("%s", msg)
	case status == http.StatusUnauthorized:
		return apperr.Unauthorized(msg)
	case status == http.StatusForbidden:
		return apperr.Forbidden(msg)
	case status == http.StatusNotFound:
		return apperr.NotFoundf("%s", msg)
	case status == http.StatusConflict:
		return apperr.Conflictf("%s", msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.Transientf("%s", msg)
	default:
		return apperr.Permanent(msg, nil)
	}
}

func qdrantErrorMessage(body []byte) string {
	var envelope struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Status.Error != "" {
		return envelope.Status.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// CollectionInfo describes an existing collection
type CollectionInfo struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	PointsCount int64  `json:"points_count"`
	VectorSize  int    `json:"vector_size"`
}

// GetCollectionInfo returns a collection's status and vector geometry.
// A missing collection yields a not-found error.
func (c *Client) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	respBody, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", name), nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &CollectionInfo{
		Name:        name,
		Status:      response.Result.Status,
		PointsCount: response.Result.PointsCount,
		VectorSize:  response.Result.Config.Params.Vectors.Size,
	}, nil
}

// CreateCollection creates a new vector collection
func (c *Client) CreateCollection(ctx context.Context, config *CollectionConfig) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid collection config", err)
	}

	reqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     config.VectorSize,
			"distance": string(config.Distance),
		},
	}
	if config.OnDiskPayload {
		reqBody["on_disk_payload"] = true
	}
	if config.IndexingThreshold > 0 {
		reqBody["optimizers_config"] = map[string]interface{}{
			"indexing_threshold": config.IndexingThreshold,
		}
	}
	if config.ShardNumber > 1 {
		reqBody["shard_number"] = config.ShardNumber
	}
	if config.ReplicationFactor > 1 {
		reqBody["replication_factor"] = config.ReplicationFactor
	}

	path := fmt.Sprintf("/collections/%s", config.Name)
	if _, err := c.doRequest(ctx, http.MethodPut, path, reqBody); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection":  config.Name,
		"vector_size": config.VectorSize,
	}).Info("Collection created")
	return nil
}

// EnsureCollection creates the collection when absent and verifies the
// vector size when present. A dimension mismatch is a conflict: the
// caller must not silently index vectors of the wrong geometry.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	info, err := c.GetCollectionInfo(ctx, name)
	if err == nil {
		if info.VectorSize != vectorSize {
			return apperr.Conflictf(
				"collection %s has vector size %d, expected %d",
				name, info.VectorSize, vectorSize,
			)
		}
		return nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	return c.CreateCollection(ctx, DefaultCollectionConfig(name, vectorSize))
}

// DeleteCollection deletes a collection
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	path := fmt.Sprintf("/collections/%s", name)
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	c.logger.WithField("collection", name).Info("Collection deleted")
	return nil
}

// Point is a vector with its payload
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a search hit
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Vector  []float32              `json:"vector,omitempty"`
}

// UpsertPoints inserts or updates points. The write waits for durability
// so a successful return means the points are searchable.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	reqBody := map[string]interface{}{
		"points": points,
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	if _, err := c.doRequest(ctx, http.MethodPut, path, reqBody); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(points),
	}).Debug("Points upserted")
	return nil
}

// DeletePoints deletes points by ID
func (c *Client) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	reqBody := map[string]interface{}{
		"points": ids,
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if _, err := c.doRequest(ctx, http.MethodPost, path, reqBody); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(ids),
	}).Debug("Points deleted")
	return nil
}

// DeleteByFilter deletes every point matching a payload filter. Document
// removal uses this to drop all of a document's chunk vectors in one call.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter map[string]interface{}) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if filter == nil {
		return apperr.InvalidInputf("delete filter is required")
	}

	reqBody := map[string]interface{}{
		"filter": filter,
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if _, err := c.doRequest(ctx, http.MethodPost, path, reqBody); err != nil {
		return fmt.Errorf("failed to delete points by filter: %w", err)
	}

	c.logger.WithField("collection", collection).Debug("Points deleted by filter")
	return nil
}

// Search performs a vector similarity search
func (c *Client) Search(ctx context.Context, collection string, vector []float32, opts *SearchOptions) ([]ScoredPoint, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = c.searchDefaults()
	}

	path := fmt.Sprintf("/collections/%s/points/search", collection)
	respBody, err := c.doRequest(ctx, http.MethodPost, path, c.searchBody(vector, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var response struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return response.Result, nil
}

// SearchBatch runs several searches in one request. Query expansion sends
// the original vector and its paraphrase vectors together through this.
func (c *Client) SearchBatch(ctx context.Context, collection string, vectors [][]float32, opts *SearchOptions) ([][]ScoredPoint, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	if opts == nil {
		opts = c.searchDefaults()
	}

	searches := make([]map[string]interface{}, len(vectors))
	for i, vector := range vectors {
		searches[i] = c.searchBody(vector, opts)
	}
	reqBody := map[string]interface{}{
		"searches": searches,
	}

	path := fmt.Sprintf("/collections/%s/points/search/batch", collection)
	respBody, err := c.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to batch search: %w", err)
	}

	// Qdrant 1.16+ returns an array of arrays; older versions wrap each
	// result list in an object.
	var newResponse struct {
		Result [][]ScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &newResponse); err == nil && newResponse.Result != nil {
		return newResponse.Result, nil
	}

	var oldResponse struct {
		Result []struct {
			Result []ScoredPoint `json:"result"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &oldResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	results := make([][]ScoredPoint, len(oldResponse.Result))
	for i, r := range oldResponse.Result {
		results[i] = r.Result
	}
	return results, nil
}

// CountPoints returns the exact number of points matching a filter
func (c *Client) CountPoints(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	if err := c.ensureConnected(); err != nil {
		return 0, err
	}

	reqBody := map[string]interface{}{
		"exact": true,
	}
	if filter != nil {
		reqBody["filter"] = filter
	}

	path := fmt.Sprintf("/collections/%s/points/count", collection)
	respBody, err := c.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	var response struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	return response.Result.Count, nil
}

func (c *Client) searchDefaults() *SearchOptions {
	return &SearchOptions{
		Limit:          c.config.DefaultLimit,
		ScoreThreshold: c.config.ScoreThreshold,
		WithPayload:    c.config.WithPayload,
		WithVectors:    c.config.WithVectors,
	}
}

func (c *Client) searchBody(vector []float32, opts *SearchOptions) map[string]interface{} {
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
		"with_payload": opts.WithPayload,
		"with_vector":  opts.WithVectors,
	}
	if opts.ScoreThreshold > 0 {
		body["score_threshold"] = opts.ScoreThreshold
	}
	if opts.Filter != nil {
		body["filter"] = opts.Filter
	}
	return body
}
