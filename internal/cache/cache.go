// Package cache wraps Redis for best-effort JSON caching. Retrieval
// results are cached under keys that embed a per-knowledge-base epoch;
// bumping the epoch after ingestion or deletion invalidates every
// cached result for that knowledge base without scanning keys.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

const epochKeyPrefix = "ragcore:epoch:kb:"

// Cache is a nil-safe Redis wrapper: constructed with a nil client it
// runs disabled, where every Get is a miss and every write succeeds
// without effect.
type Cache struct {
	client *redis.Client
	logger *logrus.Logger
}

// New creates a cache around an already-configured Redis client. Pass
// nil to run disabled.
func New(client *redis.Client, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{client: client, logger: logger}
}

// Enabled reports whether a Redis client is attached.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Ping verifies the Redis connection. Disabled caches are healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return apperr.DependencyFailure("redis ping failed", err)
	}
	return nil
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// Set stores a JSON-marshaled value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "cache value not marshalable", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return apperr.DependencyFailure("cache set failed", err)
	}
	return nil
}

// Get unmarshals a cached value into dest. The boolean reports whether
// the key was found; a corrupt entry is dropped and counts as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.DependencyFailure("cache get failed", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.client.Del(ctx, key)
		c.logger.WithError(err).WithField("key", key).Warn("Dropped corrupt cache entry")
		return false, nil
	}
	return true, nil
}

// Del removes keys.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return apperr.DependencyFailure("cache delete failed", err)
	}
	return nil
}

// Epoch returns the invalidation epoch for a knowledge base. A
// knowledge base that has never been bumped is at epoch 0.
func (c *Cache) Epoch(ctx context.Context, kbID string) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	val, err := c.client.Get(ctx, epochKeyPrefix+kbID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.DependencyFailure("epoch read failed", err)
	}
	return val, nil
}

// BumpEpoch advances a knowledge base's epoch, invalidating every
// cached result whose key embeds the previous one.
func (c *Cache) BumpEpoch(ctx context.Context, kbID string) error {
	if !c.Enabled() {
		return nil
	}
	epoch, err := c.client.Incr(ctx, epochKeyPrefix+kbID).Result()
	if err != nil {
		return apperr.DependencyFailure("epoch bump failed", err)
	}
	c.logger.WithFields(logrus.Fields{
		"kb_id": kbID,
		"epoch": epoch,
	}).Debug("Knowledge base cache epoch bumped")
	return nil
}

// EpochFingerprint combines the epochs of several knowledge bases into
// a stable cache-key component. Errors degrade to epoch 0 so a Redis
// hiccup can never wedge retrieval.
func (c *Cache) EpochFingerprint(ctx context.Context, kbIDs []string) string {
	parts := make([]string, 0, len(kbIDs))
	for _, id := range kbIDs {
		epoch, err := c.Epoch(ctx, id)
		if err != nil {
			epoch = 0
		}
		parts = append(parts, strconv.FormatInt(epoch, 10))
	}
	return strings.Join(parts, ":")
}
