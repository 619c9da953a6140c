package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	c := New(client, testLogger())

	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})

	return c, mr
}

type cachedResult struct {
	Query string   `json:"query"`
	IDs   []string `json:"ids"`
	Score float64  `json:"score"`
}

func TestSetGetRoundtrip(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	in := cachedResult{Query: "what is rag", IDs: []string{"c1", "c2"}, Score: 0.87}
	require.NoError(t, c.Set(ctx, "retrieval:kb1:abc", in, time.Minute))

	var out cachedResult
	found, err := c.Get(ctx, "retrieval:kb1:abc", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestGetMiss(t *testing.T) {
	c, _ := setupCache(t)

	var out cachedResult
	found, err := c.Get(context.Background(), "retrieval:kb1:missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short-lived", cachedResult{Query: "q"}, time.Minute))

	var out cachedResult
	found, err := c.Get(ctx, "short-lived", &out)
	require.NoError(t, err)
	require.True(t, found)

	mr.FastForward(2 * time.Minute)

	found, err = c.Get(ctx, "short-lived", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDel(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", cachedResult{Query: "a"}, time.Minute))
	require.NoError(t, c.Set(ctx, "b", cachedResult{Query: "b"}, time.Minute))
	require.NoError(t, c.Del(ctx, "a", "b"))

	var out cachedResult
	found, err := c.Get(ctx, "a", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCorruptEntryDroppedAsMiss(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("retrieval:kb1:bad", "{not json"))

	var out cachedResult
	found, err := c.Get(ctx, "retrieval:kb1:bad", &out)
	require.NoError(t, err)
	assert.False(t, found)

	// The corrupt entry must not survive to poison the next read.
	assert.False(t, mr.Exists("retrieval:kb1:bad"))
}

func TestSetRejectsUnmarshalableValue(t *testing.T) {
	c, _ := setupCache(t)

	err := c.Set(context.Background(), "bad", make(chan int), time.Minute)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestEpochLifecycle(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	epoch, err := c.Epoch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), epoch)

	require.NoError(t, c.BumpEpoch(ctx, "kb1"))
	epoch, err = c.Epoch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)

	require.NoError(t, c.BumpEpoch(ctx, "kb1"))
	epoch, err = c.Epoch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), epoch)

	// Epochs are tracked per knowledge base.
	epoch, err = c.Epoch(ctx, "kb2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), epoch)
}

func TestEpochFingerprint(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	assert.Equal(t, "0:0", c.EpochFingerprint(ctx, []string{"kb1", "kb2"}))

	require.NoError(t, c.BumpEpoch(ctx, "kb1"))
	assert.Equal(t, "1:0", c.EpochFingerprint(ctx, []string{"kb1", "kb2"}))

	require.NoError(t, c.BumpEpoch(ctx, "kb2"))
	require.NoError(t, c.BumpEpoch(ctx, "kb2"))
	assert.Equal(t, "1:2", c.EpochFingerprint(ctx, []string{"kb1", "kb2"}))
}

func TestEpochFingerprintDegradesOnError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	c := New(client, testLogger())

	ctx := context.Background()
	require.NoError(t, c.BumpEpoch(ctx, "kb1"))

	// Close miniredis to simulate connection error
	mr.Close()

	assert.Equal(t, "0:0", c.EpochFingerprint(ctx, []string{"kb1", "kb2"}))

	_ = c.Close()
}

func TestDisabledCache(t *testing.T) {
	c := New(nil, testLogger())
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Set(ctx, "k", cachedResult{}, time.Minute))

	var out cachedResult
	found, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, c.Del(ctx, "k"))
	assert.NoError(t, c.BumpEpoch(ctx, "kb1"))

	epoch, err := c.Epoch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), epoch)

	assert.Equal(t, "0", c.EpochFingerprint(ctx, []string{"kb1"}))
	assert.NoError(t, c.Close())
}
