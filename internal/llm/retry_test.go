package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
}

func TestExecuteWithRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), fastRetryConfig(), "op", func() error {
		attempts++
		if attempts < 3 {
			return apperr.Transientf("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetryPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), fastRetryConfig(), "op", func() error {
		attempts++
		return apperr.Permanent("broken schema", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}

func TestExecuteWithRetryExhaustionEscalatesToPermanent(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), fastRetryConfig(), "op", func() error {
		attempts++
		return apperr.Transientf("rate limited")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}

func TestExecuteWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ExecuteWithRetry(ctx, fastRetryConfig(), "op", func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
}

func TestIsRetryableStatusCode(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatusCode(code), "code %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsRetryableStatusCode(code), "code %d", code)
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(assert.AnError))
}
