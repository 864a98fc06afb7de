package catalogapi

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenRefuse(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
		WaitTimeout:       10 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, rl.Allow(ctx))
	require.NoError(t, rl.Allow(ctx))

	err := rl.Allow(ctx)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
}

func TestRateLimiter_WaitsForRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 50,
		BurstSize:         1,
		WaitTimeout:       time.Second,
	})
	ctx := context.Background()

	require.NoError(t, rl.Allow(ctx))
	start := time.Now()
	require.NoError(t, rl.Allow(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRateLimiter_RespectsContext(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.1, BurstSize: 1, WaitTimeout: time.Minute})
	require.NoError(t, rl.Allow(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.Allow(ctx), context.Canceled)
}

func TestRateLimiter_RecordRateLimitHit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 5, WaitTimeout: 10 * time.Millisecond})

	rl.RecordRateLimitHit(time.Minute)

	assert.Less(t, rl.Available(), 5.0)
	var rle *RateLimitError
	require.True(t, errors.As(rl.Allow(context.Background()), &rle))
	assert.Greater(t, rle.RetryAfter, 50*time.Second)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h))

	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, parseRetryAfter(h))

	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Zero(t, parseRetryAfter(h))
}

func TestClient_TooManyRequestsIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, `{"message":"slow down"}`)
			return
		}
		writeJSON(w, http.StatusOK, courseJSON)
	}, nil)

	course, err := c.GetCourse(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Databases", course.Title)
	assert.Equal(t, int32(2), calls.Load())
}
