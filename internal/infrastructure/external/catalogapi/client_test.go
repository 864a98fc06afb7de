package catalogapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/circuitbreaker"
	"github.com/coursehub/progress-engine/pkg/retry"
)

const courseJSON = `{
	"id": "c-1",
	"title": "Databases",
	"price": "25.00",
	"currency": "USD",
	"access_days": 14,
	"lessons": [
		{"id": "l-1", "title": "Indexes", "position": 1},
		{"id": "l-2", "title": "Transactions", "position": 2}
	]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, breaker *circuitbreaker.CircuitBreaker) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.APIKey = "secret"
	cfg.Retrier = retry.New(retry.WithMaxAttempts(3), retry.Immediate())
	cfg.Breaker = breaker
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestClient_GetCourse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/courses/c-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, courseJSON)
	}, nil)

	course, err := c.GetCourse(context.Background(), "c-1")
	require.NoError(t, err)

	assert.Equal(t, "Databases", course.Title)
	assert.True(t, course.Price.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 14*24*time.Hour, course.AccessDuration)
	assert.Equal(t, []shared.LessonID{"l-1", "l-2"}, course.LessonIDs())
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(1))
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, `{"code":"not_found","message":"no such course"}`)
	}, breaker)

	_, err := c.GetCourse(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, breaker.IsClosed())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"message":"warming up"}`)
			return
		}
		writeJSON(w, http.StatusOK, courseJSON)
	}, nil)

	course, err := c.GetCourse(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, shared.CourseID("c-1"), course.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_ClientErrorsFailFast(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, `{"code":"bad_id","message":"malformed course id"}`)
	}, nil)

	_, err := c.GetCourse(context.Background(), "??")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrExternalService))
	assert.Contains(t, err.Error(), "malformed course id")
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	breaker := circuitbreaker.New("test",
		circuitbreaker.WithFailureThreshold(3),
		circuitbreaker.WithTimeout(time.Hour),
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, breaker)

	_, err := c.GetCourse(context.Background(), "c-1")
	require.Error(t, err)
	require.True(t, breaker.IsOpen())
	before := calls.Load()

	_, err = c.GetCourse(context.Background(), "c-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	assert.True(t, errors.Is(err, shared.ErrExternalService))
	assert.Equal(t, before, calls.Load())
}

func TestCourseDTO_DecodesNumericPrice(t *testing.T) {
	var dto CourseDTO
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c","price":12.5,"lessons":[]}`), &dto))
	assert.True(t, dto.toDomain().Price.Equal(decimal.RequireFromString("12.5")))
}
