package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/memory"
)

// fakeStore mimics Cache with JSON round trips so decoding is exercised.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failGet error
	failSet error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return f.failGet
	}
	raw, ok := f.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

// DeleteByPattern supports trailing-star patterns only.
func (f *fakeStore) DeleteByPattern(_ context.Context, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	n := 0
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

type countingCatalog struct {
	catalog.Catalog
	calls int
}

func (c *countingCatalog) GetCourse(ctx context.Context, id shared.CourseID) (*catalog.Course, error) {
	c.calls++
	return c.Catalog.GetCourse(ctx, id)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCourse() catalog.Course {
	return catalog.Course{
		ID:       shared.CourseID("0b9f4a52-6a0e-4c57-a7f0-2f0d7f1c2a11"),
		Title:    "Distributed Systems",
		Price:    decimal.RequireFromString("49.90"),
		Currency: "USD",
		Lessons: []catalog.Lesson{
			{ID: "lesson-1", Title: "Clocks", Position: 1},
			{ID: "lesson-2", Title: "Consensus", Position: 2},
		},
		AccessDuration: 90 * 24 * time.Hour,
	}
}

func TestCachedCatalog_ReadThrough(t *testing.T) {
	ctx := context.Background()
	course := testCourse()
	source := &countingCatalog{Catalog: memory.NewCatalog(course)}
	store := newFakeStore()
	cc := NewCachedCatalog(source, store, 0, quietLogger())

	first, err := cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	second, err := cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	assert.Equal(t, TTLCourse, store.ttls[CourseKey(course.ID.String())])
	assert.True(t, first.Price.Equal(second.Price))
	assert.Equal(t, first.Lessons, second.Lessons)
	assert.Equal(t, course.AccessDuration, second.AccessDuration)
	assert.True(t, second.HasLesson("lesson-2"))
}

func TestCachedCatalog_Invalidate(t *testing.T) {
	ctx := context.Background()
	course := testCourse()
	source := &countingCatalog{Catalog: memory.NewCatalog(course)}
	cc := NewCachedCatalog(source, newFakeStore(), time.Minute, quietLogger())

	_, err := cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	require.NoError(t, cc.Invalidate(ctx, course.ID))
	_, err = cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, source.calls)
}

func TestCachedCatalog_InvalidateAll(t *testing.T) {
	ctx := context.Background()
	course := testCourse()
	other := testCourse()
	other.ID = "7d3c1e1a-1111-4c57-a7f0-2f0d7f1c2a22"
	source := &countingCatalog{Catalog: memory.NewCatalog(course, other)}
	store := newFakeStore()
	store.data["events:unrelated"] = []byte(`{}`)
	cc := NewCachedCatalog(source, store, time.Minute, quietLogger())

	_, err := cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	_, err = cc.GetCourse(ctx, other.ID)
	require.NoError(t, err)

	n, err := cc.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, store.data, "events:unrelated")

	_, err = cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
}

func TestCachedCatalog_UnknownCourseIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cc := NewCachedCatalog(memory.NewCatalog(), store, 0, quietLogger())

	_, err := cc.GetCourse(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
	assert.Empty(t, store.data)
}

func TestCachedCatalog_CacheFailuresFallBack(t *testing.T) {
	ctx := context.Background()
	course := testCourse()
	source := &countingCatalog{Catalog: memory.NewCatalog(course)}
	store := newFakeStore()
	store.failGet = errors.New("connection reset")
	store.failSet = errors.New("connection reset")
	cc := NewCachedCatalog(source, store, 0, quietLogger())

	got, err := cc.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, course.Title, got.Title)
	assert.Equal(t, 1, source.calls)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "catalog:course:abc", CourseKey("abc"))
	assert.Equal(t, "events:quiz.attempt_graded", EventChannel("quiz.attempt_graded"))
	assert.Equal(t, "localhost:6379", DefaultConfig().Addr())
}
