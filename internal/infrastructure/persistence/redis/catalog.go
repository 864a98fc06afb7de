package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// courseStore is the part of Cache the catalog decorator needs.
type courseStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
}

// CachedCatalog serves courses from Redis and falls back to the wrapped
// catalog on a miss. Cache failures never fail a lookup. Unknown courses are
// not cached.
type CachedCatalog struct {
	next  catalog.Catalog
	cache courseStore
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedCatalog wraps next. A non-positive ttl uses TTLCourse.
func NewCachedCatalog(next catalog.Catalog, cache courseStore, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = TTLCourse
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedCatalog{
		next:  next,
		cache: cache,
		ttl:   ttl,
		log:   log.With("component", "cached_catalog"),
	}
}

// GetCourse implements catalog.Catalog.
func (c *CachedCatalog) GetCourse(ctx context.Context, id shared.CourseID) (*catalog.Course, error) {
	key := CourseKey(id.String())

	var cached catalog.Course
	err := c.cache.Get(ctx, key, &cached)
	switch {
	case err == nil:
		return &cached, nil
	case errors.Is(err, ErrCacheMiss):
	default:
		c.log.Warn("course cache read failed", "course_id", id, "error", err)
	}

	course, err := c.next.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, course, c.ttl); err != nil {
		c.log.Warn("course cache write failed", "course_id", id, "error", err)
	}
	return course, nil
}

// Invalidate drops a cached course so the next lookup reads the catalog.
func (c *CachedCatalog) Invalidate(ctx context.Context, id shared.CourseID) error {
	return c.cache.Delete(ctx, CourseKey(id.String()))
}

// InvalidateAll drops every cached course and reports how many were dropped.
func (c *CachedCatalog) InvalidateAll(ctx context.Context) (int, error) {
	n, err := c.cache.DeleteByPattern(ctx, PrefixCourse+"*")
	if err != nil {
		return n, err
	}
	c.log.Info("course cache flushed", "keys", n)
	return n, nil
}
