// Package catalogapi implements catalog.Catalog against the course service's
// REST API.
package catalogapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/circuitbreaker"
	"github.com/coursehub/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the course service client.
type ClientConfig struct {
	// BaseURL is the course service base URL, without a trailing slash.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Retrier and Breaker default to retry.CatalogAPIRetrier and
	// circuitbreaker.CatalogAPIBreaker.
	Retrier *retry.Retrier
	Breaker *circuitbreaker.CircuitBreaker

	// RateLimiter defaults to DefaultRateLimiterConfig.
	RateLimiter *RateLimiter

	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the course service client.
type Client struct {
	http    *resty.Client
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
	limiter *RateLimiter
	logger  *slog.Logger
}

var _ catalog.Catalog = (*Client)(nil)

// NewClient creates a course service client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "catalog_api")

	if cfg.Retrier == nil {
		cfg.Retrier = retry.CatalogAPIRetrier()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.CatalogAPIBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		})
	}

	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(DefaultRateLimiterConfig())
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:    httpClient,
		retrier: cfg.Retrier,
		breaker: cfg.Breaker,
		limiter: cfg.RateLimiter,
		logger:  log,
	}
}

// GetCourse fetches a course with its lessons. A 404 maps to
// shared.ErrNotFound, everything else that fails maps to
// shared.ErrExternalService.
func (c *Client) GetCourse(ctx context.Context, id shared.CourseID) (*catalog.Course, error) {
	var (
		dto      CourseDTO
		notFound bool
	)

	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Allow(ctx); err != nil {
			return err
		}
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			found, err := c.fetchCourse(ctx, id, &dto)
			notFound = !found
			return err
		})
	})
	if err != nil {
		c.logger.Error("course lookup failed", "course_id", id, "error", err)
		return nil, shared.WrapError("catalog", "GetCourse", shared.ErrExternalService,
			"course service unavailable", err).
			WithRefs(shared.Refs{shared.RefCourse: id.String()})
	}
	if notFound {
		return nil, catalog.CourseNotFound(id, nil)
	}

	course := dto.toDomain()
	if course.ID == "" {
		course.ID = id
	}
	return course, nil
}

// fetchCourse performs one request. found is false for a 404, which the
// breaker does not count as a failure.
func (c *Client) fetchCourse(ctx context.Context, id shared.CourseID, dst *CourseDTO) (found bool, err error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		SetResult(dst).
		SetError(&ErrorDTO{}).
		Get("/courses/{id}")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		return false, retry.Retryable(fmt.Errorf("get course %s: %w", id, err))
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound:
		return false, nil
	case status == http.StatusTooManyRequests:
		c.limiter.RecordRateLimitHit(parseRetryAfter(resp.Header()))
		return false, retry.Retryable(statusError(resp))
	case status >= 500:
		return false, retry.Retryable(statusError(resp))
	case resp.IsError():
		return false, statusError(resp)
	}
	return true, nil
}

func statusError(resp *resty.Response) error {
	if apiErr, ok := resp.Error().(*ErrorDTO); ok && apiErr.Message != "" {
		return fmt.Errorf("course service: status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	return fmt.Errorf("course service: status %d", resp.StatusCode())
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}
