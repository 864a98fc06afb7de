// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ExpireEnrollmentsJobName is the registered name of ExpireEnrollmentsJob.
const ExpireEnrollmentsJobName = "expire_enrollments"

// Expirer expires active enrollments whose access window has closed.
// engine.EnrollmentManager implements it.
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// ExpireEnrollmentsConfig contains configuration for the expiry job.
type ExpireEnrollmentsConfig struct {
	// BatchSize is passed to ExpireOverdue as its limit.
	BatchSize int

	// MaxBatches caps the batches run per invocation. The rest waits for the
	// next tick.
	MaxBatches int

	// Timeout is the maximum duration for one invocation.
	Timeout time.Duration
}

// DefaultExpireEnrollmentsConfig returns sensible defaults.
func DefaultExpireEnrollmentsConfig() ExpireEnrollmentsConfig {
	return ExpireEnrollmentsConfig{
		BatchSize:  100,
		MaxBatches: 20,
		Timeout:    2 * time.Minute,
	}
}

// ExpireEnrollmentsJob moves overdue active enrollments to expired.
type ExpireEnrollmentsJob struct {
	expirer Expirer
	config  ExpireEnrollmentsConfig
	logger  *slog.Logger

	lastExpired atomic.Int64
}

// NewExpireEnrollmentsJob creates the job.
func NewExpireEnrollmentsJob(expirer Expirer, config ExpireEnrollmentsConfig, logger *slog.Logger) *ExpireEnrollmentsJob {
	defaults := DefaultExpireEnrollmentsConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = defaults.MaxBatches
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireEnrollmentsJob{
		expirer: expirer,
		config:  config,
		logger:  logger.With("job", ExpireEnrollmentsJobName),
	}
}

func (j *ExpireEnrollmentsJob) Name() string { return ExpireEnrollmentsJobName }

func (j *ExpireEnrollmentsJob) Description() string {
	return "Expires active enrollments whose access window has closed"
}

// Run expires batches until one comes back short or MaxBatches is reached.
func (j *ExpireEnrollmentsJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	total := 0
	for batch := 1; batch <= j.config.MaxBatches; batch++ {
		n, err := j.expirer.ExpireOverdue(ctx, j.config.BatchSize)
		total += n
		if err != nil {
			j.lastExpired.Store(int64(total))
			return fmt.Errorf("expire batch %d: %w", batch, err)
		}
		if n < j.config.BatchSize {
			break
		}
	}

	j.lastExpired.Store(int64(total))
	if total > 0 {
		j.logger.Info("enrollments expired", "count", total)
	}
	return nil
}

// LastExpired returns how many enrollments the latest run expired.
func (j *ExpireEnrollmentsJob) LastExpired() int {
	return int(j.lastExpired.Load())
}
