package progress

import (
	"context"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Repository stores lesson progress. Every write is an atomic upsert, so the
// operations are safe to run concurrently without extra locking.
type Repository interface {
	// Start creates the record if absent and reports whether it did.
	Start(ctx context.Context, enrollment shared.EnrollmentID, lesson shared.LessonID, at time.Time) (*LessonProgress, bool, error)

	// RecordWatchTime creates the record if absent and raises its watch time
	// to elapsed while it is incomplete.
	RecordWatchTime(ctx context.Context, enrollment shared.EnrollmentID, lesson shared.LessonID, elapsed time.Duration, at time.Time) (*LessonProgress, error)

	// MarkCompleted creates the record if absent and completes it once. The
	// boolean reports whether this call completed it.
	MarkCompleted(ctx context.Context, enrollment shared.EnrollmentID, lesson shared.LessonID, at time.Time) (*LessonProgress, bool, error)

	// Get returns shared.ErrNotFound when the lesson was never touched.
	Get(ctx context.Context, enrollment shared.EnrollmentID, lesson shared.LessonID) (*LessonProgress, error)

	ListByEnrollment(ctx context.Context, enrollment shared.EnrollmentID) ([]*LessonProgress, error)
}
