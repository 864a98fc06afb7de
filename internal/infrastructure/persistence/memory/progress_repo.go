package memory

import (
	"context"
	"sort"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/progress"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// ProgressRepository implements progress.Repository.
type ProgressRepository struct {
	store *Store
}

var _ progress.Repository = (*ProgressRepository)(nil)

// upsert applies fn to a copy of the record, creating it first if needed,
// and reports whether the record was created.
func (r *ProgressRepository) upsert(st *state, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, at time.Time, fn func(*progress.LessonProgress)) (*progress.LessonProgress, bool) {
	key := progressKey{enrollment: enrollmentID, lesson: lessonID}
	lp, ok := st.progress[key]
	if ok {
		lp = lp.Clone()
	} else {
		lp = progress.NewLessonProgress(enrollmentID, lessonID, at)
	}
	fn(lp)
	st.progress[key] = lp
	return lp.Clone(), !ok
}

func (r *ProgressRepository) Start(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, at time.Time) (*progress.LessonProgress, bool, error) {
	var (
		out     *progress.LessonProgress
		created bool
	)
	err := r.store.do(ctx, func(st *state) error {
		out, created = r.upsert(st, enrollmentID, lessonID, at, func(*progress.LessonProgress) {})
		return nil
	})
	return out, created, err
}

func (r *ProgressRepository) RecordWatchTime(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, elapsed time.Duration, at time.Time) (*progress.LessonProgress, error) {
	var out *progress.LessonProgress
	err := r.store.do(ctx, func(st *state) error {
		out, _ = r.upsert(st, enrollmentID, lessonID, at, func(lp *progress.LessonProgress) {
			lp.RecordWatchTime(elapsed, at)
		})
		return nil
	})
	return out, err
}

func (r *ProgressRepository) MarkCompleted(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, at time.Time) (*progress.LessonProgress, bool, error) {
	var (
		out     *progress.LessonProgress
		changed bool
	)
	err := r.store.do(ctx, func(st *state) error {
		out, _ = r.upsert(st, enrollmentID, lessonID, at, func(lp *progress.LessonProgress) {
			changed = lp.Complete(at)
		})
		return nil
	})
	return out, changed, err
}

func (r *ProgressRepository) Get(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID) (*progress.LessonProgress, error) {
	var out *progress.LessonProgress
	err := r.store.do(ctx, func(st *state) error {
		lp, ok := st.progress[progressKey{enrollment: enrollmentID, lesson: lessonID}]
		if !ok {
			return shared.NewDomainError("progress", "Get", shared.ErrNotFound, "lesson progress not found").
				WithRefs(shared.Refs{shared.RefEnrollment: enrollmentID.String(), shared.RefLesson: lessonID.String()})
		}
		out = lp.Clone()
		return nil
	})
	return out, err
}

func (r *ProgressRepository) ListByEnrollment(ctx context.Context, enrollmentID shared.EnrollmentID) ([]*progress.LessonProgress, error) {
	var out []*progress.LessonProgress
	err := r.store.do(ctx, func(st *state) error {
		for key, lp := range st.progress {
			if key.enrollment == enrollmentID {
				out = append(out, lp.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].LessonID < out[j].LessonID
	})
	return out, err
}
