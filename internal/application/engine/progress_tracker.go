package engine

import (
	"context"
	"fmt"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/progress"
	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/logger"
)

// ProgressTracker records per-lesson progress and keeps the enrollment's
// aggregate percentage in step with it.
type ProgressTracker struct {
	base
	enrollments enrollment.Repository
	progress    progress.Repository
	quizzes     quiz.Repository
	attempts    quiz.AttemptRepository
	catalog     catalog.Catalog
	manager     *EnrollmentManager
}

// LessonResult is returned by MarkLessonCompleted.
type LessonResult struct {
	Lesson *progress.LessonProgress
	// Enrollment is the enrollment after recomputation.
	Enrollment *enrollment.Enrollment
	Summary    progress.Summary
	// NewlyCompleted is false when the lesson had been completed before.
	NewlyCompleted bool
}

// MarkLessonStarted records that the student opened a lesson. Calling it
// again leaves the existing record untouched.
func (t *ProgressTracker) MarkLessonStarted(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID) (*progress.LessonProgress, error) {
	const op = "MarkLessonStarted"
	e, _, err := t.access(ctx, op, enrollmentID, lessonID)
	if err != nil {
		return nil, err
	}

	lp, created, err := t.progress.Start(ctx, e.ID, lessonID, t.now())
	if err != nil {
		return nil, fmt.Errorf("mark lesson started: %w", err)
	}
	if created {
		logger.FromContext(ctx, t.log).Debug("lesson started",
			logger.EnrollmentID(e.ID),
			logger.LessonID(lessonID),
		)
	}
	return lp, nil
}

// RecordWatchTime raises the lesson's watch time to cmd.Elapsed. Smaller
// values than the stored one are ignored, as is anything after completion.
func (t *ProgressTracker) RecordWatchTime(ctx context.Context, cmd RecordWatchTimeCommand) (*progress.LessonProgress, error) {
	const op = "RecordWatchTime"
	if err := t.checkStruct(op, cmd); err != nil {
		return nil, err
	}
	e, _, err := t.access(ctx, op, cmd.EnrollmentID, cmd.LessonID)
	if err != nil {
		return nil, err
	}

	lp, err := t.progress.RecordWatchTime(ctx, e.ID, cmd.LessonID, progress.NormalizeWatchTime(cmd.Elapsed), t.now())
	if err != nil {
		return nil, fmt.Errorf("record watch time: %w", err)
	}
	return lp, nil
}

// MarkLessonCompleted completes a lesson and recomputes the enrollment's
// progress, completing the enrollment at 100%. Completing a lesson twice
// changes nothing. A lesson gated by a quiz completes only once the student
// has passed that quiz.
func (t *ProgressTracker) MarkLessonCompleted(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID) (*LessonResult, error) {
	const op = "MarkLessonCompleted"
	e, course, err := t.access(ctx, op, enrollmentID, lessonID)
	if err != nil {
		return nil, err
	}

	gate, err := t.quizzes.FindByLesson(ctx, lessonID)
	switch {
	case err == nil:
		passed, err := t.attempts.HasPassed(ctx, e.StudentID, gate.ID)
		if err != nil {
			return nil, fmt.Errorf("mark lesson completed: check quiz: %w", err)
		}
		if !passed {
			return nil, shared.NewDomainError("progress", op, shared.ErrInvalidState,
				"lesson is completed by passing its quiz").
				WithRefs(shared.Refs{
					shared.RefEnrollment: e.ID.String(),
					shared.RefLesson:     lessonID.String(),
					shared.RefQuiz:       gate.ID.String(),
				})
		}
	case !shared.IsNotFound(err):
		return nil, fmt.Errorf("mark lesson completed: find quiz: %w", err)
	}

	var result *LessonResult
	err = t.uow.run(ctx, func(ctx context.Context) error {
		var err error
		result, err = t.completeLesson(ctx, e.ID, course, lessonID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetLessonProgress lists every lesson record of the enrollment.
func (t *ProgressTracker) GetLessonProgress(ctx context.Context, enrollmentID shared.EnrollmentID) ([]*progress.LessonProgress, error) {
	if err := t.checkID("GetLessonProgress", shared.RefEnrollment, enrollmentID.String()); err != nil {
		return nil, err
	}
	if _, err := t.enrollments.GetByID(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return t.progress.ListByEnrollment(ctx, enrollmentID)
}

// Summary recomputes the aggregate without writing anything.
func (t *ProgressTracker) Summary(ctx context.Context, enrollmentID shared.EnrollmentID) (progress.Summary, error) {
	e, err := t.enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return progress.Summary{}, err
	}
	course, err := t.catalog.GetCourse(ctx, e.CourseID)
	if err != nil {
		return progress.Summary{}, fmt.Errorf("summary: load course: %w", err)
	}
	records, err := t.progress.ListByEnrollment(ctx, e.ID)
	if err != nil {
		return progress.Summary{}, err
	}
	return progress.Compute(records, course.LessonIDs()), nil
}

// access loads the enrollment and its course and checks that the enrollment
// grants access and that the lesson belongs to the course.
func (t *ProgressTracker) access(ctx context.Context, op string, enrollmentID shared.EnrollmentID, lessonID shared.LessonID) (*enrollment.Enrollment, *catalog.Course, error) {
	if err := t.checkID(op, shared.RefEnrollment, enrollmentID.String()); err != nil {
		return nil, nil, err
	}
	if err := t.checkID(op, shared.RefLesson, lessonID.String()); err != nil {
		return nil, nil, err
	}

	e, err := t.enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, nil, err
	}
	if !e.IsEnrolled() {
		return nil, nil, shared.NewNotEnrolled(op, e.StudentID, e.CourseID).
			WithRefs(shared.Refs{shared.RefEnrollment: e.ID.String()})
	}

	course, err := t.catalog.GetCourse(ctx, e.CourseID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: load course: %w", op, err)
	}
	if !course.HasLesson(lessonID) {
		return nil, nil, shared.NewLessonNotInCourse(op, e.CourseID, lessonID)
	}
	return e, course, nil
}

// completeLesson marks the lesson completed and recomputes the aggregate. It
// must run inside a unit of work; QuizEngine calls it when a quiz-backed
// lesson's attempt passes.
func (t *ProgressTracker) completeLesson(ctx context.Context, enrollmentID shared.EnrollmentID, course *catalog.Course, lessonID shared.LessonID) (*LessonResult, error) {
	now := t.now()
	lp, changed, err := t.progress.MarkCompleted(ctx, enrollmentID, lessonID, now)
	if err != nil {
		return nil, fmt.Errorf("complete lesson: %w", err)
	}
	if changed {
		t.uow.record(ctx, shared.NewLessonCompletedEvent(enrollmentID, lessonID, now))
		logger.FromContext(ctx, t.log).Info("lesson completed",
			logger.EnrollmentID(enrollmentID),
			logger.LessonID(lessonID),
		)
	}

	e, summary, err := t.recompute(ctx, enrollmentID, course)
	if err != nil {
		return nil, err
	}
	return &LessonResult{Lesson: lp, Enrollment: e, Summary: summary, NewlyCompleted: changed}, nil
}

// recompute derives the percentage from stored lesson records under the
// enrollment lock, so concurrent completions never lose an update.
func (t *ProgressTracker) recompute(ctx context.Context, enrollmentID shared.EnrollmentID, course *catalog.Course) (*enrollment.Enrollment, progress.Summary, error) {
	e, err := t.enrollments.GetForUpdate(ctx, enrollmentID)
	if err != nil {
		return nil, progress.Summary{}, err
	}

	records, err := t.progress.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, progress.Summary{}, fmt.Errorf("recompute progress: %w", err)
	}
	summary := progress.Compute(records, course.LessonIDs())

	// Progress of cancelled or expired enrollments stays frozen.
	if !e.IsEnrolled() || summary.Percentage == e.Progress {
		return e, summary, nil
	}

	now := t.now()
	old := e.Progress
	if err := e.SetProgress(summary.Percentage, now); err != nil {
		return nil, progress.Summary{}, err
	}
	if err := t.enrollments.Update(ctx, e); err != nil {
		return nil, progress.Summary{}, fmt.Errorf("recompute progress: update enrollment: %w", err)
	}
	t.uow.record(ctx, shared.NewProgressUpdatedEvent(e.ID, old, summary.Percentage,
		summary.CompletedLessons, summary.TotalLessons, now))

	e, err = t.manager.RecomputeCompletion(ctx, e.ID)
	if err != nil {
		return nil, progress.Summary{}, err
	}
	return e, summary, nil
}
