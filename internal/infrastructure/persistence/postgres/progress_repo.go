package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coursehub/progress-engine/internal/domain/progress"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LESSON PROGRESS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements progress.Repository for PostgreSQL. Every
// write is a single conditional statement, so concurrent callers never lose
// an update.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

var _ progress.Repository = (*ProgressRepository)(nil)

const progressColumns = `
	enrollment_id, lesson_id, completed, watch_time_ms, started_at, completed_at, updated_at`

// Start inserts an empty record unless one exists.
func (r *ProgressRepository) Start(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, at time.Time) (*progress.LessonProgress, bool, error) {
	q := r.conn.Querier(ctx)
	refs := progressRefs(enrollmentID, lessonID)

	query := `
		INSERT INTO lesson_progress (enrollment_id, lesson_id, started_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (enrollment_id, lesson_id) DO NOTHING
		RETURNING ` + progressColumns

	lp, err := scanProgress(q.QueryRow(ctx, query, enrollmentID.String(), lessonID.String(), at))
	switch {
	case err == nil:
		return lp, true, nil
	case !IsNoRows(err):
		return nil, false, translate("progress", "Start", err, refs)
	}

	lp, err = r.Get(ctx, enrollmentID, lessonID)
	if err != nil {
		return nil, false, err
	}
	return lp, false, nil
}

// RecordWatchTime raises watch_time_ms with GREATEST while the lesson is
// incomplete.
func (r *ProgressRepository) RecordWatchTime(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, elapsed time.Duration, at time.Time) (*progress.LessonProgress, error) {
	query := `
		INSERT INTO lesson_progress (enrollment_id, lesson_id, watch_time_ms, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (enrollment_id, lesson_id) DO UPDATE SET
			watch_time_ms = CASE
				WHEN lesson_progress.completed THEN lesson_progress.watch_time_ms
				ELSE GREATEST(lesson_progress.watch_time_ms, EXCLUDED.watch_time_ms)
			END,
			updated_at = CASE
				WHEN NOT lesson_progress.completed AND EXCLUDED.watch_time_ms > lesson_progress.watch_time_ms
					THEN EXCLUDED.updated_at
				ELSE lesson_progress.updated_at
			END
		RETURNING ` + progressColumns

	lp, err := scanProgress(r.conn.Querier(ctx).QueryRow(ctx, query,
		enrollmentID.String(),
		lessonID.String(),
		progress.NormalizeWatchTime(elapsed).Milliseconds(),
		at,
	))
	if err != nil {
		return nil, translate("progress", "RecordWatchTime", err, progressRefs(enrollmentID, lessonID))
	}
	return lp, nil
}

// MarkCompleted completes the lesson once. The UPDATE's NOT completed guard
// is re-evaluated after a concurrent writer commits, so exactly one caller
// sees changed == true.
func (r *ProgressRepository) MarkCompleted(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID, at time.Time) (*progress.LessonProgress, bool, error) {
	q := r.conn.Querier(ctx)
	refs := progressRefs(enrollmentID, lessonID)

	_, err := q.Exec(ctx, `
		INSERT INTO lesson_progress (enrollment_id, lesson_id, started_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (enrollment_id, lesson_id) DO NOTHING
	`, enrollmentID.String(), lessonID.String(), at)
	if err != nil {
		return nil, false, translate("progress", "MarkCompleted", err, refs)
	}

	query := `
		UPDATE lesson_progress
		SET completed = TRUE, completed_at = $3, updated_at = $3
		WHERE enrollment_id = $1 AND lesson_id = $2 AND NOT completed
		RETURNING ` + progressColumns

	lp, err := scanProgress(q.QueryRow(ctx, query, enrollmentID.String(), lessonID.String(), at))
	switch {
	case err == nil:
		return lp, true, nil
	case !IsNoRows(err):
		return nil, false, translate("progress", "MarkCompleted", err, refs)
	}

	lp, err = r.Get(ctx, enrollmentID, lessonID)
	if err != nil {
		return nil, false, err
	}
	return lp, false, nil
}

// Get returns one lesson record.
func (r *ProgressRepository) Get(ctx context.Context, enrollmentID shared.EnrollmentID, lessonID shared.LessonID) (*progress.LessonProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM lesson_progress WHERE enrollment_id = $1 AND lesson_id = $2`
	lp, err := scanProgress(r.conn.Querier(ctx).QueryRow(ctx, query, enrollmentID.String(), lessonID.String()))
	if err != nil {
		return nil, translate("progress", "Get", err, progressRefs(enrollmentID, lessonID))
	}
	return lp, nil
}

// ListByEnrollment returns every lesson record of an enrollment.
func (r *ProgressRepository) ListByEnrollment(ctx context.Context, enrollmentID shared.EnrollmentID) ([]*progress.LessonProgress, error) {
	query := `
		SELECT ` + progressColumns + `
		FROM lesson_progress
		WHERE enrollment_id = $1
		ORDER BY started_at, lesson_id
	`

	rows, err := r.conn.Querier(ctx).Query(ctx, query, enrollmentID.String())
	if err != nil {
		return nil, translate("progress", "ListByEnrollment", err, shared.Refs{shared.RefEnrollment: enrollmentID.String()})
	}
	defer rows.Close()

	var out []*progress.LessonProgress
	for rows.Next() {
		lp, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lesson progress: %w", err)
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

func scanProgress(row pgx.Row) (*progress.LessonProgress, error) {
	var (
		lp                   progress.LessonProgress
		enrollmentID, lesson string
		watchMS              int64
		completedAt          *time.Time
	)

	err := row.Scan(
		&enrollmentID,
		&lesson,
		&lp.Completed,
		&watchMS,
		&lp.StartedAt,
		&completedAt,
		&lp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	lp.EnrollmentID = shared.EnrollmentID(enrollmentID)
	lp.LessonID = shared.LessonID(lesson)
	lp.WatchTime = time.Duration(watchMS) * time.Millisecond
	lp.StartedAt = lp.StartedAt.UTC()
	lp.UpdatedAt = lp.UpdatedAt.UTC()
	lp.CompletedAt = utcPtr(completedAt)
	return &lp, nil
}

func progressRefs(enrollmentID shared.EnrollmentID, lessonID shared.LessonID) shared.Refs {
	return shared.Refs{shared.RefEnrollment: enrollmentID.String(), shared.RefLesson: lessonID.String()}
}
