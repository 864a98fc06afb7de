package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentRepository implements enrollment.Repository for PostgreSQL.
type EnrollmentRepository struct {
	conn *Connection
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(conn *Connection) *EnrollmentRepository {
	return &EnrollmentRepository{conn: conn}
}

var _ enrollment.Repository = (*EnrollmentRepository)(nil)

const enrollmentColumns = `
	id, student_id, course_id, status, progress, payment_reference,
	enrolled_at, completed_at, cancelled_at, expires_at, updated_at`

// Create inserts the enrollment. The partial unique index on
// (student_id, course_id) rejects a second non-cancelled row, and
// uq_enrollments_payment_reference a second use of a payment reference.
func (r *EnrollmentRepository) Create(ctx context.Context, e *enrollment.Enrollment) error {
	query := `
		INSERT INTO enrollments (` + enrollmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.conn.Querier(ctx).Exec(ctx, query,
		e.ID.String(),
		e.StudentID.String(),
		e.CourseID.String(),
		string(e.Status),
		e.Progress,
		nullString(e.PaymentReference),
		e.EnrolledAt,
		e.CompletedAt,
		e.CancelledAt,
		e.ExpiresAt,
		e.UpdatedAt,
	)
	if violatesConstraint(err, "uq_enrollments_payment_reference") {
		return shared.WrapError("enrollment", "Create", shared.ErrAlreadyExists,
			"payment reference already used", enrollment.ErrPaymentReferenceRedeemed).
			WithRefs(shared.Refs{shared.RefPayment: e.PaymentReference})
	}
	return translate("enrollment", "Create", err, enrollmentRefs(e))
}

// GetByID returns an enrollment by ID.
func (r *EnrollmentRepository) GetByID(ctx context.Context, id shared.EnrollmentID) (*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	e, err := scanEnrollment(r.conn.Querier(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		return nil, translate("enrollment", "GetByID", err, shared.Refs{shared.RefEnrollment: id.String()})
	}
	return e, nil
}

// GetForUpdate locks the enrollment row for the rest of the transaction.
func (r *EnrollmentRepository) GetForUpdate(ctx context.Context, id shared.EnrollmentID) (*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`
	e, err := scanEnrollment(r.conn.Querier(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		return nil, translate("enrollment", "GetForUpdate", err, shared.Refs{shared.RefEnrollment: id.String()})
	}
	return e, nil
}

// FindCurrent returns the student's non-cancelled enrollment in the course.
func (r *EnrollmentRepository) FindCurrent(ctx context.Context, student shared.StudentID, course shared.CourseID) (*enrollment.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE student_id = $1 AND course_id = $2 AND status <> 'cancelled'
	`
	e, err := scanEnrollment(r.conn.Querier(ctx).QueryRow(ctx, query, student.String(), course.String()))
	if err != nil {
		return nil, translate("enrollment", "FindCurrent", err,
			shared.Refs{shared.RefStudent: student.String(), shared.RefCourse: course.String()})
	}
	return e, nil
}

// Update writes the mutable fields back.
func (r *EnrollmentRepository) Update(ctx context.Context, e *enrollment.Enrollment) error {
	query := `
		UPDATE enrollments SET
			status = $2,
			progress = $3,
			completed_at = $4,
			cancelled_at = $5,
			expires_at = $6,
			updated_at = $7
		WHERE id = $1
	`

	tag, err := r.conn.Querier(ctx).Exec(ctx, query,
		e.ID.String(),
		string(e.Status),
		e.Progress,
		e.CompletedAt,
		e.CancelledAt,
		e.ExpiresAt,
		e.UpdatedAt,
	)
	if err != nil {
		return translate("enrollment", "Update", err, enrollmentRefs(e))
	}
	if tag.RowsAffected() == 0 {
		return translate("enrollment", "Update", pgx.ErrNoRows, enrollmentRefs(e))
	}
	return nil
}

// ListOverdue returns ACTIVE enrollments whose window closed, oldest first.
func (r *EnrollmentRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*enrollment.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`

	rows, err := r.conn.Querier(ctx).Query(ctx, query, now, limit)
	if err != nil {
		return nil, translate("enrollment", "ListOverdue", err, nil)
	}
	defer rows.Close()

	var out []*enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEnrollment(row pgx.Row) (*enrollment.Enrollment, error) {
	var (
		e                                 enrollment.Enrollment
		id, student, course, status       string
		paymentRef                        *string
		completedAt, cancelledAt, expires *time.Time
	)

	err := row.Scan(
		&id,
		&student,
		&course,
		&status,
		&e.Progress,
		&paymentRef,
		&e.EnrolledAt,
		&completedAt,
		&cancelledAt,
		&expires,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID = shared.EnrollmentID(id)
	e.StudentID = shared.StudentID(student)
	e.CourseID = shared.CourseID(course)
	e.Status = enrollment.Status(status)
	if !e.Status.IsValid() {
		return nil, corruptRow("enrollment", id, "unknown status "+status)
	}
	if paymentRef != nil {
		e.PaymentReference = *paymentRef
	}
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.CompletedAt = utcPtr(completedAt)
	e.CancelledAt = utcPtr(cancelledAt)
	e.ExpiresAt = utcPtr(expires)
	return &e, nil
}

func enrollmentRefs(e *enrollment.Enrollment) shared.Refs {
	return shared.Refs{
		shared.RefEnrollment: e.ID.String(),
		shared.RefStudent:    e.StudentID.String(),
		shared.RefCourse:     e.CourseID.String(),
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
