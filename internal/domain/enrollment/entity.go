// Package enrollment holds the Enrollment aggregate: the binding of a student
// to a course together with its lifecycle and aggregate progress.
package enrollment

import (
	"fmt"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Status is the lifecycle state of an enrollment.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// GrantsAccess reports whether the student counts as enrolled.
func (s Status) GrantsAccess() bool {
	return s == StatusActive || s == StatusCompleted
}

func (s Status) String() string { return string(s) }

const (
	MinProgress = 0.0
	MaxProgress = 100.0
)

// Enrollment binds a student to a course. At most one non-cancelled
// enrollment exists per (student, course).
type Enrollment struct {
	ID               shared.EnrollmentID
	StudentID        shared.StudentID
	CourseID         shared.CourseID
	Status           Status
	Progress         float64
	PaymentReference string
	EnrolledAt       time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	ExpiresAt        *time.Time
	UpdatedAt        time.Time
}

// NewEnrollmentParams are the inputs of NewEnrollment.
type NewEnrollmentParams struct {
	ID               shared.EnrollmentID
	StudentID        shared.StudentID
	CourseID         shared.CourseID
	PaymentReference string
	EnrolledAt       time.Time
	// AccessDuration bounds access from EnrolledAt. Zero means no expiry.
	AccessDuration time.Duration
}

// NewEnrollment creates an ACTIVE enrollment with zero progress.
func NewEnrollment(p NewEnrollmentParams) (*Enrollment, error) {
	if p.ID == "" {
		p.ID = shared.NewEnrollmentID()
	}
	if p.StudentID.IsEmpty() {
		return nil, shared.NewDomainError("enrollment", "New", shared.ErrValidation, "student id is required")
	}
	if p.CourseID.IsEmpty() {
		return nil, shared.NewDomainError("enrollment", "New", shared.ErrValidation, "course id is required")
	}
	if p.EnrolledAt.IsZero() {
		return nil, shared.NewDomainError("enrollment", "New", shared.ErrValidation, "enrollment time is required")
	}
	if p.AccessDuration < 0 {
		return nil, shared.NewDomainError("enrollment", "New", shared.ErrValidation, "access duration cannot be negative")
	}

	e := &Enrollment{
		ID:               p.ID,
		StudentID:        p.StudentID,
		CourseID:         p.CourseID,
		Status:           StatusActive,
		Progress:         MinProgress,
		PaymentReference: p.PaymentReference,
		EnrolledAt:       p.EnrolledAt,
		UpdatedAt:        p.EnrolledAt,
	}
	if p.AccessDuration > 0 {
		expires := p.EnrolledAt.Add(p.AccessDuration)
		e.ExpiresAt = &expires
	}
	return e, nil
}

// Cancel moves an ACTIVE enrollment to CANCELLED. Cancelling a cancelled
// enrollment is a no-op and returns changed == false.
func (e *Enrollment) Cancel(at time.Time) (changed bool, err error) {
	switch e.Status {
	case StatusCancelled:
		return false, nil
	case StatusActive:
		e.Status = StatusCancelled
		e.CancelledAt = &at
		e.UpdatedAt = at
		return true, nil
	default:
		return false, e.transitionError("Cancel", StatusCancelled)
	}
}

// Expire moves an ACTIVE enrollment to EXPIRED. Expiring an expired
// enrollment is a no-op.
func (e *Enrollment) Expire(at time.Time) (changed bool, err error) {
	switch e.Status {
	case StatusExpired:
		return false, nil
	case StatusActive:
		e.Status = StatusExpired
		e.UpdatedAt = at
		return true, nil
	default:
		return false, e.transitionError("Expire", StatusExpired)
	}
}

// SetProgress records a recomputed aggregate percentage.
func (e *Enrollment) SetProgress(progress float64, at time.Time) error {
	if progress < MinProgress || progress > MaxProgress {
		return shared.NewDomainError("enrollment", "SetProgress", shared.ErrValidation,
			fmt.Sprintf("progress %.2f out of range", progress)).
			WithRefs(shared.Refs{shared.RefEnrollment: e.ID.String()})
	}
	e.Progress = progress
	e.UpdatedAt = at
	return nil
}

// CompleteIfDone transitions ACTIVE to COMPLETED once progress has reached
// 100. It reports whether the transition happened. COMPLETED is terminal.
func (e *Enrollment) CompleteIfDone(at time.Time) bool {
	if e.Status != StatusActive || e.Progress < MaxProgress {
		return false
	}
	e.Status = StatusCompleted
	e.CompletedAt = &at
	e.UpdatedAt = at
	return true
}

// IsOverdue reports whether an ACTIVE enrollment is past its access window.
func (e *Enrollment) IsOverdue(now time.Time) bool {
	return e.Status == StatusActive && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// IsEnrolled reports whether the enrollment grants course access.
func (e *Enrollment) IsEnrolled() bool {
	return e.Status.GrantsAccess()
}

func (e *Enrollment) transitionError(op string, to Status) error {
	return shared.NewDomainError("enrollment", op, shared.ErrStateTransition,
		fmt.Sprintf("cannot move enrollment from %s to %s", e.Status, to)).
		WithRefs(shared.Refs{shared.RefEnrollment: e.ID.String()})
}

// Clone returns a deep copy.
func (e *Enrollment) Clone() *Enrollment {
	c := *e
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.CancelledAt = cloneTime(e.CancelledAt)
	c.ExpiresAt = cloneTime(e.ExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
