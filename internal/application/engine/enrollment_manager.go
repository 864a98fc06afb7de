package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/payment"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/logger"
)

// EnrollmentManager owns the enrollment lifecycle: creation behind a payment
// check, cancellation, expiry and completion once progress reaches 100%.
type EnrollmentManager struct {
	base
	repo     enrollment.Repository
	catalog  catalog.Catalog
	payments payment.Verifier
	cfg      Config
}

// ═══════════════════════════════════════════════════════════════════════════
// Enroll
// ═══════════════════════════════════════════════════════════════════════════

// Enroll creates an ACTIVE enrollment with zero progress. Paid courses need a
// payment reference the verifier accepts and no other enrollment holds. A
// student holds at most one non-cancelled enrollment per course; concurrent
// duplicates resolve to exactly one success and shared.ErrAlreadyEnrolled
// for the rest.
func (m *EnrollmentManager) Enroll(ctx context.Context, cmd EnrollCommand) (*enrollment.Enrollment, error) {
	if err := m.checkStruct("Enroll", cmd); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx, m.log).With(logger.StudentID(cmd.StudentID), logger.CourseID(cmd.CourseID))

	course, err := m.catalog.GetCourse(ctx, cmd.CourseID)
	if err != nil {
		return nil, fmt.Errorf("enroll: load course: %w", err)
	}

	// Checked again inside the transaction.
	if err := m.ensureNotEnrolled(ctx, cmd); err != nil {
		return nil, err
	}

	if !course.IsFree() {
		if err := m.verifyPayment(ctx, course, cmd); err != nil {
			log.Info("enrollment refused", logger.Err(err))
			return nil, err
		}
	}

	access := course.AccessDuration
	if access <= 0 {
		access = m.cfg.DefaultAccessDuration
	}

	var created *enrollment.Enrollment
	create := func(ctx context.Context) error {
		return m.uow.run(ctx, func(ctx context.Context) error {
			if err := m.ensureNotEnrolled(ctx, cmd); err != nil {
				return err
			}

			e, err := enrollment.NewEnrollment(enrollment.NewEnrollmentParams{
				StudentID:        cmd.StudentID,
				CourseID:         cmd.CourseID,
				PaymentReference: cmd.PaymentReference,
				EnrolledAt:       m.now(),
				AccessDuration:   access,
			})
			if err != nil {
				return err
			}
			if err := m.repo.Create(ctx, e); err != nil {
				return err
			}

			evt := shared.NewEnrollmentEvent(shared.EventEnrollmentCreated, e.ID, e.StudentID, e.CourseID,
				e.Status.String(), e.Progress, e.EnrolledAt)
			evt.PaymentReference = e.PaymentReference
			m.uow.record(ctx, evt)

			created = e
			return nil
		})
	}

	// A unique violation aborts the surrounding transaction, so the insert is
	// only retried when Enroll owns it.
	if m.uow.active(ctx) {
		err = create(ctx)
	} else {
		err = m.conflict.Do(ctx, create)
	}
	if err != nil {
		switch {
		case errors.Is(err, enrollment.ErrPaymentReferenceRedeemed):
			log.Warn("payment reference reused", logger.String("payment_reference", cmd.PaymentReference))
			return nil, shared.NewPaymentRequired(cmd.StudentID, cmd.CourseID, cmd.PaymentReference,
				"payment reference was already used for another enrollment")
		case shared.IsAlreadyExists(err):
			return nil, shared.NewAlreadyEnrolled(cmd.StudentID, cmd.CourseID, "")
		}
		return nil, err
	}

	log.Info("student enrolled",
		logger.EnrollmentID(created.ID),
		logger.Bool("paid", !course.IsFree()),
	)
	return created, nil
}

func (m *EnrollmentManager) ensureNotEnrolled(ctx context.Context, cmd EnrollCommand) error {
	existing, err := m.repo.FindCurrent(ctx, cmd.StudentID, cmd.CourseID)
	switch {
	case err == nil:
		return shared.NewAlreadyEnrolled(cmd.StudentID, cmd.CourseID, existing.ID)
	case shared.IsNotFound(err):
		return nil
	default:
		return fmt.Errorf("enroll: find current: %w", err)
	}
}

func (m *EnrollmentManager) verifyPayment(ctx context.Context, course *catalog.Course, cmd EnrollCommand) error {
	if cmd.PaymentReference == "" {
		return shared.NewPaymentRequired(cmd.StudentID, cmd.CourseID, "", "course requires payment")
	}

	verdict, err := m.payments.Verify(ctx, payment.Request{
		Reference: cmd.PaymentReference,
		StudentID: cmd.StudentID,
		CourseID:  cmd.CourseID,
		Amount:    course.Price,
		Currency:  course.Currency,
	})
	if err != nil {
		return shared.WrapError("enrollment", "Enroll", shared.ErrExternalService,
			"payment verification unavailable", err).
			WithRefs(shared.Refs{shared.RefPayment: cmd.PaymentReference})
	}
	if !verdict.Accepted {
		reason := verdict.Reason
		if reason == "" {
			reason = "payment was not accepted"
		}
		return shared.NewPaymentRequired(cmd.StudentID, cmd.CourseID, cmd.PaymentReference, reason)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Queries
// ═══════════════════════════════════════════════════════════════════════════

// IsEnrolled reports whether the student holds an ACTIVE or COMPLETED
// enrollment in the course.
func (m *EnrollmentManager) IsEnrolled(ctx context.Context, student shared.StudentID, course shared.CourseID) (bool, error) {
	e, err := m.repo.FindCurrent(ctx, student, course)
	if err != nil {
		if shared.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("is enrolled: %w", err)
	}
	return e.IsEnrolled(), nil
}

// Get returns the enrollment with the given id.
func (m *EnrollmentManager) Get(ctx context.Context, id shared.EnrollmentID) (*enrollment.Enrollment, error) {
	if err := m.checkID("Get", shared.RefEnrollment, id.String()); err != nil {
		return nil, err
	}
	return m.repo.GetByID(ctx, id)
}

// Find returns the student's non-cancelled enrollment in the course.
func (m *EnrollmentManager) Find(ctx context.Context, student shared.StudentID, course shared.CourseID) (*enrollment.Enrollment, error) {
	return m.repo.FindCurrent(ctx, student, course)
}

// current returns the enrollment that grants the student access to course,
// or shared.ErrNotEnrolled.
func (m *EnrollmentManager) current(ctx context.Context, op string, student shared.StudentID, course shared.CourseID) (*enrollment.Enrollment, error) {
	e, err := m.repo.FindCurrent(ctx, student, course)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.NewNotEnrolled(op, student, course)
		}
		return nil, err
	}
	if !e.IsEnrolled() {
		return nil, shared.NewNotEnrolled(op, student, course)
	}
	return e, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// Cancel moves an ACTIVE enrollment to CANCELLED. Cancelling twice is a
// no-op. Completed and expired enrollments cannot be cancelled.
func (m *EnrollmentManager) Cancel(ctx context.Context, id shared.EnrollmentID) error {
	if err := m.checkID("Cancel", shared.RefEnrollment, id.String()); err != nil {
		return err
	}
	return m.transition(ctx, "Cancel", id, shared.EventEnrollmentCancelled, (*enrollment.Enrollment).Cancel)
}

// Expire moves an ACTIVE enrollment to EXPIRED.
func (m *EnrollmentManager) Expire(ctx context.Context, id shared.EnrollmentID) error {
	if err := m.checkID("Expire", shared.RefEnrollment, id.String()); err != nil {
		return err
	}
	return m.transition(ctx, "Expire", id, shared.EventEnrollmentExpired, (*enrollment.Enrollment).Expire)
}

func (m *EnrollmentManager) transition(
	ctx context.Context,
	op string,
	id shared.EnrollmentID,
	eventType shared.EventType,
	apply func(*enrollment.Enrollment, time.Time) (bool, error),
) error {
	var changed bool
	err := m.uow.run(ctx, func(ctx context.Context) error {
		e, err := m.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		now := m.now()
		changed, err = apply(e, now)
		if err != nil || !changed {
			return err
		}
		if err := m.repo.Update(ctx, e); err != nil {
			return fmt.Errorf("%s: update enrollment: %w", op, err)
		}

		m.uow.record(ctx, shared.NewEnrollmentEvent(eventType, e.ID, e.StudentID, e.CourseID,
			e.Status.String(), e.Progress, now))
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		logger.FromContext(ctx, m.log).Info("enrollment "+string(eventType),
			logger.EnrollmentID(id),
			logger.Operation(op),
		)
	}
	return nil
}

// ExpireOverdue expires up to limit ACTIVE enrollments whose access window
// has ended and returns how many it expired. Each enrollment is expired in
// its own transaction; one that changed state in the meantime is skipped.
func (m *EnrollmentManager) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, shared.NewDomainError("enrollment", "ExpireOverdue", shared.ErrValidation, "limit must be positive")
	}

	overdue, err := m.repo.ListOverdue(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("expire overdue: list: %w", err)
	}

	log := logger.FromContext(ctx, m.log)
	expired := 0
	for _, e := range overdue {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		err := m.Expire(ctx, e.ID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, shared.ErrStateTransition):
			log.Debug("enrollment changed before expiry", logger.EnrollmentID(e.ID), logger.Err(err))
		default:
			return expired, fmt.Errorf("expire overdue: %w", err)
		}
	}
	return expired, nil
}

// RecomputeCompletion moves the enrollment to COMPLETED once its progress
// has reached 100%. It joins the caller's transaction when there is one and
// returns the enrollment as stored afterwards.
func (m *EnrollmentManager) RecomputeCompletion(ctx context.Context, id shared.EnrollmentID) (*enrollment.Enrollment, error) {
	var result *enrollment.Enrollment
	var completed bool
	err := m.uow.run(ctx, func(ctx context.Context) error {
		e, err := m.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		result = e

		now := m.now()
		if !e.CompleteIfDone(now) {
			return nil
		}
		if err := m.repo.Update(ctx, e); err != nil {
			return fmt.Errorf("recompute completion: update enrollment: %w", err)
		}
		completed = true

		m.uow.record(ctx, shared.NewEnrollmentEvent(shared.EventEnrollmentCompleted, e.ID, e.StudentID, e.CourseID,
			e.Status.String(), e.Progress, now))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		logger.FromContext(ctx, m.log).Info("enrollment completed",
			logger.EnrollmentID(result.ID),
			logger.StudentID(result.StudentID),
			logger.CourseID(result.CourseID),
		)
	}
	return result, nil
}
