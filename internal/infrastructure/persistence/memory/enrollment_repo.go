package memory

import (
	"context"
	"sort"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// EnrollmentRepository implements enrollment.Repository.
type EnrollmentRepository struct {
	store *Store
}

var _ enrollment.Repository = (*EnrollmentRepository)(nil)

func (r *EnrollmentRepository) Create(ctx context.Context, e *enrollment.Enrollment) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.enrollments[e.ID]; ok {
			return conflict("enrollment", "Create", "enrollment id taken")
		}
		if e.Status != enrollment.StatusCancelled {
			if current := currentEnrollment(st, e.StudentID, e.CourseID); current != nil {
				return conflict("enrollment", "Create", "non-cancelled enrollment exists").
					WithRefs(shared.Refs{shared.RefEnrollment: current.ID.String()})
			}
		}
		if e.PaymentReference != "" {
			for _, other := range st.enrollments {
				if other.PaymentReference == e.PaymentReference {
					return shared.WrapError("enrollment", "Create", shared.ErrAlreadyExists,
						"payment reference already used", enrollment.ErrPaymentReferenceRedeemed).
						WithRefs(shared.Refs{shared.RefPayment: e.PaymentReference})
				}
			}
		}
		st.enrollments[e.ID] = e.Clone()
		return nil
	})
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id shared.EnrollmentID) (*enrollment.Enrollment, error) {
	var out *enrollment.Enrollment
	err := r.store.do(ctx, func(st *state) error {
		e, ok := st.enrollments[id]
		if !ok {
			return notFound("enrollment", "enrollment", id.String())
		}
		out = e.Clone()
		return nil
	})
	return out, err
}

// GetForUpdate is GetByID: holding the store's transaction already excludes
// every other writer.
func (r *EnrollmentRepository) GetForUpdate(ctx context.Context, id shared.EnrollmentID) (*enrollment.Enrollment, error) {
	return r.GetByID(ctx, id)
}

func (r *EnrollmentRepository) FindCurrent(ctx context.Context, student shared.StudentID, course shared.CourseID) (*enrollment.Enrollment, error) {
	var out *enrollment.Enrollment
	err := r.store.do(ctx, func(st *state) error {
		e := currentEnrollment(st, student, course)
		if e == nil {
			return shared.NewDomainError("enrollment", "FindCurrent", shared.ErrNotFound, "no current enrollment").
				WithRefs(shared.Refs{shared.RefStudent: student.String(), shared.RefCourse: course.String()})
		}
		out = e.Clone()
		return nil
	})
	return out, err
}

func (r *EnrollmentRepository) Update(ctx context.Context, e *enrollment.Enrollment) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.enrollments[e.ID]; !ok {
			return notFound("enrollment", "enrollment", e.ID.String())
		}
		st.enrollments[e.ID] = e.Clone()
		return nil
	})
}

func (r *EnrollmentRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*enrollment.Enrollment, error) {
	var out []*enrollment.Enrollment
	err := r.store.do(ctx, func(st *state) error {
		for _, e := range st.enrollments {
			if e.IsOverdue(now) {
				out = append(out, e.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func currentEnrollment(st *state, student shared.StudentID, course shared.CourseID) *enrollment.Enrollment {
	for _, e := range st.enrollments {
		if e.StudentID == student && e.CourseID == course && e.Status != enrollment.StatusCancelled {
			return e
		}
	}
	return nil
}
