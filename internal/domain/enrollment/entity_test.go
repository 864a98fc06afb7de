package enrollment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

var enrolledAt = time.Date(2026, time.February, 1, 10, 0, 0, 0, time.UTC)

func newActive(t *testing.T, access time.Duration) *Enrollment {
	t.Helper()
	e, err := NewEnrollment(NewEnrollmentParams{
		StudentID:      "student-1",
		CourseID:       "course-1",
		EnrolledAt:     enrolledAt,
		AccessDuration: access,
	})
	require.NoError(t, err)
	return e
}

func TestNewEnrollment(t *testing.T) {
	e := newActive(t, 0)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, MinProgress, e.Progress)
	assert.Nil(t, e.ExpiresAt)
	assert.True(t, e.IsEnrolled())

	_, err := NewEnrollment(NewEnrollmentParams{CourseID: "course-1", EnrolledAt: enrolledAt})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = NewEnrollment(NewEnrollmentParams{StudentID: "s", CourseID: "c", EnrolledAt: enrolledAt, AccessDuration: -time.Hour})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransitions(t *testing.T) {
	later := enrolledAt.Add(time.Hour)

	tests := []struct {
		name        string
		from        Status
		apply       func(*Enrollment) (bool, error)
		wantStatus  Status
		wantChanged bool
		wantErr     error
	}{
		{"cancel active", StatusActive, func(e *Enrollment) (bool, error) { return e.Cancel(later) }, StatusCancelled, true, nil},
		{"cancel cancelled", StatusCancelled, func(e *Enrollment) (bool, error) { return e.Cancel(later) }, StatusCancelled, false, nil},
		{"cancel completed", StatusCompleted, func(e *Enrollment) (bool, error) { return e.Cancel(later) }, StatusCompleted, false, shared.ErrStateTransition},
		{"cancel expired", StatusExpired, func(e *Enrollment) (bool, error) { return e.Cancel(later) }, StatusExpired, false, shared.ErrStateTransition},
		{"expire active", StatusActive, func(e *Enrollment) (bool, error) { return e.Expire(later) }, StatusExpired, true, nil},
		{"expire expired", StatusExpired, func(e *Enrollment) (bool, error) { return e.Expire(later) }, StatusExpired, false, nil},
		{"expire completed", StatusCompleted, func(e *Enrollment) (bool, error) { return e.Expire(later) }, StatusCompleted, false, shared.ErrStateTransition},
		{"expire cancelled", StatusCancelled, func(e *Enrollment) (bool, error) { return e.Expire(later) }, StatusCancelled, false, shared.ErrStateTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newActive(t, 0)
			e.Status = tt.from

			changed, err := tt.apply(e)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantStatus, e.Status)
		})
	}
}

func TestCompleteIfDone(t *testing.T) {
	e := newActive(t, 0)
	at := enrolledAt.Add(time.Hour)

	require.NoError(t, e.SetProgress(99.99, at))
	assert.False(t, e.CompleteIfDone(at))

	require.NoError(t, e.SetProgress(100, at))
	assert.True(t, e.CompleteIfDone(at))
	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, at, *e.CompletedAt)

	assert.False(t, e.CompleteIfDone(at.Add(time.Hour)), "completed is terminal")
	assert.True(t, e.IsEnrolled())

	assert.ErrorIs(t, e.SetProgress(100.5, at), shared.ErrValidation)
	assert.ErrorIs(t, e.SetProgress(-1, at), shared.ErrValidation)
}

func TestIsOverdue(t *testing.T) {
	e := newActive(t, 24*time.Hour)
	require.NotNil(t, e.ExpiresAt)

	assert.False(t, e.IsOverdue(enrolledAt.Add(23*time.Hour)))
	assert.True(t, e.IsOverdue(enrolledAt.Add(24*time.Hour)))

	_, err := e.Cancel(enrolledAt)
	require.NoError(t, err)
	assert.False(t, e.IsOverdue(enrolledAt.Add(48*time.Hour)), "only active enrollments expire")
}

func TestClone(t *testing.T) {
	e := newActive(t, time.Hour)
	c := e.Clone()
	*c.ExpiresAt = c.ExpiresAt.Add(time.Hour)

	assert.Equal(t, enrolledAt.Add(time.Hour), *e.ExpiresAt)
}
