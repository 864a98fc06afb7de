package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// ErrPaymentReferenceRedeemed is the cause of the shared.ErrAlreadyExists
// returned by Create when another enrollment already carries the payment
// reference. A reference pays for one enrollment, cancelled ones included.
var ErrPaymentReferenceRedeemed = errors.New("payment reference already redeemed")

// Repository persists enrollments. Calls made with a transactional context
// (see shared.Transactor) run inside that transaction.
type Repository interface {
	// Create inserts a new enrollment. It returns an error matching
	// shared.ErrAlreadyExists when a non-cancelled enrollment for the same
	// (student, course) already exists, and one also matching
	// ErrPaymentReferenceRedeemed when the payment reference is taken.
	Create(ctx context.Context, e *Enrollment) error

	// GetByID returns shared.ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id shared.EnrollmentID) (*Enrollment, error)

	// GetForUpdate loads the enrollment and locks it until the surrounding
	// transaction ends. Concurrent writers of the same enrollment serialize here.
	GetForUpdate(ctx context.Context, id shared.EnrollmentID) (*Enrollment, error)

	// FindCurrent returns the non-cancelled enrollment for the pair, or
	// shared.ErrNotFound.
	FindCurrent(ctx context.Context, student shared.StudentID, course shared.CourseID) (*Enrollment, error)

	// Update writes status, progress and timestamps back.
	Update(ctx context.Context, e *Enrollment) error

	// ListOverdue returns up to limit ACTIVE enrollments whose access window
	// ended at or before now, oldest first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error)
}
