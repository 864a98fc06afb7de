package quiz

import (
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// AttemptStatus is the state of an attempt: in_progress, then passed or failed.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptPassed     AttemptStatus = "passed"
	AttemptFailed     AttemptStatus = "failed"
)

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptInProgress, AttemptPassed, AttemptFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can no longer change.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptPassed || s == AttemptFailed
}

func (s AttemptStatus) String() string { return string(s) }

// Attempt is one numbered pass of a student through a quiz. Attempt numbers
// per (student, quiz) are 1..k without gaps.
type Attempt struct {
	ID            shared.AttemptID
	QuizID        shared.QuizID
	StudentID     shared.StudentID
	EnrollmentID  shared.EnrollmentID
	AttemptNumber int
	Status        AttemptStatus
	Score         int
	TotalPoints   int
	Percentage    int
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// NewAttempt creates an in-progress attempt.
func NewAttempt(quiz shared.QuizID, student shared.StudentID, enrollment shared.EnrollmentID, number int, at time.Time) (*Attempt, error) {
	if number < 1 {
		return nil, shared.NewDomainError("quiz", "NewAttempt", shared.ErrValidation, "attempt number must be positive")
	}
	return &Attempt{
		ID:            shared.NewAttemptID(),
		QuizID:        quiz,
		StudentID:     student,
		EnrollmentID:  enrollment,
		AttemptNumber: number,
		Status:        AttemptInProgress,
		StartedAt:     at,
	}, nil
}

// EnsureInProgress fails with shared.ErrAttemptNotInProgress once graded.
func (a *Attempt) EnsureInProgress(op string) error {
	if a.Status != AttemptInProgress {
		return shared.NewAttemptNotInProgress(op, a.ID, a.Status.String())
	}
	return nil
}

// Finish records a grade and moves the attempt to passed or failed. A graded
// attempt cannot be graded again.
func (a *Attempt) Finish(g Grade, passingScore int, at time.Time) error {
	if a.Status.IsTerminal() {
		return shared.NewAttemptAlreadyCompleted(a.ID, a.Status.String())
	}
	a.Score = g.Score
	a.TotalPoints = g.TotalPoints
	a.Percentage = g.Percentage
	if g.Passed(passingScore) {
		a.Status = AttemptPassed
	} else {
		a.Status = AttemptFailed
	}
	a.CompletedAt = &at
	return nil
}

// Clone returns a deep copy.
func (a *Attempt) Clone() *Attempt {
	c := *a
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// BestAttempt picks the graded attempt with the highest percentage, earliest
// attempt number first on ties. It returns nil when nothing is graded.
func BestAttempt(attempts []*Attempt) *Attempt {
	var best *Attempt
	for _, a := range attempts {
		if !a.Status.IsTerminal() {
			continue
		}
		if best == nil ||
			a.Percentage > best.Percentage ||
			(a.Percentage == best.Percentage && a.AttemptNumber < best.AttemptNumber) {
			best = a
		}
	}
	return best
}

// StudentAnswer is the single answer of an attempt to a question. It is
// frozen once the attempt is graded.
type StudentAnswer struct {
	ID           shared.AnswerID
	AttemptID    shared.AttemptID
	QuestionID   shared.QuestionID
	AnswerText   string
	IsCorrect    bool
	PointsEarned int
	AnsweredAt   time.Time
}

// NewStudentAnswer creates an ungraded answer.
func NewStudentAnswer(attempt shared.AttemptID, question shared.QuestionID, text string, at time.Time) *StudentAnswer {
	return &StudentAnswer{
		ID:         shared.NewAnswerID(),
		AttemptID:  attempt,
		QuestionID: question,
		AnswerText: text,
		AnsweredAt: at,
	}
}
