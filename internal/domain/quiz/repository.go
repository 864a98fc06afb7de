package quiz

import (
	"context"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Repository reads and stores quiz definitions.
type Repository interface {
	// GetQuiz returns the quiz with its questions and options ordered by
	// position, or shared.ErrNotFound.
	GetQuiz(ctx context.Context, id shared.QuizID) (*Quiz, error)

	// FindByLesson returns the quiz gating a lesson, or shared.ErrNotFound.
	FindByLesson(ctx context.Context, lesson shared.LessonID) (*Quiz, error)

	// SaveQuiz validates q and replaces any stored version of it.
	SaveQuiz(ctx context.Context, q *Quiz) error
}

// AttemptRepository stores attempts and their answers. The store enforces
// uniqueness of (student, quiz, attempt number) and of (attempt, question).
type AttemptRepository interface {
	CountAttempts(ctx context.Context, student shared.StudentID, quiz shared.QuizID) (int, error)

	// CreateAttempt returns an error matching shared.ErrAlreadyExists when
	// the attempt number is already taken.
	CreateAttempt(ctx context.Context, a *Attempt) error

	GetAttempt(ctx context.Context, id shared.AttemptID) (*Attempt, error)

	// GetAttemptForUpdate locks the attempt until the transaction ends.
	GetAttemptForUpdate(ctx context.Context, id shared.AttemptID) (*Attempt, error)

	// UpdateAttempt writes status, score, percentage and completion time.
	UpdateAttempt(ctx context.Context, a *Attempt) error

	// ListAttempts returns attempts ordered by attempt number.
	ListAttempts(ctx context.Context, student shared.StudentID, quiz shared.QuizID) ([]*Attempt, error)

	// HasPassed reports whether any attempt of the student passed the quiz.
	HasPassed(ctx context.Context, student shared.StudentID, quiz shared.QuizID) (bool, error)

	// UpsertAnswer stores the answer text for (attempt, question), replacing
	// the text of an earlier answer. It returns the stored answer.
	UpsertAnswer(ctx context.Context, a *StudentAnswer) (*StudentAnswer, error)

	ListAnswers(ctx context.Context, attempt shared.AttemptID) ([]*StudentAnswer, error)

	// SaveGrades writes correctness and points onto the stored answers.
	SaveGrades(ctx context.Context, attempt shared.AttemptID, grades []GradedAnswer) error
}
