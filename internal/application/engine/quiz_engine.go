package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/logger"
)

// QuizEngine runs quiz attempts: numbering them under the attempt limit,
// collecting answers and grading them once.
type QuizEngine struct {
	base
	enrollments enrollment.Repository
	quizzes     quiz.Repository
	attempts    quiz.AttemptRepository
	catalog     catalog.Catalog
	manager     *EnrollmentManager
	tracker     *ProgressTracker
	cfg         Config
}

// AttemptResult is an attempt together with its answers.
type AttemptResult struct {
	Attempt *quiz.Attempt
	Answers []*quiz.StudentAnswer
}

// ═══════════════════════════════════════════════════════════════════════════
// Start
// ═══════════════════════════════════════════════════════════════════════════

// StartAttempt opens the next numbered attempt. Attempt numbers are dense
// and never exceed the quiz's MaxAttempts, even under concurrent starts.
func (q *QuizEngine) StartAttempt(ctx context.Context, cmd StartAttemptCommand) (*quiz.Attempt, error) {
	const op = "StartAttempt"
	if err := q.checkStruct(op, cmd); err != nil {
		return nil, err
	}

	qz, err := q.quizzes.GetQuiz(ctx, cmd.QuizID)
	if err != nil {
		return nil, err
	}

	current, err := q.manager.current(ctx, op, cmd.StudentID, qz.CourseID)
	if err != nil {
		return nil, err
	}
	if cmd.EnrollmentID != "" && cmd.EnrollmentID != current.ID {
		return nil, shared.NewNotEnrolled(op, cmd.StudentID, qz.CourseID).
			WithRefs(shared.Refs{shared.RefEnrollment: cmd.EnrollmentID.String()})
	}

	var created *quiz.Attempt
	start := func(ctx context.Context) error {
		return q.uow.run(ctx, func(ctx context.Context) error {
			// The enrollment row lock serializes attempt numbering per
			// (student, quiz).
			e, err := q.enrollments.GetForUpdate(ctx, current.ID)
			if err != nil {
				return err
			}
			if !e.IsEnrolled() {
				return shared.NewNotEnrolled(op, cmd.StudentID, qz.CourseID)
			}

			count, err := q.attempts.CountAttempts(ctx, cmd.StudentID, qz.ID)
			if err != nil {
				return fmt.Errorf("start attempt: count: %w", err)
			}
			if count >= qz.MaxAttempts {
				return shared.NewAttemptLimitExceeded(cmd.StudentID, qz.ID, qz.MaxAttempts)
			}

			a, err := quiz.NewAttempt(qz.ID, cmd.StudentID, e.ID, count+1, q.now())
			if err != nil {
				return err
			}
			if err := q.attempts.CreateAttempt(ctx, a); err != nil {
				return err
			}

			q.uow.record(ctx, shared.NewAttemptStartedEvent(a.ID, a.QuizID, a.StudentID, a.AttemptNumber, a.StartedAt))
			created = a
			return nil
		})
	}

	if q.uow.active(ctx) {
		err = start(ctx)
	} else {
		err = q.conflict.Do(ctx, start)
	}
	if err != nil {
		if shared.IsAlreadyExists(err) {
			return nil, shared.NewAttemptLimitExceeded(cmd.StudentID, qz.ID, qz.MaxAttempts)
		}
		return nil, err
	}

	logger.FromContext(ctx, q.log).Info("attempt started",
		logger.AttemptID(created.ID),
		logger.QuizID(created.QuizID),
		logger.StudentID(created.StudentID),
		logger.Int("attempt_number", created.AttemptNumber),
	)
	return created, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Answer
// ═══════════════════════════════════════════════════════════════════════════

// SubmitAnswer stores the answer to one question of an in-progress attempt.
// Resubmitting replaces the earlier text; an attempt never holds two answers
// to the same question.
func (q *QuizEngine) SubmitAnswer(ctx context.Context, cmd SubmitAnswerCommand) (*quiz.StudentAnswer, error) {
	const op = "SubmitAnswer"
	if err := q.checkStruct(op, cmd); err != nil {
		return nil, err
	}

	var stored *quiz.StudentAnswer
	err := q.uow.run(ctx, func(ctx context.Context) error {
		a, err := q.attempts.GetAttemptForUpdate(ctx, cmd.AttemptID)
		if err != nil {
			return err
		}
		if err := a.EnsureInProgress(op); err != nil {
			return err
		}

		qz, err := q.quizzes.GetQuiz(ctx, a.QuizID)
		if err != nil {
			return err
		}
		if _, ok := qz.Question(cmd.QuestionID); !ok {
			return shared.NewQuestionNotInQuiz(a.ID, a.QuizID, cmd.QuestionID)
		}

		now := q.now()
		if deadline, timed := qz.Deadline(a.StartedAt, q.cfg.AttemptGrace); timed && now.After(deadline) {
			return shared.NewAttemptTimedOut(a.ID)
		}

		stored, err = q.attempts.UpsertAnswer(ctx, quiz.NewStudentAnswer(a.ID, cmd.QuestionID, cmd.AnswerText, now))
		if err != nil {
			return fmt.Errorf("submit answer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Complete
// ═══════════════════════════════════════════════════════════════════════════

// CompleteAttempt grades the attempt exactly once. Passing an attempt of a
// lesson-gating quiz completes that lesson in the same transaction.
func (q *QuizEngine) CompleteAttempt(ctx context.Context, attemptID shared.AttemptID) (*quiz.Attempt, error) {
	const op = "CompleteAttempt"
	if err := q.checkID(op, shared.RefAttempt, attemptID.String()); err != nil {
		return nil, err
	}

	pre, err := q.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if pre.Status.IsTerminal() {
		return nil, shared.NewAttemptAlreadyCompleted(pre.ID, pre.Status.String())
	}

	qz, err := q.quizzes.GetQuiz(ctx, pre.QuizID)
	if err != nil {
		return nil, err
	}
	var course *catalog.Course
	if qz.HasLesson() {
		if course, err = q.catalog.GetCourse(ctx, qz.CourseID); err != nil {
			return nil, fmt.Errorf("complete attempt: load course: %w", err)
		}
	}

	var graded *quiz.Attempt
	err = q.uow.run(ctx, func(ctx context.Context) error {
		a, err := q.attempts.GetAttemptForUpdate(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status.IsTerminal() {
			return shared.NewAttemptAlreadyCompleted(a.ID, a.Status.String())
		}

		answers, err := q.attempts.ListAnswers(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("complete attempt: list answers: %w", err)
		}
		grade, err := quiz.GradeAnswers(qz, answers)
		if err != nil {
			return err
		}
		if err := q.attempts.SaveGrades(ctx, a.ID, grade.Answers); err != nil {
			return fmt.Errorf("complete attempt: save grades: %w", err)
		}

		now := q.now()
		if err := a.Finish(grade, qz.PassingScore, now); err != nil {
			return err
		}
		if err := q.attempts.UpdateAttempt(ctx, a); err != nil {
			return fmt.Errorf("complete attempt: update: %w", err)
		}
		q.uow.record(ctx, shared.NewAttemptGradedEvent(a.ID, a.QuizID, a.StudentID,
			a.Status.String(), a.Score, a.Percentage, now))

		if a.Status == quiz.AttemptPassed && course != nil {
			if _, err := q.tracker.completeLesson(ctx, a.EnrollmentID, course, qz.LessonID); err != nil {
				return err
			}
		}

		graded = a
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrInvalidQuizState) {
			logger.FromContext(ctx, q.log).Error("attempt could not be graded",
				logger.AttemptID(attemptID),
				logger.QuizID(qz.ID),
				logger.Err(err),
			)
		}
		return nil, err
	}

	logger.FromContext(ctx, q.log).Info("attempt graded",
		logger.AttemptID(graded.ID),
		logger.QuizID(graded.QuizID),
		logger.StudentID(graded.StudentID),
		logger.String("status", graded.Status.String()),
		logger.Int("percentage", graded.Percentage),
	)
	return graded, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Queries
// ═══════════════════════════════════════════════════════════════════════════

// GetBestAttempt returns the graded attempt with the highest percentage,
// the earliest on ties, or nil when the student has no graded attempt.
func (q *QuizEngine) GetBestAttempt(ctx context.Context, student shared.StudentID, quizID shared.QuizID) (*quiz.Attempt, error) {
	attempts, err := q.ListAttempts(ctx, student, quizID)
	if err != nil {
		return nil, err
	}
	return quiz.BestAttempt(attempts), nil
}

// ListAttempts returns the student's attempts at a quiz by attempt number.
func (q *QuizEngine) ListAttempts(ctx context.Context, student shared.StudentID, quizID shared.QuizID) ([]*quiz.Attempt, error) {
	if err := q.checkID("ListAttempts", shared.RefStudent, student.String()); err != nil {
		return nil, err
	}
	if err := q.checkID("ListAttempts", shared.RefQuiz, quizID.String()); err != nil {
		return nil, err
	}
	return q.attempts.ListAttempts(ctx, student, quizID)
}

// GetAttempt returns an attempt with its answers.
func (q *QuizEngine) GetAttempt(ctx context.Context, attemptID shared.AttemptID) (*AttemptResult, error) {
	if err := q.checkID("GetAttempt", shared.RefAttempt, attemptID.String()); err != nil {
		return nil, err
	}
	a, err := q.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := q.attempts.ListAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return &AttemptResult{Attempt: a, Answers: answers}, nil
}

// SaveQuiz normalizes, validates and stores a quiz definition.
func (q *QuizEngine) SaveQuiz(ctx context.Context, qz *quiz.Quiz) error {
	qz.Normalize()
	if err := qz.Validate(); err != nil {
		return err
	}
	if err := q.quizzes.SaveQuiz(ctx, qz); err != nil {
		return fmt.Errorf("save quiz: %w", err)
	}
	logger.FromContext(ctx, q.log).Info("quiz saved",
		logger.QuizID(qz.ID),
		logger.CourseID(qz.CourseID),
		logger.Int("questions", len(qz.Questions)),
	)
	return nil
}
