package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/memory"
)

func TestQuizFlow_GradingAndBestAttempt(t *testing.T) {
	h := newHarness(t)
	course := h.course(2)
	student := newStudent()
	h.enroll(student, course)
	q := h.threeQuestionQuiz(course, "", 3)

	first := h.start(student, q)
	assert.Equal(t, 1, first.AttemptNumber)
	assert.Equal(t, quiz.AttemptInProgress, first.Status)
	h.answerAll(first, q, "go", "true", " NIL ")

	graded, err := h.engine.Quizzes.CompleteAttempt(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.AttemptFailed, graded.Status)
	assert.Equal(t, 2, graded.Score)
	assert.Equal(t, 3, graded.TotalPoints)
	assert.Equal(t, 67, graded.Percentage)

	second := h.start(student, q)
	assert.Equal(t, 2, second.AttemptNumber)
	h.answerAll(second, q, q.Questions[0].Options[0].ID.String(), "False", "nil")

	graded, err = h.engine.Quizzes.CompleteAttempt(h.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.AttemptPassed, graded.Status)
	assert.Equal(t, 100, graded.Percentage)

	third := h.start(student, q)
	_, err = h.engine.Quizzes.CompleteAttempt(h.ctx, third.ID)
	require.NoError(t, err)

	best, err := h.engine.Quizzes.GetBestAttempt(h.ctx, student, q.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, second.ID, best.ID)

	view, err := h.engine.Quizzes.GetAttempt(h.ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, view.Answers, 3)
	correct := 0
	for _, a := range view.Answers {
		if a.IsCorrect {
			correct++
			assert.Equal(t, 1, a.PointsEarned)
		}
	}
	assert.Equal(t, 2, correct)

	assert.Equal(t, 3, h.events.count(shared.EventAttemptStarted))
	assert.Equal(t, 3, h.events.count(shared.EventAttemptGraded))
}

func TestCompleteAttempt_TwoQuestionQuiz(t *testing.T) {
	tests := []struct {
		name        string
		answers     []string
		wantScore   int
		wantPercent int
		wantStatus  quiz.AttemptStatus
	}{
		{"all correct", []string{"true", "append"}, 2, 100, quiz.AttemptPassed},
		{"none correct", []string{"false", "copy"}, 0, 0, quiz.AttemptFailed},
		{"half is the passing line", []string{"true", "copy"}, 1, 50, quiz.AttemptPassed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			course := h.course(1)
			student := newStudent()
			h.enroll(student, course)
			q := h.twoQuestionQuiz(course, 1)

			a := h.start(student, q)
			h.answerAll(a, q, tt.answers...)

			graded, err := h.engine.Quizzes.CompleteAttempt(h.ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, graded.Score)
			assert.Equal(t, 2, graded.TotalPoints)
			assert.Equal(t, tt.wantPercent, graded.Percentage)
			assert.Equal(t, tt.wantStatus, graded.Status)
			require.NotNil(t, graded.CompletedAt)
		})
	}
}

func TestStartAttempt_SingleAttemptQuiz(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)
	q := h.twoQuestionQuiz(course, 1)

	a := h.start(student, q)
	h.answerAll(a, q, "true", "append")
	_, err := h.engine.Quizzes.CompleteAttempt(h.ctx, a.ID)
	require.NoError(t, err)

	_, err = h.engine.Quizzes.StartAttempt(h.ctx, StartAttemptCommand{StudentID: student, QuizID: q.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrAttemptLimitExceeded)

	attempts, err := h.engine.Quizzes.ListAttempts(h.ctx, student, q.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestGetBestAttempt_NoneGraded(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)
	q := h.threeQuestionQuiz(course, "", 2)
	h.start(student, q)

	best, err := h.engine.Quizzes.GetBestAttempt(h.ctx, student, q.ID)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestStartAttempt_Limit(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)
	q := h.threeQuestionQuiz(course, "", 2)

	h.start(student, q)
	h.start(student, q)

	_, err := h.engine.Quizzes.StartAttempt(h.ctx, StartAttemptCommand{StudentID: student, QuizID: q.ID})
	assert.ErrorIs(t, err, shared.ErrAttemptLimitExceeded)
}

func TestStartAttempt_ConcurrentNumbering(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)
	q := h.threeQuestionQuiz(course, "", 3)

	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int
		limited int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.engine.Quizzes.StartAttempt(h.ctx, StartAttemptCommand{StudentID: student, QuizID: q.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				numbers = append(numbers, a.AttemptNumber)
			case errors.Is(err, shared.ErrAttemptLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	sort.Ints(numbers)
	assert.Equal(t, []int{1, 2, 3}, numbers)
	assert.Equal(t, workers-3, limited)
}

func TestStartAttempt_RequiresEnrollment(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	q := h.threeQuestionQuiz(course, "", 2)

	_, err := h.engine.Quizzes.StartAttempt(h.ctx, StartAttemptCommand{StudentID: newStudent(), QuizID: q.ID})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)

	student := newStudent()
	h.enroll(student, course)
	_, err = h.engine.Quizzes.StartAttempt(h.ctx, StartAttemptCommand{
		StudentID:    student,
		QuizID:       q.ID,
		EnrollmentID: shared.EnrollmentID(newID()),
	})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled, "enrollment must be the student's own")
}

func TestSubmitAnswer_Preconditions(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)
	q := h.threeQuestionQuiz(course, "", 2)
	other := h.threeQuestionQuiz(course, "", 2)

	a := h.start(student, q)

	_, err := h.engine.Quizzes.SubmitAnswer(h.ctx, SubmitAnswerCommand{
		AttemptID:  a.ID,
		QuestionID: other.Questions[0].ID,
		AnswerText: "go",
	})
	assert.ErrorIs(t, err, shared.ErrQuestionNotInQuiz)

	first, err := h.engine.Quizzes.SubmitAnswer(h.ctx, SubmitAnswerCommand{
		AttemptID:  a.ID,
		QuestionID: q.Questions[2].ID,
		AnswerText: "null",
	})
	require.NoError(t, err)
	replaced, err := h.engine.Quizzes.SubmitAnswer(h.ctx, SubmitAnswerCommand{
		AttemptID:  a.ID,
		QuestionID: q.Questions[2].ID,
		AnswerText: "nil",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replaced.ID, "resubmitting replaces the answer in place")
	assert.Equal(t, "nil", replaced.AnswerText)

	view, err := h.engine.Quizzes.GetAttempt(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, view.Answers, 1)

	_, err = h.engine.Quizzes.CompleteAttempt(h.ctx, a.ID)
	require.NoError(t, err)

	_, err = h.engine.Quizzes.SubmitAnswer(h.ctx, SubmitAnswerCommand{
		AttemptID:  a.ID,
		QuestionID: q.Questions[0].ID,
		AnswerText: "go",
	})
	assert.ErrorIs(t, err, shared.ErrAttemptNotInProgress)
}

func TestSubmitAnswer_TimeLimit(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.AttemptGrace = 10 * time.Second }))
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)

	q := h.threeQuestionQuiz(course, "", 2)
	q.TimeLimit = 5 * time.Minute
	require.NoError(t, h.engine.Quizzes.SaveQuiz(h.ctx, q))

	a := h.start(student, q)
	submit := func() error {
		_, err := h.engine.Quizzes.SubmitAnswer(h.ctx, SubmitAnswerCommand{
			AttemptID:  a.ID,
			QuestionID: q.Questions[0].ID,
			AnswerText: "go",
		})
		return err
	}

	h.clock.Advance(5*time.Minute + 10*time.Second)
	require.NoError(t, submit(), "answers are accepted through the grace period")

	h.clock.Advance(time.Second)
	assert.ErrorIs(t, submit(), shared.ErrAttemptTimedOut)

	graded, err := h.engine.Quizzes.CompleteAttempt(h.ctx, a.ID)
	require.NoError(t, err, "a timed out attempt can still be graded")
	assert.Equal(t, 33, graded.Percentage)
}

func TestCompleteAttempt_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)
	q := h.threeQuestionQuiz(course, "", 2)
	a := h.start(student, q)
	h.answerAll(a, q, "go", "false", "nil")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		graded    int
		completed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Quizzes.CompleteAttempt(h.ctx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				graded++
			case errors.Is(err, shared.ErrAttemptAlreadyCompleted):
				completed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, graded)
	assert.Equal(t, workers-1, completed)
	assert.Equal(t, 1, h.events.count(shared.EventAttemptGraded))
}

func TestQuizGatedLesson(t *testing.T) {
	h := newHarness(t)
	course := h.course(2)
	student := newStudent()
	e := h.enroll(student, course)
	gated := course.Lessons[1].ID
	q := h.threeQuestionQuiz(course, gated, 3)

	_, err := h.engine.Progress.MarkLessonCompleted(h.ctx, e.ID, gated)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	failed := h.start(student, q)
	h.answerAll(failed, q, "spawn", "true", "null")
	_, err = h.engine.Quizzes.CompleteAttempt(h.ctx, failed.ID)
	require.NoError(t, err)

	records, err := h.engine.Progress.GetLessonProgress(h.ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, records, "a failed attempt completes nothing")

	passed := h.start(student, q)
	h.answerAll(passed, q, "go", "false", "nil")
	_, err = h.engine.Quizzes.CompleteAttempt(h.ctx, passed.ID)
	require.NoError(t, err)

	got, err := h.engine.Enrollments.Get(h.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Progress)
	assert.Equal(t, 1, h.events.count(shared.EventLessonCompleted))

	res, err := h.engine.Progress.MarkLessonCompleted(h.ctx, e.ID, gated)
	require.NoError(t, err, "a passed quiz unlocks manual completion")
	assert.False(t, res.NewlyCompleted)
}

// corruptQuizzes serves quizzes whose multiple-choice question has lost its
// correct option.
type corruptQuizzes struct {
	*memory.QuizRepository
}

func (c corruptQuizzes) GetQuiz(ctx context.Context, id shared.QuizID) (*quiz.Quiz, error) {
	q, err := c.QuizRepository.GetQuiz(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range q.Questions[0].Options {
		q.Questions[0].Options[i].IsCorrect = false
	}
	return q, nil
}

func TestCompleteAttempt_InvalidQuizState(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, func(h *harness, d *Deps, _ *Config) {
		h.store = store
		d.Tx = store
		d.Enrollments = store.Enrollments()
		d.Progress = store.Progress()
		d.Attempts = store.Attempts()
		d.Quizzes = corruptQuizzes{QuizRepository: store.Quizzes()}
	})
	course := h.course(1)
	student := newStudent()
	h.enroll(student, course)

	q := h.threeQuestionQuiz(course, "", 2)
	a := h.start(student, q)
	h.answerAll(a, q, "go", "false", "nil")

	_, err := h.engine.Quizzes.CompleteAttempt(h.ctx, a.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidQuizState)

	view, err := h.engine.Quizzes.GetAttempt(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.AttemptInProgress, view.Attempt.Status, "a failed grading leaves the attempt open")
}

func TestSaveQuiz_Rejects(t *testing.T) {
	h := newHarness(t)
	course := h.course(1)

	q := &quiz.Quiz{
		ID:           shared.QuizID(newID()),
		CourseID:     course.ID,
		Title:        "Empty",
		PassingScore: 50,
		MaxAttempts:  1,
	}
	err := h.engine.Quizzes.SaveQuiz(h.ctx, q)
	assert.ErrorIs(t, err, shared.ErrInvalidQuizState)
}
