package postgres_test

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/application/engine"
	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/payment"
	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/coursehub/progress-engine/pkg/logger"
)

// These tests run the engine against a real database. They need
// TEST_DATABASE_URL pointing at a disposable PostgreSQL instance; every test
// uses fresh ids, so runs do not interfere with each other.

type pgFixture struct {
	ctx     context.Context
	conn    *postgres.Connection
	catalog *memory.Catalog
	engine  *engine.Engine
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	cfg := postgres.DefaultConfig()
	cfg.URL = url
	conn, err := postgres.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	require.NoError(t, postgres.NewMigrator(conn).Migrate(ctx))

	f := &pgFixture{ctx: ctx, conn: conn, catalog: memory.NewCatalog()}
	e, err := engine.New(engine.Deps{
		Tx:          conn,
		Enrollments: postgres.NewEnrollmentRepository(conn),
		Progress:    postgres.NewProgressRepository(conn),
		Quizzes:     postgres.NewQuizRepository(conn),
		Attempts:    postgres.NewAttemptRepository(conn),
		Catalog:     f.catalog,
		Payments: payment.VerifierFunc(func(_ context.Context, req payment.Request) (payment.Verdict, error) {
			if strings.HasPrefix(req.Reference, "settled-") {
				return payment.Verdict{Accepted: true, Status: "settlement"}, nil
			}
			return payment.Verdict{Status: "deny", Reason: "not settled"}, nil
		}),
		Logger: logger.Nop(),
	}, engine.DefaultConfig())
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *pgFixture) course(lessons int, price string) *catalog.Course {
	c := catalog.Course{
		ID:       shared.CourseID(uuid.NewString()),
		Title:    "Concurrency in Go",
		Price:    decimal.RequireFromString(price),
		Currency: "USD",
	}
	for i := 0; i < lessons; i++ {
		c.Lessons = append(c.Lessons, catalog.Lesson{
			ID:       shared.LessonID(uuid.NewString()),
			Title:    "Lesson",
			Position: i + 1,
		})
	}
	f.catalog.Put(c)
	return &c
}

func (f *pgFixture) quiz(t *testing.T, course *catalog.Course, maxAttempts int) *quiz.Quiz {
	t.Helper()
	q := &quiz.Quiz{
		ID:           shared.QuizID(uuid.NewString()),
		CourseID:     course.ID,
		Title:        "Checkpoint",
		PassingScore: 50,
		MaxAttempts:  maxAttempts,
		Questions: []quiz.Question{
			{
				ID:            shared.QuestionID(uuid.NewString()),
				Text:          "Closing a nil channel panics.",
				Type:          quiz.TypeTrueFalse,
				Position:      1,
				CorrectAnswer: "true",
			},
			{
				ID:       shared.QuestionID(uuid.NewString()),
				Text:     "Which statement waits on several channels?",
				Type:     quiz.TypeMultipleChoice,
				Position: 2,
				Options: []quiz.Option{
					{ID: shared.OptionID(uuid.NewString()), Text: "select", IsCorrect: true, Position: 1},
					{ID: shared.OptionID(uuid.NewString()), Text: "switch", Position: 2},
				},
			},
		},
	}
	require.NoError(t, f.engine.Quizzes.SaveQuiz(f.ctx, q))
	return q
}

func student() shared.StudentID { return shared.StudentID(uuid.NewString()) }

// parallel runs fn n times at once and returns the errors in call order.
func parallel(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestPostgres_ConcurrentEnroll(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(2, "0")
	s := student()

	errs := parallel(8, func(int) error {
		_, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: s, CourseID: course.ID})
		return err
	})

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, shared.ErrAlreadyEnrolled)
	}
	assert.Equal(t, 1, successes)

	enrolled, err := f.engine.Enrollments.IsEnrolled(f.ctx, s, course.ID)
	require.NoError(t, err)
	assert.True(t, enrolled)
}

func TestPostgres_PaymentReferenceSingleUse(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(1, "19.00")
	reference := "settled-" + uuid.NewString()

	errs := parallel(4, func(int) error {
		_, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{
			StudentID:        student(),
			CourseID:         course.ID,
			PaymentReference: reference,
		})
		return err
	})

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, shared.ErrPaymentRequired)
	}
	assert.Equal(t, 1, successes)
}

func TestPostgres_CancelledEnrollmentAllowsNewOne(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(1, "0")
	s := student()

	first, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: s, CourseID: course.ID})
	require.NoError(t, err)
	require.NoError(t, f.engine.Enrollments.Cancel(f.ctx, first.ID))

	second, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: s, CourseID: course.ID})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, enrollment.StatusActive, second.Status)
}

func TestPostgres_ConcurrentStartAttempt(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(1, "0")
	s := student()
	_, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: s, CourseID: course.ID})
	require.NoError(t, err)

	const maxAttempts = 5
	q := f.quiz(t, course, maxAttempts)

	var (
		mu      sync.Mutex
		numbers []int
	)
	errs := parallel(maxAttempts+3, func(int) error {
		a, err := f.engine.Quizzes.StartAttempt(f.ctx, engine.StartAttemptCommand{StudentID: s, QuizID: q.ID})
		if err != nil {
			return err
		}
		mu.Lock()
		numbers = append(numbers, a.AttemptNumber)
		mu.Unlock()
		return nil
	})

	limited := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, shared.ErrAttemptLimitExceeded)
			limited++
		}
	}
	sort.Ints(numbers)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, numbers)
	assert.Equal(t, 3, limited)
}

func TestPostgres_AnswerUpsertAndGrading(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(1, "0")
	s := student()
	_, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: s, CourseID: course.ID})
	require.NoError(t, err)
	q := f.quiz(t, course, 1)

	a, err := f.engine.Quizzes.StartAttempt(f.ctx, engine.StartAttemptCommand{StudentID: s, QuizID: q.ID})
	require.NoError(t, err)

	submit := func(question shared.QuestionID, text string) {
		_, err := f.engine.Quizzes.SubmitAnswer(f.ctx, engine.SubmitAnswerCommand{
			AttemptID:  a.ID,
			QuestionID: question,
			AnswerText: text,
		})
		require.NoError(t, err)
	}
	submit(q.Questions[0].ID, "false")
	submit(q.Questions[0].ID, "true")
	submit(q.Questions[1].ID, "select")

	graded, err := f.engine.Quizzes.CompleteAttempt(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.AttemptPassed, graded.Status)
	assert.Equal(t, 2, graded.Score)
	assert.Equal(t, 100, graded.Percentage)

	view, err := f.engine.Quizzes.GetAttempt(f.ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, view.Answers, 2, "a resubmitted answer replaces the first")
	for _, ans := range view.Answers {
		assert.True(t, ans.IsCorrect)
	}

	_, err = f.engine.Quizzes.CompleteAttempt(f.ctx, a.ID)
	assert.ErrorIs(t, err, shared.ErrAttemptAlreadyCompleted)
}

func TestPostgres_LessonCompletion(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(4, "0")
	e, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: student(), CourseID: course.ID})
	require.NoError(t, err)

	res, err := f.engine.Progress.MarkLessonCompleted(f.ctx, e.ID, course.Lessons[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, res.Enrollment.Progress)

	res, err = f.engine.Progress.MarkLessonCompleted(f.ctx, e.ID, course.Lessons[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Enrollment.Progress)
	assert.Equal(t, enrollment.StatusActive, res.Enrollment.Status)

	// The remaining lessons land at the same time, each twice.
	errs := parallel(4, func(i int) error {
		_, err := f.engine.Progress.MarkLessonCompleted(f.ctx, e.ID, course.Lessons[2+i%2].ID)
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := f.engine.Enrollments.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, enrollment.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	records, err := f.engine.Progress.GetLessonProgress(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestPostgres_RecordWatchTimeKeepsFurthestPosition(t *testing.T) {
	f := newPGFixture(t)
	course := f.course(1, "0")
	e, err := f.engine.Enrollments.Enroll(f.ctx, engine.EnrollCommand{StudentID: student(), CourseID: course.ID})
	require.NoError(t, err)
	lesson := course.Lessons[0].ID

	errs := parallel(5, func(i int) error {
		_, err := f.engine.Progress.RecordWatchTime(f.ctx, engine.RecordWatchTimeCommand{
			EnrollmentID: e.ID,
			LessonID:     lesson,
			Elapsed:      time.Duration(i+1) * 10 * time.Second,
		})
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	records, err := f.engine.Progress.GetLessonProgress(f.ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Completed)
	assert.Equal(t, 50*time.Second, records[0].WatchTime)
}
