package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/payment"
	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/coursehub/progress-engine/pkg/logger"
	"github.com/coursehub/progress-engine/pkg/timeutil"
)

var testStart = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
	fail   error
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []shared.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recorder) count(t shared.EventType) int {
	n := 0
	for _, et := range r.types() {
		if et == t {
			n++
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	catalog  *memory.Catalog
	clock    *timeutil.ManualClock
	events   *recorder
	verdicts map[string]payment.Verdict
	payErr   error
	payCalls atomic.Int32
	engine   *Engine
}

type harnessOption func(*harness, *Deps, *Config)

func withConfig(fn func(*Config)) harnessOption {
	return func(_ *harness, _ *Deps, c *Config) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    memory.NewStore(),
		catalog:  memory.NewCatalog(),
		clock:    timeutil.NewManualClock(testStart),
		events:   &recorder{},
		verdicts: make(map[string]payment.Verdict),
	}

	deps := Deps{
		Tx:          h.store,
		Enrollments: h.store.Enrollments(),
		Progress:    h.store.Progress(),
		Quizzes:     h.store.Quizzes(),
		Attempts:    h.store.Attempts(),
		Catalog:     h.catalog,
		Payments: payment.VerifierFunc(func(_ context.Context, req payment.Request) (payment.Verdict, error) {
			h.payCalls.Add(1)
			if h.payErr != nil {
				return payment.Verdict{}, h.payErr
			}
			v, ok := h.verdicts[req.Reference]
			if !ok {
				return payment.Verdict{Status: "not_found", Reason: "unknown payment reference"}, nil
			}
			return v, nil
		}),
		Clock:  h.clock,
		Events: h.events,
		Logger: logger.Nop(),
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(h, &deps, &cfg)
	}

	e, err := New(deps, cfg)
	require.NoError(t, err)
	h.engine = e
	return h
}

func newID() string { return uuid.NewString() }

func (h *harness) course(lessons int) *catalog.Course {
	c := catalog.Course{
		ID:       shared.CourseID(newID()),
		Title:    "Go in Practice",
		Price:    decimal.Zero,
		Currency: "USD",
	}
	for i := 0; i < lessons; i++ {
		c.Lessons = append(c.Lessons, catalog.Lesson{
			ID:       shared.LessonID(newID()),
			Title:    "Lesson",
			Position: i + 1,
		})
	}
	h.catalog.Put(c)
	return &c
}

func (h *harness) paidCourse(price string) *catalog.Course {
	c := h.course(2)
	c.Price = decimal.RequireFromString(price)
	h.catalog.Put(*c)
	return c
}

func (h *harness) enroll(student shared.StudentID, course *catalog.Course) *enrollment.Enrollment {
	h.t.Helper()
	e, err := h.engine.Enrollments.Enroll(h.ctx, EnrollCommand{StudentID: student, CourseID: course.ID})
	require.NoError(h.t, err)
	return e
}

func newStudent() shared.StudentID { return shared.StudentID(newID()) }

// threeQuestionQuiz has one question of each type, one point each.
func (h *harness) threeQuestionQuiz(course *catalog.Course, lesson shared.LessonID, maxAttempts int) *quiz.Quiz {
	h.t.Helper()
	qid := shared.QuizID(newID())
	q := &quiz.Quiz{
		ID:           qid,
		CourseID:     course.ID,
		LessonID:     lesson,
		Title:        "Checkpoint",
		PassingScore: 70,
		MaxAttempts:  maxAttempts,
		Questions: []quiz.Question{
			{
				ID:       shared.QuestionID(newID()),
				Text:     "Which keyword starts a goroutine?",
				Type:     quiz.TypeMultipleChoice,
				Position: 1,
				Options: []quiz.Option{
					{ID: shared.OptionID(newID()), Text: "go", IsCorrect: true, Position: 1},
					{ID: shared.OptionID(newID()), Text: "async", Position: 2},
					{ID: shared.OptionID(newID()), Text: "spawn", Position: 3},
				},
			},
			{
				ID:            shared.QuestionID(newID()),
				Text:          "Maps are safe for concurrent writes.",
				Type:          quiz.TypeTrueFalse,
				Position:      2,
				CorrectAnswer: "false",
			},
			{
				ID:            shared.QuestionID(newID()),
				Text:          "Name the zero value of a pointer.",
				Type:          quiz.TypeShortAnswer,
				Position:      3,
				CorrectAnswer: "nil",
			},
		},
	}
	require.NoError(h.t, h.engine.Quizzes.SaveQuiz(h.ctx, q))
	return q
}

// twoQuestionQuiz is worth two points and passes at 50%.
func (h *harness) twoQuestionQuiz(course *catalog.Course, maxAttempts int) *quiz.Quiz {
	h.t.Helper()
	q := &quiz.Quiz{
		ID:           shared.QuizID(newID()),
		CourseID:     course.ID,
		Title:        "Warm-up",
		PassingScore: 50,
		MaxAttempts:  maxAttempts,
		Questions: []quiz.Question{
			{
				ID:            shared.QuestionID(newID()),
				Text:          "A nil slice has length zero.",
				Type:          quiz.TypeTrueFalse,
				Points:        1,
				Position:      1,
				CorrectAnswer: "true",
			},
			{
				ID:            shared.QuestionID(newID()),
				Text:          "Which built-in appends to a slice?",
				Type:          quiz.TypeShortAnswer,
				Points:        1,
				Position:      2,
				CorrectAnswer: "append",
			},
		},
	}
	require.NoError(h.t, h.engine.Quizzes.SaveQuiz(h.ctx, q))
	return q
}

// answerAll submits the given texts in question order.
func (h *harness) answerAll(a *quiz.Attempt, q *quiz.Quiz, texts ...string) {
	h.t.Helper()
	for i, text := range texts {
		_, err := h.engine.Quizzes.SubmitAnswer(h.ctx, SubmitAnswerCommand{
			AttemptID:  a.ID,
			QuestionID: q.Questions[i].ID,
			AnswerText: text,
		})
		require.NoError(h.t, err)
	}
}

func (h *harness) start(student shared.StudentID, q *quiz.Quiz) *quiz.Attempt {
	h.t.Helper()
	a, err := h.engine.Quizzes.StartAttempt(h.ctx, StartAttemptCommand{StudentID: student, QuizID: q.ID})
	require.NoError(h.t, err)
	return a
}

var errGateway = errors.New("gateway unreachable")
