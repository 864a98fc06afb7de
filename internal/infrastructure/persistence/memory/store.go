// Package memory is an in-process implementation of the engine's persistence
// ports. Transactions are serialized on one mutex and roll back by restoring
// a snapshot, which gives the same isolation guarantees the engine relies on
// from PostgreSQL row locks. It backs tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/progress"
	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

type progressKey struct {
	enrollment shared.EnrollmentID
	lesson     shared.LessonID
}

type state struct {
	enrollments map[shared.EnrollmentID]*enrollment.Enrollment
	progress    map[progressKey]*progress.LessonProgress
	quizzes     map[shared.QuizID]*quiz.Quiz
	attempts    map[shared.AttemptID]*quiz.Attempt
	answers     map[shared.AttemptID]map[shared.QuestionID]*quiz.StudentAnswer
}

func newState() *state {
	return &state{
		enrollments: make(map[shared.EnrollmentID]*enrollment.Enrollment),
		progress:    make(map[progressKey]*progress.LessonProgress),
		quizzes:     make(map[shared.QuizID]*quiz.Quiz),
		attempts:    make(map[shared.AttemptID]*quiz.Attempt),
		answers:     make(map[shared.AttemptID]map[shared.QuestionID]*quiz.StudentAnswer),
	}
}

// snapshot copies the maps. Stored values are never mutated in place, so
// sharing the pointers is safe.
func (s *state) snapshot() *state {
	c := &state{
		enrollments: make(map[shared.EnrollmentID]*enrollment.Enrollment, len(s.enrollments)),
		progress:    make(map[progressKey]*progress.LessonProgress, len(s.progress)),
		quizzes:     make(map[shared.QuizID]*quiz.Quiz, len(s.quizzes)),
		attempts:    make(map[shared.AttemptID]*quiz.Attempt, len(s.attempts)),
		answers:     make(map[shared.AttemptID]map[shared.QuestionID]*quiz.StudentAnswer, len(s.answers)),
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.progress {
		c.progress[k] = v
	}
	for k, v := range s.quizzes {
		c.quizzes[k] = v
	}
	for k, v := range s.attempts {
		c.attempts[k] = v
	}
	for k, byQuestion := range s.answers {
		m := make(map[shared.QuestionID]*quiz.StudentAnswer, len(byQuestion))
		for q, a := range byQuestion {
			m[q] = a
		}
		c.answers[k] = m
	}
	return c
}

// Store holds all engine data in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

type txKey struct{}

type tx struct {
	store *Store
}

func (s *Store) inTx(ctx context.Context) bool {
	t, ok := ctx.Value(txKey{}).(*tx)
	return ok && t.store == s
}

// WithinTx implements shared.Transactor. Nested calls join the running
// transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.state.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.state = saved
			panic(p)
		}
		if err != nil {
			s.state = saved
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, &tx{store: s}))
}

// do runs a single repository operation, in the caller's transaction when
// there is one and in its own otherwise.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.state)
	}
	return s.WithinTx(ctx, func(context.Context) error {
		return fn(s.state)
	})
}

func notFound(domain, what, id string) error {
	return shared.NewDomainError(domain, "Get", shared.ErrNotFound, fmt.Sprintf("%s not found", what)).
		WithRefs(shared.Refs{domain + "_id": id})
}

func conflict(domain, op, message string) *shared.DomainError {
	return shared.NewDomainError(domain, op, shared.ErrAlreadyExists, message)
}

// Enrollments returns the enrollment repository.
func (s *Store) Enrollments() *EnrollmentRepository { return &EnrollmentRepository{store: s} }

// Progress returns the lesson progress repository.
func (s *Store) Progress() *ProgressRepository { return &ProgressRepository{store: s} }

// Quizzes returns the quiz definition repository.
func (s *Store) Quizzes() *QuizRepository { return &QuizRepository{store: s} }

// Attempts returns the attempt repository.
func (s *Store) Attempts() *AttemptRepository { return &AttemptRepository{store: s} }

var _ shared.Transactor = (*Store)(nil)
