package memory

import (
	"context"
	"sort"

	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// QuizRepository implements quiz.Repository.
type QuizRepository struct {
	store *Store
}

var _ quiz.Repository = (*QuizRepository)(nil)

func (r *QuizRepository) GetQuiz(ctx context.Context, id shared.QuizID) (*quiz.Quiz, error) {
	var out *quiz.Quiz
	err := r.store.do(ctx, func(st *state) error {
		q, ok := st.quizzes[id]
		if !ok {
			return notFound("quiz", "quiz", id.String())
		}
		out = q.Clone()
		return nil
	})
	return out, err
}

func (r *QuizRepository) FindByLesson(ctx context.Context, lesson shared.LessonID) (*quiz.Quiz, error) {
	var out *quiz.Quiz
	err := r.store.do(ctx, func(st *state) error {
		for _, q := range st.quizzes {
			if q.LessonID == lesson {
				out = q.Clone()
				return nil
			}
		}
		return shared.NewDomainError("quiz", "FindByLesson", shared.ErrNotFound, "no quiz gates this lesson").
			WithRefs(shared.Refs{shared.RefLesson: lesson.String()})
	})
	return out, err
}

func (r *QuizRepository) SaveQuiz(ctx context.Context, q *quiz.Quiz) error {
	stored := q.Clone()
	stored.Normalize()
	if err := stored.Validate(); err != nil {
		return err
	}
	sort.SliceStable(stored.Questions, func(i, j int) bool {
		return stored.Questions[i].Position < stored.Questions[j].Position
	})
	for i := range stored.Questions {
		opts := stored.Questions[i].Options
		sort.SliceStable(opts, func(a, b int) bool { return opts[a].Position < opts[b].Position })
	}

	return r.store.do(ctx, func(st *state) error {
		if stored.HasLesson() {
			for _, other := range st.quizzes {
				if other.ID != stored.ID && other.LessonID == stored.LessonID {
					return conflict("quiz", "SaveQuiz", "lesson already gated by another quiz").
						WithRefs(shared.Refs{shared.RefLesson: stored.LessonID.String(), shared.RefQuiz: other.ID.String()})
				}
			}
		}
		st.quizzes[stored.ID] = stored
		return nil
	})
}
