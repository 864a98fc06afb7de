package memory

import (
	"context"
	"sort"

	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// AttemptRepository implements quiz.AttemptRepository.
type AttemptRepository struct {
	store *Store
}

var _ quiz.AttemptRepository = (*AttemptRepository)(nil)

func (r *AttemptRepository) CountAttempts(ctx context.Context, student shared.StudentID, quizID shared.QuizID) (int, error) {
	n := 0
	err := r.store.do(ctx, func(st *state) error {
		for _, a := range st.attempts {
			if a.StudentID == student && a.QuizID == quizID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *quiz.Attempt) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.attempts[a.ID]; ok {
			return conflict("quiz", "CreateAttempt", "attempt id taken")
		}
		for _, other := range st.attempts {
			if other.StudentID == a.StudentID && other.QuizID == a.QuizID && other.AttemptNumber == a.AttemptNumber {
				return conflict("quiz", "CreateAttempt", "attempt number taken").
					WithRefs(shared.Refs{shared.RefAttempt: other.ID.String()})
			}
		}
		st.attempts[a.ID] = a.Clone()
		return nil
	})
}

func (r *AttemptRepository) GetAttempt(ctx context.Context, id shared.AttemptID) (*quiz.Attempt, error) {
	var out *quiz.Attempt
	err := r.store.do(ctx, func(st *state) error {
		a, ok := st.attempts[id]
		if !ok {
			return notFound("attempt", "attempt", id.String())
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

func (r *AttemptRepository) GetAttemptForUpdate(ctx context.Context, id shared.AttemptID) (*quiz.Attempt, error) {
	return r.GetAttempt(ctx, id)
}

func (r *AttemptRepository) UpdateAttempt(ctx context.Context, a *quiz.Attempt) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.attempts[a.ID]; !ok {
			return notFound("attempt", "attempt", a.ID.String())
		}
		st.attempts[a.ID] = a.Clone()
		return nil
	})
}

func (r *AttemptRepository) ListAttempts(ctx context.Context, student shared.StudentID, quizID shared.QuizID) ([]*quiz.Attempt, error) {
	var out []*quiz.Attempt
	err := r.store.do(ctx, func(st *state) error {
		for _, a := range st.attempts {
			if a.StudentID == student && a.QuizID == quizID {
				out = append(out, a.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, err
}

func (r *AttemptRepository) HasPassed(ctx context.Context, student shared.StudentID, quizID shared.QuizID) (bool, error) {
	passed := false
	err := r.store.do(ctx, func(st *state) error {
		for _, a := range st.attempts {
			if a.StudentID == student && a.QuizID == quizID && a.Status == quiz.AttemptPassed {
				passed = true
				break
			}
		}
		return nil
	})
	return passed, err
}

func (r *AttemptRepository) UpsertAnswer(ctx context.Context, ans *quiz.StudentAnswer) (*quiz.StudentAnswer, error) {
	var out *quiz.StudentAnswer
	err := r.store.do(ctx, func(st *state) error {
		if _, ok := st.attempts[ans.AttemptID]; !ok {
			return notFound("attempt", "attempt", ans.AttemptID.String())
		}
		byQuestion, ok := st.answers[ans.AttemptID]
		if !ok {
			byQuestion = make(map[shared.QuestionID]*quiz.StudentAnswer)
			st.answers[ans.AttemptID] = byQuestion
		}

		stored := *ans
		if existing, ok := byQuestion[ans.QuestionID]; ok {
			// The answer keeps its identity; only text and time change.
			stored = *existing
			stored.AnswerText = ans.AnswerText
			stored.AnsweredAt = ans.AnsweredAt
		}
		byQuestion[ans.QuestionID] = &stored

		c := stored
		out = &c
		return nil
	})
	return out, err
}

func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID shared.AttemptID) ([]*quiz.StudentAnswer, error) {
	var out []*quiz.StudentAnswer
	err := r.store.do(ctx, func(st *state) error {
		for _, a := range st.answers[attemptID] {
			c := *a
			out = append(out, &c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AnsweredAt.Equal(out[j].AnsweredAt) {
			return out[i].AnsweredAt.Before(out[j].AnsweredAt)
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	return out, err
}

func (r *AttemptRepository) SaveGrades(ctx context.Context, attemptID shared.AttemptID, grades []quiz.GradedAnswer) error {
	return r.store.do(ctx, func(st *state) error {
		byQuestion := st.answers[attemptID]
		for _, g := range grades {
			existing, ok := byQuestion[g.QuestionID]
			if !ok {
				continue
			}
			c := *existing
			c.IsCorrect = g.IsCorrect
			c.PointsEarned = g.PointsEarned
			byQuestion[g.QuestionID] = &c
		}
		return nil
	})
}
