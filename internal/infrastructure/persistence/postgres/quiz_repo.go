package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// QUIZ REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// QuizRepository implements quiz.Repository for PostgreSQL.
type QuizRepository struct {
	conn *Connection
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(conn *Connection) *QuizRepository {
	return &QuizRepository{conn: conn}
}

var _ quiz.Repository = (*QuizRepository)(nil)

const quizColumns = `
	id, course_id, lesson_id, title, time_limit_seconds, passing_score, max_attempts, total_questions`

// GetQuiz loads a quiz with its questions and options in position order.
func (r *QuizRepository) GetQuiz(ctx context.Context, id shared.QuizID) (*quiz.Quiz, error) {
	query := `SELECT ` + quizColumns + ` FROM quizzes WHERE id = $1`
	q, err := scanQuiz(r.conn.Querier(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		return nil, translate("quiz", "GetQuiz", err, shared.Refs{shared.RefQuiz: id.String()})
	}
	if err := r.loadQuestions(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// FindByLesson returns the quiz gating a lesson.
func (r *QuizRepository) FindByLesson(ctx context.Context, lesson shared.LessonID) (*quiz.Quiz, error) {
	query := `SELECT ` + quizColumns + ` FROM quizzes WHERE lesson_id = $1`
	q, err := scanQuiz(r.conn.Querier(ctx).QueryRow(ctx, query, lesson.String()))
	if err != nil {
		return nil, translate("quiz", "FindByLesson", err, shared.Refs{shared.RefLesson: lesson.String()})
	}
	if err := r.loadQuestions(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

func (r *QuizRepository) loadQuestions(ctx context.Context, q *quiz.Quiz) error {
	db := r.conn.Querier(ctx)

	rows, err := db.Query(ctx, `
		SELECT id, question_text, question_type, points, position, COALESCE(correct_answer, '')
		FROM quiz_questions
		WHERE quiz_id = $1
		ORDER BY position, id
	`, q.ID.String())
	if err != nil {
		return translate("quiz", "GetQuiz", err, shared.Refs{shared.RefQuiz: q.ID.String()})
	}

	index := make(map[shared.QuestionID]int)
	for rows.Next() {
		var (
			question quiz.Question
			id, kind string
		)
		if err := rows.Scan(&id, &question.Text, &kind, &question.Points, &question.Position, &question.CorrectAnswer); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan question: %w", err)
		}
		question.ID = shared.QuestionID(id)
		question.QuizID = q.ID
		question.Type = quiz.QuestionType(kind)
		index[question.ID] = len(q.Questions)
		q.Questions = append(q.Questions, question)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.Query(ctx, `
		SELECT o.id, o.question_id, o.option_text, o.is_correct, o.position
		FROM quiz_options o
		JOIN quiz_questions qq ON qq.id = o.question_id
		WHERE qq.quiz_id = $1
		ORDER BY o.position, o.id
	`, q.ID.String())
	if err != nil {
		return translate("quiz", "GetQuiz", err, shared.Refs{shared.RefQuiz: q.ID.String()})
	}
	defer rows.Close()

	for rows.Next() {
		var (
			opt            quiz.Option
			id, questionID string
		)
		if err := rows.Scan(&id, &questionID, &opt.Text, &opt.IsCorrect, &opt.Position); err != nil {
			return fmt.Errorf("failed to scan option: %w", err)
		}
		opt.ID = shared.OptionID(id)
		if i, ok := index[shared.QuestionID(questionID)]; ok {
			q.Questions[i].Options = append(q.Questions[i].Options, opt)
		}
	}
	return rows.Err()
}

// SaveQuiz validates q and replaces its stored definition. Questions that
// already have answers cannot be removed.
func (r *QuizRepository) SaveQuiz(ctx context.Context, q *quiz.Quiz) error {
	q.Normalize()
	if err := q.Validate(); err != nil {
		return err
	}
	refs := shared.Refs{shared.RefQuiz: q.ID.String()}

	return r.conn.WithinTx(ctx, func(ctx context.Context) error {
		db := r.conn.Querier(ctx)

		_, err := db.Exec(ctx, `
			INSERT INTO quizzes (`+quizColumns+`, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (id) DO UPDATE SET
				course_id = EXCLUDED.course_id,
				lesson_id = EXCLUDED.lesson_id,
				title = EXCLUDED.title,
				time_limit_seconds = EXCLUDED.time_limit_seconds,
				passing_score = EXCLUDED.passing_score,
				max_attempts = EXCLUDED.max_attempts,
				total_questions = EXCLUDED.total_questions,
				updated_at = NOW()
		`,
			q.ID.String(),
			q.CourseID.String(),
			nullString(q.LessonID.String()),
			q.Title,
			int(q.TimeLimit/time.Second),
			q.PassingScore,
			q.MaxAttempts,
			q.TotalQuestions,
		)
		if err != nil {
			return translate("quiz", "SaveQuiz", err, refs)
		}

		keep := make([]string, 0, len(q.Questions))
		for i := range q.Questions {
			keep = append(keep, q.Questions[i].ID.String())
		}
		if _, err := db.Exec(ctx, `DELETE FROM quiz_questions WHERE quiz_id = $1 AND NOT (id::text = ANY($2))`,
			q.ID.String(), keep); err != nil {
			return translate("quiz", "SaveQuiz", err, refs)
		}

		for i := range q.Questions {
			if err := saveQuestion(ctx, db, &q.Questions[i]); err != nil {
				return translate("quiz", "SaveQuiz", err, refs)
			}
		}
		return nil
	})
}

func saveQuestion(ctx context.Context, db Querier, question *quiz.Question) error {
	_, err := db.Exec(ctx, `
		INSERT INTO quiz_questions (id, quiz_id, question_text, question_type, points, position, correct_answer)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			question_text = EXCLUDED.question_text,
			question_type = EXCLUDED.question_type,
			points = EXCLUDED.points,
			position = EXCLUDED.position,
			correct_answer = EXCLUDED.correct_answer
	`,
		question.ID.String(),
		question.QuizID.String(),
		question.Text,
		string(question.Type),
		question.Points,
		question.Position,
		nullString(question.CorrectAnswer),
	)
	if err != nil {
		return err
	}

	if _, err := db.Exec(ctx, `DELETE FROM quiz_options WHERE question_id = $1`, question.ID.String()); err != nil {
		return err
	}
	for i := range question.Options {
		opt := &question.Options[i]
		if opt.ID == "" {
			opt.ID = shared.OptionID(shared.NewID())
		}
		_, err := db.Exec(ctx, `
			INSERT INTO quiz_options (id, question_id, option_text, is_correct, position)
			VALUES ($1, $2, $3, $4, $5)
		`, opt.ID.String(), question.ID.String(), opt.Text, opt.IsCorrect, opt.Position)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanQuiz(row pgx.Row) (*quiz.Quiz, error) {
	var (
		q                quiz.Quiz
		id, course       string
		lesson           *string
		timeLimitSeconds int
	)

	err := row.Scan(
		&id,
		&course,
		&lesson,
		&q.Title,
		&timeLimitSeconds,
		&q.PassingScore,
		&q.MaxAttempts,
		&q.TotalQuestions,
	)
	if err != nil {
		return nil, err
	}

	q.ID = shared.QuizID(id)
	q.CourseID = shared.CourseID(course)
	if lesson != nil {
		q.LessonID = shared.LessonID(*lesson)
	}
	q.TimeLimit = time.Duration(timeLimitSeconds) * time.Second
	return &q, nil
}
