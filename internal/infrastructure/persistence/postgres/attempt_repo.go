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
// ATTEMPT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// AttemptRepository implements quiz.AttemptRepository for PostgreSQL.
type AttemptRepository struct {
	conn *Connection
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(conn *Connection) *AttemptRepository {
	return &AttemptRepository{conn: conn}
}

var _ quiz.AttemptRepository = (*AttemptRepository)(nil)

const attemptColumns = `
	id, quiz_id, student_id, enrollment_id, attempt_number, status,
	score, total_points, percentage, started_at, completed_at`

const answerColumns = `
	id, attempt_id, question_id, answer_text, is_correct, points_earned, answered_at`

// ─────────────────────────────────────────────────────────────────────────────
// Attempts
// ─────────────────────────────────────────────────────────────────────────────

func (r *AttemptRepository) CountAttempts(ctx context.Context, student shared.StudentID, quizID shared.QuizID) (int, error) {
	var n int
	err := r.conn.Querier(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM quiz_attempts WHERE student_id = $1 AND quiz_id = $2`,
		student.String(), quizID.String(),
	).Scan(&n)
	if err != nil {
		return 0, translate("quiz", "CountAttempts", err, shared.Refs{shared.RefStudent: student.String(), shared.RefQuiz: quizID.String()})
	}
	return n, nil
}

// CreateAttempt inserts the attempt. UNIQUE (student_id, quiz_id,
// attempt_number) turns a numbering race into shared.ErrAlreadyExists.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *quiz.Attempt) error {
	_, err := r.conn.Querier(ctx).Exec(ctx, `
		INSERT INTO quiz_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		a.ID.String(),
		a.QuizID.String(),
		a.StudentID.String(),
		a.EnrollmentID.String(),
		a.AttemptNumber,
		string(a.Status),
		a.Score,
		a.TotalPoints,
		a.Percentage,
		a.StartedAt,
		a.CompletedAt,
	)
	return translate("quiz", "CreateAttempt", err, attemptRefs(a))
}

func (r *AttemptRepository) GetAttempt(ctx context.Context, id shared.AttemptID) (*quiz.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM quiz_attempts WHERE id = $1`
	a, err := scanAttempt(r.conn.Querier(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		return nil, translate("quiz", "GetAttempt", err, shared.Refs{shared.RefAttempt: id.String()})
	}
	return a, nil
}

// GetAttemptForUpdate locks the attempt row until the transaction ends.
func (r *AttemptRepository) GetAttemptForUpdate(ctx context.Context, id shared.AttemptID) (*quiz.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM quiz_attempts WHERE id = $1 FOR UPDATE`
	a, err := scanAttempt(r.conn.Querier(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		return nil, translate("quiz", "GetAttemptForUpdate", err, shared.Refs{shared.RefAttempt: id.String()})
	}
	return a, nil
}

func (r *AttemptRepository) UpdateAttempt(ctx context.Context, a *quiz.Attempt) error {
	tag, err := r.conn.Querier(ctx).Exec(ctx, `
		UPDATE quiz_attempts SET
			status = $2,
			score = $3,
			total_points = $4,
			percentage = $5,
			completed_at = $6
		WHERE id = $1
	`,
		a.ID.String(),
		string(a.Status),
		a.Score,
		a.TotalPoints,
		a.Percentage,
		a.CompletedAt,
	)
	if err != nil {
		return translate("quiz", "UpdateAttempt", err, attemptRefs(a))
	}
	if tag.RowsAffected() == 0 {
		return translate("quiz", "UpdateAttempt", pgx.ErrNoRows, attemptRefs(a))
	}
	return nil
}

func (r *AttemptRepository) ListAttempts(ctx context.Context, student shared.StudentID, quizID shared.QuizID) ([]*quiz.Attempt, error) {
	rows, err := r.conn.Querier(ctx).Query(ctx, `
		SELECT `+attemptColumns+`
		FROM quiz_attempts
		WHERE student_id = $1 AND quiz_id = $2
		ORDER BY attempt_number
	`, student.String(), quizID.String())
	if err != nil {
		return nil, translate("quiz", "ListAttempts", err, shared.Refs{shared.RefStudent: student.String(), shared.RefQuiz: quizID.String()})
	}
	defer rows.Close()

	var out []*quiz.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AttemptRepository) HasPassed(ctx context.Context, student shared.StudentID, quizID shared.QuizID) (bool, error) {
	var passed bool
	err := r.conn.Querier(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM quiz_attempts
			WHERE student_id = $1 AND quiz_id = $2 AND status = 'passed'
		)
	`, student.String(), quizID.String()).Scan(&passed)
	if err != nil {
		return false, translate("quiz", "HasPassed", err, shared.Refs{shared.RefStudent: student.String(), shared.RefQuiz: quizID.String()})
	}
	return passed, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Answers
// ─────────────────────────────────────────────────────────────────────────────

// UpsertAnswer relies on UNIQUE (attempt_id, question_id): a resubmission
// replaces the text and keeps the row's identity.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, a *quiz.StudentAnswer) (*quiz.StudentAnswer, error) {
	query := `
		INSERT INTO student_answers (id, attempt_id, question_id, answer_text, answered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id, question_id) DO UPDATE SET
			answer_text = EXCLUDED.answer_text,
			answered_at = EXCLUDED.answered_at
		RETURNING ` + answerColumns

	stored, err := scanAnswer(r.conn.Querier(ctx).QueryRow(ctx, query,
		a.ID.String(),
		a.AttemptID.String(),
		a.QuestionID.String(),
		a.AnswerText,
		a.AnsweredAt,
	))
	if err != nil {
		return nil, translate("quiz", "UpsertAnswer", err,
			shared.Refs{shared.RefAttempt: a.AttemptID.String(), shared.RefQuestion: a.QuestionID.String()})
	}
	return stored, nil
}

func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID shared.AttemptID) ([]*quiz.StudentAnswer, error) {
	rows, err := r.conn.Querier(ctx).Query(ctx, `
		SELECT `+answerColumns+`
		FROM student_answers
		WHERE attempt_id = $1
		ORDER BY answered_at, question_id
	`, attemptID.String())
	if err != nil {
		return nil, translate("quiz", "ListAnswers", err, shared.Refs{shared.RefAttempt: attemptID.String()})
	}
	defer rows.Close()

	var out []*quiz.StudentAnswer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveGrades writes all verdicts in one round trip.
func (r *AttemptRepository) SaveGrades(ctx context.Context, attemptID shared.AttemptID, grades []quiz.GradedAnswer) error {
	if len(grades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, g := range grades {
		batch.Queue(`
			UPDATE student_answers
			SET is_correct = $3, points_earned = $4
			WHERE attempt_id = $1 AND question_id = $2
		`, attemptID.String(), g.QuestionID.String(), g.IsCorrect, g.PointsEarned)
	}

	results := r.sendBatch(ctx, batch)
	defer results.Close()
	for range grades {
		if _, err := results.Exec(); err != nil {
			return translate("quiz", "SaveGrades", err, shared.Refs{shared.RefAttempt: attemptID.String()})
		}
	}
	return nil
}

func (r *AttemptRepository) sendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx.SendBatch(ctx, b)
	}
	return r.conn.Pool().SendBatch(ctx, b)
}

func scanAttempt(row pgx.Row) (*quiz.Attempt, error) {
	var (
		a                                quiz.Attempt
		id, quizID, student, enr, status string
		completedAt                      *time.Time
	)

	err := row.Scan(
		&id,
		&quizID,
		&student,
		&enr,
		&a.AttemptNumber,
		&status,
		&a.Score,
		&a.TotalPoints,
		&a.Percentage,
		&a.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ID = shared.AttemptID(id)
	a.QuizID = shared.QuizID(quizID)
	a.StudentID = shared.StudentID(student)
	a.EnrollmentID = shared.EnrollmentID(enr)
	a.Status = quiz.AttemptStatus(status)
	if !a.Status.IsValid() {
		return nil, corruptRow("attempt", id, "unknown status "+status)
	}
	a.StartedAt = a.StartedAt.UTC()
	a.CompletedAt = utcPtr(completedAt)
	return &a, nil
}

func scanAnswer(row pgx.Row) (*quiz.StudentAnswer, error) {
	var (
		a                         quiz.StudentAnswer
		id, attemptID, questionID string
	)

	err := row.Scan(&id, &attemptID, &questionID, &a.AnswerText, &a.IsCorrect, &a.PointsEarned, &a.AnsweredAt)
	if err != nil {
		return nil, err
	}

	a.ID = shared.AnswerID(id)
	a.AttemptID = shared.AttemptID(attemptID)
	a.QuestionID = shared.QuestionID(questionID)
	a.AnsweredAt = a.AnsweredAt.UTC()
	return &a, nil
}

func attemptRefs(a *quiz.Attempt) shared.Refs {
	return shared.Refs{
		shared.RefAttempt: a.ID.String(),
		shared.RefQuiz:    a.QuizID.String(),
		shared.RefStudent: a.StudentID.String(),
	}
}
