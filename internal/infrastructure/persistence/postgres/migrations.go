package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: ENROLLMENTS AND LESSON PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS enrollments (
    id UUID PRIMARY KEY,
    student_id UUID NOT NULL,
    course_id UUID NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    progress NUMERIC(5,2) NOT NULL DEFAULT 0,
    payment_reference VARCHAR(255),
    enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE,
    cancelled_at TIMESTAMP WITH TIME ZONE,
    expires_at TIMESTAMP WITH TIME ZONE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_enrollment_status CHECK (status IN ('active', 'completed', 'cancelled', 'expired')),
    CONSTRAINT valid_progress CHECK (progress >= 0 AND progress <= 100),
    CONSTRAINT completed_has_timestamp CHECK (status <> 'completed' OR completed_at IS NOT NULL)
);

-- At most one non-cancelled enrollment per (student, course).
CREATE UNIQUE INDEX IF NOT EXISTS uq_enrollments_current
    ON enrollments(student_id, course_id) WHERE status <> 'cancelled';

CREATE INDEX IF NOT EXISTS idx_enrollments_student ON enrollments(student_id);
CREATE INDEX IF NOT EXISTS idx_enrollments_overdue ON enrollments(expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS lesson_progress (
    enrollment_id UUID NOT NULL REFERENCES enrollments(id) ON DELETE CASCADE,
    lesson_id UUID NOT NULL,
    completed BOOLEAN NOT NULL DEFAULT FALSE,
    watch_time_ms BIGINT NOT NULL DEFAULT 0,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (enrollment_id, lesson_id),
    CONSTRAINT valid_watch_time CHECK (watch_time_ms >= 0),
    CONSTRAINT completion_consistent CHECK (completed = (completed_at IS NOT NULL))
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: QUIZZES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS quizzes (
    id UUID PRIMARY KEY,
    course_id UUID NOT NULL,
    lesson_id UUID,
    title VARCHAR(255) NOT NULL,
    time_limit_seconds INTEGER NOT NULL DEFAULT 0,
    passing_score INTEGER NOT NULL,
    max_attempts INTEGER NOT NULL,
    total_questions INTEGER NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_passing_score CHECK (passing_score BETWEEN 0 AND 100),
    CONSTRAINT valid_max_attempts CHECK (max_attempts >= 1),
    CONSTRAINT valid_time_limit CHECK (time_limit_seconds >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_quizzes_lesson ON quizzes(lesson_id) WHERE lesson_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_quizzes_course ON quizzes(course_id);

CREATE TABLE IF NOT EXISTS quiz_questions (
    id UUID PRIMARY KEY,
    quiz_id UUID NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
    question_text TEXT NOT NULL,
    question_type VARCHAR(20) NOT NULL,
    points INTEGER NOT NULL DEFAULT 1,
    position INTEGER NOT NULL,
    correct_answer TEXT,

    CONSTRAINT valid_question_type CHECK (question_type IN ('multiple_choice', 'true_false', 'short_answer')),
    CONSTRAINT valid_points CHECK (points > 0)
);

CREATE INDEX IF NOT EXISTS idx_quiz_questions_quiz ON quiz_questions(quiz_id, position);

CREATE TABLE IF NOT EXISTS quiz_options (
    id UUID PRIMARY KEY,
    question_id UUID NOT NULL REFERENCES quiz_questions(id) ON DELETE CASCADE,
    option_text TEXT NOT NULL,
    is_correct BOOLEAN NOT NULL DEFAULT FALSE,
    position INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quiz_options_question ON quiz_options(question_id, position);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: ATTEMPTS AND ANSWERS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS quiz_attempts (
    id UUID PRIMARY KEY,
    quiz_id UUID NOT NULL REFERENCES quizzes(id),
    student_id UUID NOT NULL,
    enrollment_id UUID NOT NULL REFERENCES enrollments(id),
    attempt_number INTEGER NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'in_progress',
    score INTEGER NOT NULL DEFAULT 0,
    total_points INTEGER NOT NULL DEFAULT 0,
    percentage INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE,

    UNIQUE (student_id, quiz_id, attempt_number),
    CONSTRAINT valid_attempt_status CHECK (status IN ('in_progress', 'passed', 'failed')),
    CONSTRAINT valid_attempt_number CHECK (attempt_number >= 1),
    CONSTRAINT valid_percentage CHECK (percentage BETWEEN 0 AND 100)
);

CREATE INDEX IF NOT EXISTS idx_quiz_attempts_student_quiz ON quiz_attempts(student_id, quiz_id, attempt_number);

CREATE TABLE IF NOT EXISTS student_answers (
    id UUID PRIMARY KEY,
    attempt_id UUID NOT NULL REFERENCES quiz_attempts(id) ON DELETE CASCADE,
    question_id UUID NOT NULL REFERENCES quiz_questions(id),
    answer_text TEXT NOT NULL DEFAULT '',
    is_correct BOOLEAN NOT NULL DEFAULT FALSE,
    points_earned INTEGER NOT NULL DEFAULT 0,
    answered_at TIMESTAMP WITH TIME ZONE NOT NULL,

    UNIQUE (attempt_id, question_id)
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: ONE ENROLLMENT PER PAYMENT REFERENCE
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
CREATE UNIQUE INDEX IF NOT EXISTS uq_enrollments_payment_reference
    ON enrollments(payment_reference) WHERE payment_reference IS NOT NULL;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one forward-only schema change.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// GetMigrations returns the engine schema in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_enrollments", UpSQL: migration001Up},
		{Version: 2, Name: "create_quizzes", UpSQL: migration002Up},
		{Version: 3, Name: "create_attempts", UpSQL: migration003Up},
		{Version: 4, Name: "unique_payment_reference", UpSQL: migration004Up},
	}
}

// migrationLockID keys the advisory lock held while migrating, so workers
// starting together apply each version once.
const migrationLockID int64 = 0x70726f6772657373

// Migrator applies the embedded migrations and records them in
// schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations()}
}

// Migrate applies every pending migration in one transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	return m.conn.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return fmt.Errorf("%w: lock: %v", ErrMigrationFailed, err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				name TEXT NOT NULL,
				applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("%w: tracking table: %v", ErrMigrationFailed, err)
		}

		applied, err := appliedVersions(ctx, tx)
		if err != nil {
			return err
		}
		for _, mig := range m.migrations {
			if applied[mig.Version] {
				continue
			}
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("%w: version %d (%s): %v", ErrMigrationFailed, mig.Version, mig.Name, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
				mig.Version, mig.Name); err != nil {
				return fmt.Errorf("%w: record version %d: %v", ErrMigrationFailed, mig.Version, err)
			}
		}
		return nil
	})
}

func appliedVersions(ctx context.Context, q Querier) (map[int]bool, error) {
	rows, err := q.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("%w: read applied: %v", ErrMigrationFailed, err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("%w: scan applied: %v", ErrMigrationFailed, err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
