package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "dbname=progress_engine")
	assert.Contains(t, dsn, "sslmode=disable")

	cfg.URL = "postgres://engine@db:5432/engine"
	assert.Equal(t, cfg.URL, cfg.DSN())

	poolCfg, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(20), poolCfg.MaxConns)
}

func TestMigrationsAreOrdered(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL, m.Name)
	}

	assert.True(t, strings.Contains(migrations[0].UpSQL, "WHERE status <> 'cancelled'"),
		"current enrollment uniqueness must ignore cancelled rows")
	assert.Contains(t, migrations[2].UpSQL, "UNIQUE (student_id, quiz_id, attempt_number)")
	assert.Contains(t, migrations[2].UpSQL, "UNIQUE (attempt_id, question_id)")
	assert.Contains(t, migrations[3].UpSQL, "uq_enrollments_payment_reference")
}

func TestTranslate(t *testing.T) {
	refs := shared.Refs{shared.RefEnrollment: "e-1"}

	assert.Nil(t, translate("enrollment", "Get", nil, refs))
	assert.True(t, shared.IsNotFound(translate("enrollment", "Get", pgx.ErrNoRows, refs)))
	assert.True(t, shared.IsAlreadyExists(translate("enrollment", "Create", &pgconn.PgError{Code: "23505"}, refs)))
	assert.ErrorIs(t, translate("enrollment", "Create", &pgconn.PgError{Code: "23503"}, refs), shared.ErrInvalidInput)
	assert.ErrorIs(t, translate("enrollment", "Get", context.DeadlineExceeded, refs), shared.ErrTimeout)

	other := errors.New("connection reset")
	err := translate("enrollment", "Get", other, refs)
	assert.ErrorIs(t, err, other)
	assert.False(t, shared.IsNotFound(err))
}

func TestViolatesConstraint(t *testing.T) {
	reused := &pgconn.PgError{Code: "23505", ConstraintName: "uq_enrollments_payment_reference"}
	assert.True(t, violatesConstraint(reused, "uq_enrollments_payment_reference"))
	assert.True(t, violatesConstraint(fmt.Errorf("insert: %w", reused), "uq_enrollments_payment_reference"))

	current := &pgconn.PgError{Code: "23505", ConstraintName: "uq_enrollments_current"}
	assert.False(t, violatesConstraint(current, "uq_enrollments_payment_reference"))
	assert.False(t, violatesConstraint(&pgconn.PgError{Code: "23503", ConstraintName: "uq_enrollments_payment_reference"},
		"uq_enrollments_payment_reference"))
	assert.False(t, violatesConstraint(nil, "uq_enrollments_payment_reference"))
}
