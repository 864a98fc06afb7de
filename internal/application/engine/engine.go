// Package engine is the progress and assessment engine: enrollment lifecycle,
// lesson progress and graded quiz attempts. Each exported operation is one
// self-contained transaction against the persistence ports; the engine keeps
// no shared in-memory state between calls.
package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/enrollment"
	"github.com/coursehub/progress-engine/internal/domain/payment"
	"github.com/coursehub/progress-engine/internal/domain/progress"
	"github.com/coursehub/progress-engine/internal/domain/quiz"
	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/logger"
	"github.com/coursehub/progress-engine/pkg/retry"
	"github.com/coursehub/progress-engine/pkg/timeutil"
)

// Deps are the collaborators the engine runs against.
type Deps struct {
	Tx          shared.Transactor
	Enrollments enrollment.Repository
	Progress    progress.Repository
	Quizzes     quiz.Repository
	Attempts    quiz.AttemptRepository
	Catalog     catalog.Catalog
	Payments    payment.Verifier
	Clock       timeutil.Clock
	Events      shared.EventPublisher
	Logger      *logger.Logger
}

func (d Deps) validate() error {
	var missing []string
	if d.Tx == nil {
		missing = append(missing, "Tx")
	}
	if d.Enrollments == nil {
		missing = append(missing, "Enrollments")
	}
	if d.Progress == nil {
		missing = append(missing, "Progress")
	}
	if d.Quizzes == nil {
		missing = append(missing, "Quizzes")
	}
	if d.Attempts == nil {
		missing = append(missing, "Attempts")
	}
	if d.Catalog == nil {
		missing = append(missing, "Catalog")
	}
	if d.Payments == nil {
		missing = append(missing, "Payments")
	}
	if len(missing) > 0 {
		return errors.New("engine: missing dependencies: " + strings.Join(missing, ", "))
	}
	return nil
}

// Config tunes engine policies.
type Config struct {
	// AttemptGrace extends a quiz time limit before answers are refused.
	AttemptGrace time.Duration
	// DefaultAccessDuration applies when the catalog sets no access window.
	// Zero means enrollments do not expire.
	DefaultAccessDuration time.Duration
}

// DefaultConfig returns the policies used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AttemptGrace: 30 * time.Second,
	}
}

// Engine bundles the three engine services, wired to each other.
type Engine struct {
	Enrollments *EnrollmentManager
	Progress    *ProgressTracker
	Quizzes     *QuizEngine
}

// New wires the engine services. Clock, Events and Logger default to the
// system clock, a discarding publisher and the default logger.
func New(deps Deps, cfg Config) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Events == nil {
		deps.Events = shared.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}

	b := &base{
		uow:      newUnitOfWork(deps.Tx, deps.Events, deps.Logger),
		clock:    deps.Clock,
		log:      deps.Logger,
		validate: newValidator(),
		conflict: retry.OnceOnConflict(shared.IsAlreadyExists),
	}

	manager := &EnrollmentManager{
		base:     b.named("enrollment_manager"),
		repo:     deps.Enrollments,
		catalog:  deps.Catalog,
		payments: deps.Payments,
		cfg:      cfg,
	}
	tracker := &ProgressTracker{
		base:        b.named("progress_tracker"),
		enrollments: deps.Enrollments,
		progress:    deps.Progress,
		quizzes:     deps.Quizzes,
		attempts:    deps.Attempts,
		catalog:     deps.Catalog,
		manager:     manager,
	}
	quizzes := &QuizEngine{
		base:        b.named("quiz_engine"),
		enrollments: deps.Enrollments,
		quizzes:     deps.Quizzes,
		attempts:    deps.Attempts,
		catalog:     deps.Catalog,
		manager:     manager,
		tracker:     tracker,
		cfg:         cfg,
	}

	return &Engine{Enrollments: manager, Progress: tracker, Quizzes: quizzes}, nil
}

// base holds what every service shares.
type base struct {
	uow      *unitOfWork
	clock    timeutil.Clock
	log      *logger.Logger
	validate *validator.Validate
	conflict *retry.Retrier
}

func (b *base) named(component string) base {
	c := *b
	c.log = b.log.With(logger.Component(component))
	return c
}

func (b *base) now() time.Time {
	return b.clock.Now().UTC()
}
