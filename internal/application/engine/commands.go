package engine

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// EnrollCommand enrolls a student in a course. PaymentReference is required
// for paid courses only.
type EnrollCommand struct {
	StudentID        shared.StudentID `validate:"required,uuid"`
	CourseID         shared.CourseID  `validate:"required,uuid"`
	PaymentReference string           `validate:"omitempty,max=255"`
}

// RecordWatchTimeCommand reports how far a student has watched a lesson.
type RecordWatchTimeCommand struct {
	EnrollmentID shared.EnrollmentID `validate:"required,uuid"`
	LessonID     shared.LessonID     `validate:"required,uuid"`
	Elapsed      time.Duration       `validate:"gte=0"`
}

// StartAttemptCommand opens a new attempt. EnrollmentID may be left empty,
// in which case the student's current enrollment in the quiz's course is used.
type StartAttemptCommand struct {
	StudentID    shared.StudentID    `validate:"required,uuid"`
	QuizID       shared.QuizID       `validate:"required,uuid"`
	EnrollmentID shared.EnrollmentID `validate:"omitempty,uuid"`
}

// SubmitAnswerCommand records or replaces the answer to one question.
type SubmitAnswerCommand struct {
	AttemptID  shared.AttemptID  `validate:"required,uuid"`
	QuestionID shared.QuestionID `validate:"required,uuid"`
	AnswerText string            `validate:"max=4000"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return toSnake(f.Name)
	})
	return v
}

// checkStruct validates cmd and reports failures as shared.ErrValidation.
func (b *base) checkStruct(op string, cmd any) error {
	if err := b.validate.Struct(cmd); err != nil {
		return shared.WrapError("engine", op, shared.ErrValidation, describe(err), err)
	}
	return nil
}

// checkID validates a single identifier argument.
func (b *base) checkID(op, name, id string) error {
	if err := b.validate.Var(id, "required,uuid"); err != nil {
		return shared.WrapError("engine", op, shared.ErrInvalidID, name+" must be a UUID", err).
			WithRefs(shared.Refs{name: id})
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return "invalid command: " + strings.Join(parts, ", ")
}

func toSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(name[i-1] >= 'A' && name[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
