// Package shared contains the identifiers, errors, events and transaction port
// shared by every domain package of the progress engine.
package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Generic error kinds, matched with errors.Is.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	ErrValidation   = errors.New("validation error")
	ErrInvalidID    = errors.New("invalid ID")
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	ErrExternalService = errors.New("external service error")
	ErrTimeout         = errors.New("operation timeout")
)

// Engine precondition violations. They are expected, recoverable conditions
// reported to the caller and never retried by the engine.
var (
	ErrAlreadyEnrolled         = errors.New("already enrolled")
	ErrNotEnrolled             = errors.New("not enrolled")
	ErrPaymentRequired         = errors.New("payment required")
	ErrAttemptLimitExceeded    = errors.New("attempt limit exceeded")
	ErrAttemptNotInProgress    = errors.New("attempt not in progress")
	ErrAttemptAlreadyCompleted = errors.New("attempt already completed")
	ErrQuestionNotInQuiz       = errors.New("question does not belong to quiz")
	ErrLessonNotInCourse       = errors.New("lesson does not belong to course")
	ErrAttemptTimedOut         = errors.New("attempt time limit exceeded")
)

// ErrInvalidQuizState is a data integrity error: the stored quiz cannot be
// graded. Retrying does not help.
var ErrInvalidQuizState = errors.New("invalid quiz state")

// Refs holds the identifiers of the entities an error is about.
type Refs map[string]string

func (r Refs) String() string {
	if len(r) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+r[k])
	}
	return strings.Join(parts, " ")
}

// DomainError is a domain error with operation context.
type DomainError struct {
	Domain  string // e.g. "enrollment", "quiz"
	Op      string // operation that failed
	Kind    error  // sentinel used for errors.Is
	Message string
	Refs    Refs
	Err     error // underlying cause, optional
}

func (e *DomainError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s: %s", e.Domain, e.Op, e.Message)
	if len(e.Refs) > 0 {
		fmt.Fprintf(&b, " [%s]", e.Refs)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches both the kind and the wrapped cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// Ref returns the identifier recorded under key, or "".
func (e *DomainError) Ref(key string) string {
	return e.Refs[key]
}

// NewDomainError creates a domain error without a cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError wraps err with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// WithRefs returns e with refs merged into its identifiers.
func (e *DomainError) WithRefs(refs Refs) *DomainError {
	if e.Refs == nil {
		e.Refs = make(Refs, len(refs))
	}
	for k, v := range refs {
		if v != "" {
			e.Refs[k] = v
		}
	}
	return e
}

// Reference keys used in Refs.
const (
	RefStudent    = "student_id"
	RefCourse     = "course_id"
	RefEnrollment = "enrollment_id"
	RefLesson     = "lesson_id"
	RefQuiz       = "quiz_id"
	RefAttempt    = "attempt_id"
	RefQuestion   = "question_id"
	RefPayment    = "payment_reference"
)

func NewAlreadyEnrolled(student StudentID, course CourseID, existing EnrollmentID) *DomainError {
	return NewDomainError("enrollment", "Enroll", ErrAlreadyEnrolled,
		"student already has an active enrollment for this course").
		WithRefs(Refs{RefStudent: student.String(), RefCourse: course.String(), RefEnrollment: existing.String()})
}

func NewNotEnrolled(op string, student StudentID, course CourseID) *DomainError {
	return NewDomainError("enrollment", op, ErrNotEnrolled,
		"student is not enrolled in this course").
		WithRefs(Refs{RefStudent: student.String(), RefCourse: course.String()})
}

func NewPaymentRequired(student StudentID, course CourseID, reference string, reason string) *DomainError {
	return NewDomainError("enrollment", "Enroll", ErrPaymentRequired, reason).
		WithRefs(Refs{RefStudent: student.String(), RefCourse: course.String(), RefPayment: reference})
}

func NewAttemptLimitExceeded(student StudentID, quiz QuizID, maxAttempts int) *DomainError {
	return NewDomainError("quiz", "StartAttempt", ErrAttemptLimitExceeded,
		fmt.Sprintf("maximum of %d attempts reached", maxAttempts)).
		WithRefs(Refs{RefStudent: student.String(), RefQuiz: quiz.String()})
}

func NewAttemptNotInProgress(op string, attempt AttemptID, status string) *DomainError {
	return NewDomainError("quiz", op, ErrAttemptNotInProgress,
		fmt.Sprintf("attempt is %s", status)).
		WithRefs(Refs{RefAttempt: attempt.String()})
}

func NewAttemptAlreadyCompleted(attempt AttemptID, status string) *DomainError {
	return NewDomainError("quiz", "CompleteAttempt", ErrAttemptAlreadyCompleted,
		fmt.Sprintf("attempt was already graded as %s", status)).
		WithRefs(Refs{RefAttempt: attempt.String()})
}

func NewQuestionNotInQuiz(attempt AttemptID, quiz QuizID, question QuestionID) *DomainError {
	return NewDomainError("quiz", "SubmitAnswer", ErrQuestionNotInQuiz,
		"question belongs to a different quiz").
		WithRefs(Refs{RefAttempt: attempt.String(), RefQuiz: quiz.String(), RefQuestion: question.String()})
}

func NewLessonNotInCourse(op string, course CourseID, lesson LessonID) *DomainError {
	return NewDomainError("progress", op, ErrLessonNotInCourse,
		"lesson is not part of the enrolled course").
		WithRefs(Refs{RefCourse: course.String(), RefLesson: lesson.String()})
}

func NewAttemptTimedOut(attempt AttemptID) *DomainError {
	return NewDomainError("quiz", "SubmitAnswer", ErrAttemptTimedOut,
		"answers are no longer accepted for this attempt").
		WithRefs(Refs{RefAttempt: attempt.String()})
}

func NewInvalidQuizState(op string, quiz QuizID, reason string) *DomainError {
	return NewDomainError("quiz", op, ErrInvalidQuizState, reason).
		WithRefs(Refs{RefQuiz: quiz.String()})
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is a uniqueness conflict.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation reports whether err is an input validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput)
}

// IsPrecondition reports whether err is one of the engine precondition
// violations that callers are expected to handle.
func IsPrecondition(err error) bool {
	for _, kind := range []error{
		ErrAlreadyEnrolled,
		ErrNotEnrolled,
		ErrPaymentRequired,
		ErrAttemptLimitExceeded,
		ErrAttemptNotInProgress,
		ErrAttemptAlreadyCompleted,
		ErrQuestionNotInQuiz,
		ErrLessonNotInCourse,
		ErrAttemptTimedOut,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
