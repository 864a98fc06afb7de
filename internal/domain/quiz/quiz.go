// Package quiz models quizzes, attempts and answers, and grades attempts.
package quiz

import (
	"fmt"
	"strings"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// QuestionType selects how a question is graded.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeTrueFalse      QuestionType = "true_false"
	TypeShortAnswer    QuestionType = "short_answer"
)

func (t QuestionType) IsValid() bool {
	switch t {
	case TypeMultipleChoice, TypeTrueFalse, TypeShortAnswer:
		return true
	default:
		return false
	}
}

// DefaultPoints is used for questions stored without a point value.
const DefaultPoints = 1

// Option is one choice of a multiple-choice question.
type Option struct {
	ID        shared.OptionID
	Text      string
	IsCorrect bool
	Position  int
}

// Question belongs to exactly one quiz.
type Question struct {
	ID       shared.QuestionID
	QuizID   shared.QuizID
	Text     string
	Type     QuestionType
	Points   int
	Position int
	// CorrectAnswer is used by true_false and short_answer questions.
	CorrectAnswer string
	// Options is used by multiple_choice questions only.
	Options []Option
}

// CorrectOption returns the single option flagged correct. Any other count
// of correct options is a data error.
func (q *Question) CorrectOption() (*Option, error) {
	var found *Option
	for i := range q.Options {
		if !q.Options[i].IsCorrect {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("question %s has more than one correct option", q.ID)
		}
		found = &q.Options[i]
	}
	if found == nil {
		return nil, fmt.Errorf("question %s has no correct option", q.ID)
	}
	return found, nil
}

func (q *Question) validate() error {
	if q.ID == "" {
		return fmt.Errorf("question id is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("question %s has no text", q.ID)
	}
	if !q.Type.IsValid() {
		return fmt.Errorf("question %s has unknown type %q", q.ID, q.Type)
	}
	if q.Points <= 0 {
		return fmt.Errorf("question %s must be worth a positive number of points", q.ID)
	}

	switch q.Type {
	case TypeMultipleChoice:
		if len(q.Options) < 2 {
			return fmt.Errorf("question %s needs at least two options", q.ID)
		}
		if _, err := q.CorrectOption(); err != nil {
			return err
		}
	case TypeTrueFalse:
		if len(q.Options) > 0 {
			return fmt.Errorf("question %s: options are only allowed on multiple choice", q.ID)
		}
		answer := normalizeAnswer(q.CorrectAnswer)
		if answer != "true" && answer != "false" {
			return fmt.Errorf("question %s: true/false answer must be true or false", q.ID)
		}
	case TypeShortAnswer:
		if len(q.Options) > 0 {
			return fmt.Errorf("question %s: options are only allowed on multiple choice", q.ID)
		}
		if normalizeAnswer(q.CorrectAnswer) == "" {
			return fmt.Errorf("question %s has no correct answer", q.ID)
		}
	}
	return nil
}

// Quiz belongs to a course and optionally gates one lesson.
type Quiz struct {
	ID       shared.QuizID
	CourseID shared.CourseID
	// LessonID is empty when the quiz is not tied to a lesson.
	LessonID shared.LessonID
	Title    string
	// TimeLimit bounds how long an attempt accepts answers, in whole seconds.
	// Zero is untimed.
	TimeLimit time.Duration
	// PassingScore is the minimum percentage needed to pass.
	PassingScore int
	MaxAttempts  int
	// TotalQuestions is denormalized and must equal len(Questions).
	TotalQuestions int
	Questions      []Question
}

// HasLesson reports whether passing the quiz completes a lesson.
func (q *Quiz) HasLesson() bool {
	return q.LessonID != ""
}

// Question returns the question with the given id, if owned by q.
func (q *Quiz) Question(id shared.QuestionID) (*Question, bool) {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return &q.Questions[i], true
		}
	}
	return nil, false
}

// TotalPoints sums the points of every question, ignoring TotalQuestions.
func (q *Quiz) TotalPoints() int {
	total := 0
	for i := range q.Questions {
		total += q.Questions[i].Points
	}
	return total
}

// Normalize fills defaults before validation: points default to 1 and the
// denormalized question count follows the question set.
func (q *Quiz) Normalize() {
	for i := range q.Questions {
		if q.Questions[i].Points == 0 {
			q.Questions[i].Points = DefaultPoints
		}
		if q.Questions[i].QuizID == "" {
			q.Questions[i].QuizID = q.ID
		}
	}
	q.TotalQuestions = len(q.Questions)
}

// Validate checks the invariants grading relies on. Violations are reported
// as shared.ErrInvalidQuizState.
func (q *Quiz) Validate() error {
	fail := func(reason string) error {
		return shared.NewInvalidQuizState("Validate", q.ID, reason)
	}

	if q.ID == "" {
		return fail("quiz id is required")
	}
	if q.CourseID == "" {
		return fail("course id is required")
	}
	if q.PassingScore < 0 || q.PassingScore > 100 {
		return fail(fmt.Sprintf("passing score %d outside 0..100", q.PassingScore))
	}
	if q.MaxAttempts < 1 {
		return fail("max attempts must be at least 1")
	}
	if q.TimeLimit < 0 {
		return fail("time limit cannot be negative")
	}
	if q.TimeLimit%time.Second != 0 {
		return fail("time limit must be a whole number of seconds")
	}
	if len(q.Questions) == 0 {
		return fail("quiz has no questions")
	}
	if q.TotalQuestions != len(q.Questions) {
		return fail(fmt.Sprintf("total questions %d does not match %d stored questions", q.TotalQuestions, len(q.Questions)))
	}

	seen := make(map[shared.QuestionID]struct{}, len(q.Questions))
	for i := range q.Questions {
		question := &q.Questions[i]
		if question.QuizID != q.ID {
			return fail(fmt.Sprintf("question %s belongs to quiz %s", question.ID, question.QuizID))
		}
		if _, dup := seen[question.ID]; dup {
			return fail(fmt.Sprintf("duplicate question %s", question.ID))
		}
		seen[question.ID] = struct{}{}
		if err := question.validate(); err != nil {
			return fail(err.Error())
		}
	}
	return nil
}

// Deadline returns when an attempt started at startedAt stops accepting
// answers. ok is false for untimed quizzes.
func (q *Quiz) Deadline(startedAt time.Time, grace time.Duration) (deadline time.Time, ok bool) {
	if q.TimeLimit <= 0 {
		return time.Time{}, false
	}
	return startedAt.Add(q.TimeLimit + grace), true
}

// Clone returns a deep copy including questions and options.
func (q *Quiz) Clone() *Quiz {
	c := *q
	c.Questions = make([]Question, len(q.Questions))
	for i, question := range q.Questions {
		question.Options = append([]Option(nil), question.Options...)
		c.Questions[i] = question
	}
	return &c
}
