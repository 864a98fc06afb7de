package quiz

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// GradedAnswer is the verdict for one stored answer.
type GradedAnswer struct {
	QuestionID   shared.QuestionID
	IsCorrect    bool
	PointsEarned int
}

// Grade is the deterministic result of grading an attempt.
type Grade struct {
	Score       int
	TotalPoints int
	Percentage  int
	Answers     []GradedAnswer
}

// Passed reports whether the grade meets passingScore.
func (g Grade) Passed(passingScore int) bool {
	return g.Percentage >= passingScore
}

// GradeAnswers grades the stored answers of an attempt against q. Questions
// without an answer earn nothing. Answers to questions q does not own are
// ignored. Total points come from the question set itself.
func GradeAnswers(q *Quiz, answers []*StudentAnswer) (Grade, error) {
	if len(q.Questions) == 0 {
		return Grade{}, shared.NewInvalidQuizState("CompleteAttempt", q.ID, "quiz has no questions")
	}

	byQuestion := make(map[shared.QuestionID]*StudentAnswer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}

	var g Grade
	for i := range q.Questions {
		question := &q.Questions[i]
		if question.Points <= 0 {
			return Grade{}, shared.NewInvalidQuizState("CompleteAttempt", q.ID,
				"question "+question.ID.String()+" has no points")
		}
		g.TotalPoints += question.Points

		answer, ok := byQuestion[question.ID]
		if !ok {
			continue
		}

		correct, err := isCorrect(question, answer.AnswerText)
		if err != nil {
			return Grade{}, shared.NewInvalidQuizState("CompleteAttempt", q.ID, err.Error())
		}

		verdict := GradedAnswer{QuestionID: question.ID, IsCorrect: correct}
		if correct {
			verdict.PointsEarned = question.Points
			g.Score += question.Points
		}
		g.Answers = append(g.Answers, verdict)
	}

	g.Percentage = Percentage(g.Score, g.TotalPoints)
	return g, nil
}

// Percentage returns score/total*100 rounded half-up to an integer.
func Percentage(score, total int) int {
	if total <= 0 || score <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(score)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(0)
	return int(pct.IntPart())
}

func isCorrect(q *Question, answer string) (bool, error) {
	switch q.Type {
	case TypeMultipleChoice:
		opt, err := q.CorrectOption()
		if err != nil {
			return false, err
		}
		given := strings.TrimSpace(answer)
		return given == strings.TrimSpace(opt.Text) || (opt.ID != "" && given == opt.ID.String()), nil
	case TypeTrueFalse, TypeShortAnswer:
		expected := normalizeAnswer(q.CorrectAnswer)
		if expected == "" {
			return false, errNoCorrectAnswer(q)
		}
		return normalizeAnswer(answer) == expected, nil
	default:
		return false, errUnknownType(q)
	}
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
