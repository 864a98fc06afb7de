package progress

import (
	"github.com/shopspring/decimal"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Summary is the outcome of a progress computation.
type Summary struct {
	CompletedLessons int
	TotalLessons     int
	Percentage       float64
}

// Compute derives the completion percentage of an enrollment from its lesson
// records and the lessons the course has right now. Completed records for
// lessons no longer in the course are ignored. A course without lessons
// yields 0 so that it can never complete by division.
func Compute(records []*LessonProgress, courseLessons []shared.LessonID) Summary {
	inCourse := make(map[shared.LessonID]struct{}, len(courseLessons))
	for _, id := range courseLessons {
		inCourse[id] = struct{}{}
	}

	completed := 0
	for _, r := range records {
		if !r.Completed {
			continue
		}
		if _, ok := inCourse[r.LessonID]; ok {
			completed++
		}
	}

	return Summary{
		CompletedLessons: completed,
		TotalLessons:     len(inCourse),
		Percentage:       Percentage(completed, len(inCourse)),
	}
}

// Percentage returns completed/total*100 rounded half-up to two decimals and
// clamped to [0, 100].
func Percentage(completed, total int) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	pct := decimal.NewFromInt(int64(completed)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2)
	f, _ := pct.Float64()
	return f
}
