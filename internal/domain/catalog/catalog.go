// Package catalog describes the read-only course catalog the engine consults
// for prices, lesson membership and access windows.
package catalog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Lesson is a lesson unit of a course. Quiz-backed lessons are lessons too.
type Lesson struct {
	ID       shared.LessonID `json:"id"`
	Title    string          `json:"title"`
	Position int             `json:"position"`
}

// Course is the engine's view of a course.
type Course struct {
	ID       shared.CourseID `json:"id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Lessons  []Lesson        `json:"lessons"`
	// AccessDuration limits how long an enrollment stays active. Zero means
	// the catalog sets no limit.
	AccessDuration time.Duration `json:"access_duration"`
}

// IsFree reports whether the course can be joined without payment.
func (c *Course) IsFree() bool {
	return !c.Price.IsPositive()
}

// HasLesson reports lesson membership.
func (c *Course) HasLesson(id shared.LessonID) bool {
	for _, l := range c.Lessons {
		if l.ID == id {
			return true
		}
	}
	return false
}

// LessonIDs returns the ids of all lessons currently in the course.
func (c *Course) LessonIDs() []shared.LessonID {
	ids := make([]shared.LessonID, 0, len(c.Lessons))
	for _, l := range c.Lessons {
		ids = append(ids, l.ID)
	}
	return ids
}

// Catalog looks up courses. Unknown courses yield shared.ErrNotFound.
type Catalog interface {
	GetCourse(ctx context.Context, id shared.CourseID) (*Course, error)
}

// CourseNotFound builds the not-found error catalog implementations return.
func CourseNotFound(id shared.CourseID, cause error) error {
	return shared.WrapError("catalog", "GetCourse", shared.ErrNotFound, "course not found", cause).
		WithRefs(shared.Refs{shared.RefCourse: id.String()})
}
