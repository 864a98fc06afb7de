package catalogapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// CourseDTO is the course service's representation of a course.
type CourseDTO struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	AccessDays int             `json:"access_days"`
	Lessons    []LessonDTO     `json:"lessons"`
}

type LessonDTO struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// ErrorDTO is the error body the course service returns with 4xx and 5xx.
type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d *CourseDTO) toDomain() *catalog.Course {
	c := &catalog.Course{
		ID:             shared.CourseID(d.ID),
		Title:          d.Title,
		Price:          d.Price,
		Currency:       d.Currency,
		AccessDuration: time.Duration(d.AccessDays) * 24 * time.Hour,
		Lessons:        make([]catalog.Lesson, 0, len(d.Lessons)),
	}
	for _, l := range d.Lessons {
		c.Lessons = append(c.Lessons, catalog.Lesson{
			ID:       shared.LessonID(l.ID),
			Title:    l.Title,
			Position: l.Position,
		})
	}
	return c
}
