package memory

import (
	"context"
	"sync"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Catalog is a mutable in-memory course catalog.
type Catalog struct {
	mu      sync.RWMutex
	courses map[shared.CourseID]catalog.Course
}

var _ catalog.Catalog = (*Catalog)(nil)

// NewCatalog creates a catalog holding courses.
func NewCatalog(courses ...catalog.Course) *Catalog {
	c := &Catalog{courses: make(map[shared.CourseID]catalog.Course, len(courses))}
	for _, course := range courses {
		c.Put(course)
	}
	return c
}

// Put adds or replaces a course.
func (c *Catalog) Put(course catalog.Course) {
	course.Lessons = append([]catalog.Lesson(nil), course.Lessons...)
	c.mu.Lock()
	c.courses[course.ID] = course
	c.mu.Unlock()
}

func (c *Catalog) GetCourse(_ context.Context, id shared.CourseID) (*catalog.Course, error) {
	c.mu.RLock()
	course, ok := c.courses[id]
	c.mu.RUnlock()
	if !ok {
		return nil, catalog.CourseNotFound(id, nil)
	}
	course.Lessons = append([]catalog.Lesson(nil), course.Lessons...)
	return &course, nil
}
