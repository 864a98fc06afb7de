// Package progress models per-lesson progress inside an enrollment and the
// aggregate completion percentage derived from it.
package progress

import (
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// WatchTimeResolution is the precision watch time is stored with.
const WatchTimeResolution = time.Millisecond

// LessonProgress is the state of one lesson inside one enrollment. There is
// at most one record per (enrollment, lesson). CompletedAt is set exactly
// when Completed is true.
type LessonProgress struct {
	EnrollmentID shared.EnrollmentID
	LessonID     shared.LessonID
	Completed    bool
	WatchTime    time.Duration
	StartedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// NewLessonProgress creates an incomplete record started at at.
func NewLessonProgress(enrollment shared.EnrollmentID, lesson shared.LessonID, at time.Time) *LessonProgress {
	return &LessonProgress{
		EnrollmentID: enrollment,
		LessonID:     lesson,
		StartedAt:    at,
		UpdatedAt:    at,
	}
}

// RecordWatchTime raises WatchTime to elapsed. Smaller or duplicate reports
// and reports after completion leave the record unchanged.
func (p *LessonProgress) RecordWatchTime(elapsed time.Duration, at time.Time) bool {
	elapsed = NormalizeWatchTime(elapsed)
	if p.Completed || elapsed <= p.WatchTime {
		return false
	}
	p.WatchTime = elapsed
	p.UpdatedAt = at
	return true
}

// Complete marks the lesson completed once. Later calls are no-ops.
func (p *LessonProgress) Complete(at time.Time) bool {
	if p.Completed {
		return false
	}
	p.Completed = true
	p.CompletedAt = &at
	p.UpdatedAt = at
	return true
}

// NormalizeWatchTime truncates elapsed to the stored resolution.
func NormalizeWatchTime(elapsed time.Duration) time.Duration {
	return elapsed.Truncate(WatchTimeResolution)
}

// Clone returns a deep copy.
func (p *LessonProgress) Clone() *LessonProgress {
	c := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
