package shared

import (
	"encoding/json"
	"time"
)

// EventType identifies a domain event.
type EventType string

const (
	EventEnrollmentCreated   EventType = "enrollment.created"
	EventEnrollmentCancelled EventType = "enrollment.cancelled"
	EventEnrollmentCompleted EventType = "enrollment.completed"
	EventEnrollmentExpired   EventType = "enrollment.expired"

	EventLessonCompleted EventType = "progress.lesson_completed"
	EventProgressUpdated EventType = "progress.updated"

	EventAttemptStarted EventType = "quiz.attempt_started"
	EventAttemptGraded  EventType = "quiz.attempt_graded"
)

// Event is implemented by every domain event.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string
	Payload() map[string]interface{}
}

// BaseEvent carries the fields common to all events.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// NewBaseEvent stamps an event with the time it occurred. Engine code passes
// the clock time so events agree with persisted timestamps.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Enrollment events
// ═══════════════════════════════════════════════════════════════════════════

// EnrollmentEvent is emitted on every enrollment lifecycle transition.
type EnrollmentEvent struct {
	BaseEvent
	StudentID        StudentID `json:"student_id"`
	CourseID         CourseID  `json:"course_id"`
	Status           string    `json:"status"`
	Progress         float64   `json:"progress"`
	PaymentReference string    `json:"payment_reference,omitempty"`
}

func (e EnrollmentEvent) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"enrollment_id": e.AggregateId,
		"student_id":    e.StudentID.String(),
		"course_id":     e.CourseID.String(),
		"status":        e.Status,
		"progress":      e.Progress,
	}
	if e.PaymentReference != "" {
		p["payment_reference"] = e.PaymentReference
	}
	return p
}

func NewEnrollmentEvent(eventType EventType, id EnrollmentID, student StudentID, course CourseID, status string, progress float64, at time.Time) EnrollmentEvent {
	return EnrollmentEvent{
		BaseEvent: NewBaseEvent(eventType, id.String(), at),
		StudentID: student,
		CourseID:  course,
		Status:    status,
		Progress:  progress,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress events
// ═══════════════════════════════════════════════════════════════════════════

// LessonCompletedEvent is emitted the first time a lesson is completed.
type LessonCompletedEvent struct {
	BaseEvent
	LessonID LessonID `json:"lesson_id"`
}

func (e LessonCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id": e.AggregateId,
		"lesson_id":     e.LessonID.String(),
	}
}

func NewLessonCompletedEvent(enrollment EnrollmentID, lesson LessonID, at time.Time) LessonCompletedEvent {
	return LessonCompletedEvent{
		BaseEvent: NewBaseEvent(EventLessonCompleted, enrollment.String(), at),
		LessonID:  lesson,
	}
}

// ProgressUpdatedEvent is emitted when the aggregate percentage changes.
type ProgressUpdatedEvent struct {
	BaseEvent
	OldProgress      float64 `json:"old_progress"`
	NewProgress      float64 `json:"new_progress"`
	CompletedLessons int     `json:"completed_lessons"`
	TotalLessons     int     `json:"total_lessons"`
}

func (e ProgressUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id":     e.AggregateId,
		"old_progress":      e.OldProgress,
		"new_progress":      e.NewProgress,
		"completed_lessons": e.CompletedLessons,
		"total_lessons":     e.TotalLessons,
	}
}

func NewProgressUpdatedEvent(enrollment EnrollmentID, oldProgress, newProgress float64, completed, total int, at time.Time) ProgressUpdatedEvent {
	return ProgressUpdatedEvent{
		BaseEvent:        NewBaseEvent(EventProgressUpdated, enrollment.String(), at),
		OldProgress:      oldProgress,
		NewProgress:      newProgress,
		CompletedLessons: completed,
		TotalLessons:     total,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Quiz events
// ═══════════════════════════════════════════════════════════════════════════

// AttemptStartedEvent is emitted when a numbered attempt is created.
type AttemptStartedEvent struct {
	BaseEvent
	QuizID        QuizID    `json:"quiz_id"`
	StudentID     StudentID `json:"student_id"`
	AttemptNumber int       `json:"attempt_number"`
}

func (e AttemptStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"attempt_id":     e.AggregateId,
		"quiz_id":        e.QuizID.String(),
		"student_id":     e.StudentID.String(),
		"attempt_number": e.AttemptNumber,
	}
}

func NewAttemptStartedEvent(attempt AttemptID, quiz QuizID, student StudentID, number int, at time.Time) AttemptStartedEvent {
	return AttemptStartedEvent{
		BaseEvent:     NewBaseEvent(EventAttemptStarted, attempt.String(), at),
		QuizID:        quiz,
		StudentID:     student,
		AttemptNumber: number,
	}
}

// AttemptGradedEvent is emitted when an attempt reaches passed or failed.
type AttemptGradedEvent struct {
	BaseEvent
	QuizID     QuizID    `json:"quiz_id"`
	StudentID  StudentID `json:"student_id"`
	Status     string    `json:"status"`
	Score      int       `json:"score"`
	Percentage int       `json:"percentage"`
}

func (e AttemptGradedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"attempt_id": e.AggregateId,
		"quiz_id":    e.QuizID.String(),
		"student_id": e.StudentID.String(),
		"status":     e.Status,
		"score":      e.Score,
		"percentage": e.Percentage,
	}
}

func NewAttemptGradedEvent(attempt AttemptID, quiz QuizID, student StudentID, status string, score, percentage int, at time.Time) AttemptGradedEvent {
	return AttemptGradedEvent{
		BaseEvent:  NewBaseEvent(EventAttemptGraded, attempt.String(), at),
		QuizID:     quiz,
		StudentID:  student,
		Status:     status,
		Score:      score,
		Percentage: percentage,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Transport
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport between processes.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope serializes event's payload into an envelope.
func NewEventEnvelope(event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, err
	}
	env := EventEnvelope{
		ID:          NewID(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if b, ok := event.(interface{ base() BaseEvent }); ok {
		env.CorrelationID = b.base().CorrelationID
		env.Version = b.base().Version
	}
	return env, nil
}

func (e BaseEvent) base() BaseEvent { return e }

// EventHandler handles one event.
type EventHandler func(event Event) error

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber registers event handlers.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
