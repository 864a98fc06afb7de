package shared

import "github.com/google/uuid"

// Entities reference each other by opaque UUID identifiers, never by pointer.

type (
	StudentID    string
	CourseID     string
	LessonID     string
	EnrollmentID string
	QuizID       string
	QuestionID   string
	OptionID     string
	AttemptID    string
	AnswerID     string
)

func (id StudentID) String() string    { return string(id) }
func (id CourseID) String() string     { return string(id) }
func (id LessonID) String() string     { return string(id) }
func (id EnrollmentID) String() string { return string(id) }
func (id QuizID) String() string       { return string(id) }
func (id QuestionID) String() string   { return string(id) }
func (id OptionID) String() string     { return string(id) }
func (id AttemptID) String() string    { return string(id) }
func (id AnswerID) String() string     { return string(id) }

func (id StudentID) IsEmpty() bool { return id == "" }
func (id CourseID) IsEmpty() bool  { return id == "" }
func (id LessonID) IsEmpty() bool  { return id == "" }

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.New().String()
}

func NewEnrollmentID() EnrollmentID { return EnrollmentID(NewID()) }
func NewAttemptID() AttemptID       { return AttemptID(NewID()) }
func NewAnswerID() AnswerID         { return AnswerID(NewID()) }
