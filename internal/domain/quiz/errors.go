package quiz

import "fmt"

func errNoCorrectAnswer(q *Question) error {
	return fmt.Errorf("question %s has no correct answer", q.ID)
}

func errUnknownType(q *Question) error {
	return fmt.Errorf("question %s has unknown type %q", q.ID, q.Type)
}
