package domain

import "fmt"

// Question represents a DNS query section containing a question for resolution.
type Question struct {
	ID   uint16
	Name string
	Type RRType
}

// NewQuestion constructs a Question and validates its fields.
func NewQuestion(id uint16, name string, rrtype RRType) (Question, error) {
	q := Question{
		ID:   id,
		Name: name,
		Type: rrtype,
	}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Validate checks whether the Question fields are structurally and semantically valid.
func (q Question) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("query name must not be empty")
	}
	if !q.Type.IsValid() {
		return fmt.Errorf("unsupported RRType: %d", q.Type)
	}
	return nil
}
