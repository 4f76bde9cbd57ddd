package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// QuestionType enumerates supported form question kinds.
type QuestionType string

const (
	QuestionText        QuestionType = "TEXT"
	QuestionSelect      QuestionType = "SELECT"
	QuestionMultiSelect QuestionType = "MULTI_SELECT"
	QuestionBoolean     QuestionType = "BOOLEAN"
)

// FormQuestion describes a single question in an enrollment form.
type FormQuestion struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Type     QuestionType `json:"type"`
	Required bool         `json:"required"`
	Options  []string     `json:"options,omitempty"`
}

// FormSchema is the ordered question list stored as JSONB.
type FormSchema []FormQuestion

// Value implements driver.Valuer for JSONB storage.
func (s FormSchema) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (s *FormSchema) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported form schema type %T", src)
	}
}

// EnrollmentForm is a versioned question schema answered at application time.
type EnrollmentForm struct {
	ID        string     `db:"id" json:"id"`
	Title     string     `db:"title" json:"title"`
	Version   int        `db:"version" json:"version"`
	Schema    FormSchema `db:"schema" json:"schema"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// AnswerMap maps question id to the applicant's answer.
type AnswerMap map[string]interface{}

// Value implements driver.Valuer for JSONB storage.
func (a AnswerMap) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (a *AnswerMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported answers type %T", src)
	}
}

// ValidateAnswers checks the submitted answers against the schema snapshot.
// Unknown question ids are rejected so stale clients fail loudly.
func (s FormSchema) ValidateAnswers(answers AnswerMap) error {
	known := make(map[string]FormQuestion, len(s))
	for _, q := range s {
		known[q.ID] = q
	}

	for id := range answers {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("answer references unknown question %q", id)
		}
	}

	for _, q := range s {
		raw, present := answers[q.ID]
		if !present || raw == nil {
			if q.Required {
				return fmt.Errorf("question %q requires an answer", q.ID)
			}
			continue
		}
		if err := validateAnswer(q, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateAnswer(q FormQuestion, raw interface{}) error {
	switch q.Type {
	case QuestionText:
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("question %q expects a text answer", q.ID)
		}
	case QuestionBoolean:
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("question %q expects a boolean answer", q.ID)
		}
	case QuestionSelect:
		value, ok := raw.(string)
		if !ok {
			return fmt.Errorf("question %q expects a single option", q.ID)
		}
		if !containsOption(q.Options, value) {
			return fmt.Errorf("question %q does not allow option %q", q.ID, value)
		}
	case QuestionMultiSelect:
		values, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("question %q expects an option list", q.ID)
		}
		for _, item := range values {
			value, ok := item.(string)
			if !ok {
				return fmt.Errorf("question %q expects string options", q.ID)
			}
			if !containsOption(q.Options, value) {
				return fmt.Errorf("question %q does not allow option %q", q.ID, value)
			}
		}
	default:
		return fmt.Errorf("question %q has unsupported type %q", q.ID, q.Type)
	}
	return nil
}

func containsOption(options []string, value string) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}
