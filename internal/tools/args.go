package tools

import (
	"encoding/json"
	"fmt"
)

// LookupArgs are the arguments of query_qa.
type LookupArgs struct {
	Question string `json:"question"`
}

// StoreArgs are the arguments of upsert_qa.
type StoreArgs struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ContactArgs are the arguments of record_user_details.
type ContactArgs struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

// UnknownQuestionArgs are the arguments of record_unknown_question.
type UnknownQuestionArgs struct {
	Question string `json:"question"`
}

// EvaluateArgs are the arguments of evaluate_response.
type EvaluateArgs struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Defaults applied when the visitor did not share them.
const (
	defaultContactName  = "Name not provided"
	defaultContactNotes = "not provided"
)

func (a *ContactArgs) applyDefaults() {
	if a.Name == "" {
		a.Name = defaultContactName
	}
	if a.Notes == "" {
		a.Notes = defaultContactNotes
	}
}

// decodeArgs converts already-validated arguments into a typed struct.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}
