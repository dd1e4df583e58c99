package tools

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// definition is the engine-facing description of one tool.
type definition struct {
	description string
	parameters  map[string]any
}

func stringProp(description string, minLength int) map[string]any {
	p := map[string]any{"type": "string", "description": description}
	if minLength > 0 {
		p["minLength"] = minLength
	}
	return p
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

var definitions = map[Kind]definition{
	KindLookup: {
		description: "Look up a stored answer for a user's question. Returns {'found':true, 'answer':...} or {'found':false}.",
		parameters: objectSchema(map[string]any{
			"question": stringProp("The full user question to look up", 1),
		}, "question"),
	},
	KindStore: {
		description: "Insert or update a question-answer pair in the Q&A database.",
		parameters: objectSchema(map[string]any{
			"question": stringProp("The question text to store", 1),
			"answer":   stringProp("The answer text to associate with that question", 0),
		}, "question", "answer"),
	},
	KindRecordContact: {
		description: "Use this tool to record that a user is interested in being in touch and provided an email address",
		parameters: objectSchema(map[string]any{
			"email": stringProp("The email address of this user", 1),
			"name":  stringProp("The user's name, if they provided it", 0),
			"notes": stringProp("Any additional information about the conversation that's worth recording to give context", 0),
		}, "email"),
	},
	KindRecordUnknown: {
		description: "Always use this tool to record any question that couldn't be answered as you didn't know the answer",
		parameters: objectSchema(map[string]any{
			"question": stringProp("The question that couldn't be answered", 1),
		}, "question"),
	},
	KindEvaluate: {
		description: "Score and critique an assistant answer (1-5) for correctness and style.",
		parameters: objectSchema(map[string]any{
			"question": stringProp("The user's question", 1),
			"answer":   stringProp("The answer to evaluate", 1),
		}, "question", "answer"),
	},
}

func compileSchemas() (map[Kind]*gojsonschema.Schema, error) {
	out := make(map[Kind]*gojsonschema.Schema, len(definitions))
	for kind, def := range definitions {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.parameters))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = s
	}
	return out, nil
}
