// Package tools is the persona tool registry: the fixed set of
// operations the reasoning engine may invoke, their wire schemas, and
// dispatch. Every call yields a result payload for the engine; tool
// failures are reported inside the payload and never abort a turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/youngjulesverne/rafael-chatbot/internal/evaluate"
	"github.com/youngjulesverne/rafael-chatbot/internal/llm"
	"github.com/youngjulesverne/rafael-chatbot/internal/notify"
	"github.com/youngjulesverne/rafael-chatbot/internal/qacache"
)

// Evaluator grades an answer. *evaluate.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, question, answer string) (evaluate.Score, error)
}

// Deps are the collaborators the tools act on. Evaluator is optional;
// without it evaluate_response is not offered.
type Deps struct {
	Cache     qacache.Store
	Notifier  notify.Notifier
	Evaluator Evaluator
	Logger    *slog.Logger
}

// Registry holds the enabled tools.
type Registry struct {
	cache     qacache.Store
	notifier  notify.Notifier
	evaluator Evaluator
	schemas   map[Kind]*gojsonschema.Schema
	enabled   []Kind
	defs      []llm.Tool
	logger    *slog.Logger
}

// NewRegistry builds the registry and compiles the argument schemas.
func NewRegistry(d Deps) (*Registry, error) {
	if d.Cache == nil {
		return nil, errors.New("tools: cache store is required")
	}
	if d.Notifier == nil {
		return nil, errors.New("tools: notifier is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		cache:     d.Cache,
		notifier:  d.Notifier,
		evaluator: d.Evaluator,
		schemas:   schemas,
		logger:    logger,
	}
	for _, k := range kindOrder {
		if k == KindEvaluate && d.Evaluator == nil {
			continue
		}
		r.enabled = append(r.enabled, k)
		def := definitions[k]
		r.defs = append(r.defs, llm.Tool{
			Name:        k.Name(),
			Description: def.description,
			Parameters:  def.parameters,
		})
	}
	return r, nil
}

// Definitions returns the tool schemas in a fixed order. The slice is
// shared; callers must not modify it.
func (r *Registry) Definitions() []llm.Tool {
	return r.defs
}

// Has reports whether kind is enabled.
func (r *Registry) Has(kind Kind) bool {
	for _, k := range r.enabled {
		if k == kind {
			return true
		}
	}
	return false
}

// Result is the outcome of one tool call.
type Result struct {
	CallID  string
	Name    string
	Kind    Kind
	Payload string // JSON returned to the engine
	Err     error  // non-nil when the tool failed; Payload then carries the error

	// Lookup outcome, set only for KindLookup.
	Hit    bool
	Answer string
}

// Message returns the tool-result message for the conversation.
func (res Result) Message() llm.Message {
	return llm.Message{Role: llm.RoleTool, Content: res.Payload, ToolCallID: res.CallID}
}

// ErrorResult builds a failed result for call without running it.
func ErrorResult(call llm.ToolCall, err error) Result {
	res := Result{
		CallID: call.ID,
		Name:   call.Function.Name,
		Kind:   KindFromName(call.Function.Name),
	}
	return withError(res, err)
}

func withError(res Result, err error) Result {
	res.Err = err
	body := map[string]any{"error": err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		body["error"] = "invalid arguments"
		body["problems"] = verr.Problems
	}
	res.Payload = mustJSON(body)
	return res
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}

// DispatchBatch runs calls sequentially in the order given. Results
// keep that order and each carries its call's correlation id.
func (r *Registry) DispatchBatch(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, c := range calls {
		results = append(results, r.Dispatch(ctx, c))
	}
	return results
}

// Dispatch runs one call. An unknown or disabled tool yields an empty
// object payload. Malformed arguments and tool failures yield an
// error payload.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	start := time.Now()
	kind := KindFromName(call.Function.Name)
	res := Result{CallID: call.ID, Name: call.Function.Name, Kind: kind}

	if !r.Has(kind) {
		r.logger.Warn("unknown tool requested", "tool", call.Function.Name, "id", call.ID)
		res.Payload = "{}"
		return res
	}

	if err := r.validate(kind, call.Function.Arguments); err != nil {
		r.logger.Warn("tool arguments rejected", "tool", res.Name, "id", call.ID, "error", err)
		return withError(res, err)
	}

	var (
		payload any
		err     error
	)
	switch kind {
	case KindLookup:
		payload, err = r.lookup(ctx, call.Function.Arguments, &res)
	case KindStore:
		payload, err = r.store(ctx, call.Function.Arguments)
	case KindRecordContact:
		payload, err = r.recordContact(ctx, call.Function.Arguments)
	case KindRecordUnknown:
		payload, err = r.recordUnknown(ctx, call.Function.Arguments)
	case KindEvaluate:
		payload, err = r.evaluate(ctx, call.Function.Arguments)
	}
	if err != nil {
		r.logger.Warn("tool failed", "tool", res.Name, "id", call.ID, "elapsed", time.Since(start), "error", err)
		return withError(res, err)
	}

	res.Payload = mustJSON(payload)
	r.logger.Info("tool executed",
		"tool", res.Name,
		"id", call.ID,
		"elapsed", time.Since(start),
		"result_len", len(res.Payload),
	)
	r.logger.Log(ctx, llm.LevelTrace, "tool result", "tool", res.Name, "payload", res.Payload)
	return res
}

func (r *Registry) validate(kind Kind, args map[string]any) error {
	if raw, ok := args["_raw"]; ok && len(args) == 1 {
		return &ValidationError{Tool: kind.Name(), Problems: []string{fmt.Sprintf("arguments are not a JSON object: %v", raw)}}
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := r.schemas[kind].Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: kind.Name(), Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &ValidationError{Tool: kind.Name(), Problems: problems}
}
