// Package agent implements the orchestration loop: one call per user
// turn, alternating between the reasoning engine and the tool registry
// until the engine produces a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/youngjulesverne/rafael-chatbot/internal/llm"
	"github.com/youngjulesverne/rafael-chatbot/internal/prompts"
	"github.com/youngjulesverne/rafael-chatbot/internal/tools"
)

// DefaultMaxIterations bounds engine round trips when the config does not.
const DefaultMaxIterations = 8

var (
	// ErrMaxIterations is returned when the engine keeps requesting
	// tools past the iteration bound.
	ErrMaxIterations = errors.New("agent: iteration limit reached without a final answer")

	// ErrEmptyResponse is returned when the engine gives no answer,
	// even after being nudged once.
	ErrEmptyResponse = errors.New("agent: engine returned an empty response")
)

// Message is one prior exchange in a conversation. Only user and
// assistant turns are carried between calls.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request represents an incoming turn.
type Request struct {
	Message string    `json:"message"`
	History []Message `json:"history,omitempty"`
	Model   string    `json:"model,omitempty"`
}

// ToolCallRecord is one tool invocation made during a turn.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result"`
	// Rejected is set when the loop refused the call for breaking the
	// lookup/store/escalate order.
	Rejected bool `json:"rejected,omitempty"`
	// Synthetic is set for calls the loop made on the engine's behalf.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Response is the outcome of a turn.
type Response struct {
	Content      string           `json:"content"`
	Model        string           `json:"model"`
	RequestID    string           `json:"request_id"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	Rounds       int              `json:"rounds"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	// CacheHit is set when the answer came from the cache store.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// Recorder receives turn measurements. *metrics.Metrics satisfies it.
type Recorder interface {
	Turn(outcome string, elapsed time.Duration)
	ToolCall(tool, outcome string)
	CacheLookup(result string)
	EngineCall(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) Turn(string, time.Duration) {}
func (nopRecorder) ToolCall(string, string)    {}
func (nopRecorder) CacheLookup(string)         {}
func (nopRecorder) EngineCall(string)          {}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Model        string
	SystemPrompt string

	// MaxIterations bounds engine round trips per turn. Zero means
	// DefaultMaxIterations.
	MaxIterations int

	// RoundTimeout bounds each engine round, retries included. Zero
	// leaves only the caller's deadline.
	RoundTimeout time.Duration

	// EnforceProtocol makes the loop police the lookup, store and
	// escalate order rather than relying on the system prompt alone.
	EnforceProtocol bool

	Metrics Recorder
}

// Loop is the orchestration loop. It is safe for concurrent use; all
// per-turn state lives on the stack of Run.
type Loop struct {
	cfg      LoopConfig
	engine   llm.Client
	registry *tools.Registry
	metrics  Recorder
	logger   *slog.Logger
}

// NewLoop creates a loop around an engine and a tool registry.
func NewLoop(cfg LoopConfig, engine llm.Client, registry *tools.Registry, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Loop{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		metrics:  rec,
		logger:   logger,
	}
}

// Respond answers one user message given the prior history. The
// history is read, never modified; retaining it across turns is the
// caller's job.
func (l *Loop) Respond(ctx context.Context, userMessage string, history []Message) (string, error) {
	resp, err := l.Run(ctx, &Request{Message: userMessage, History: history})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// turn is the mutable state of one Run.
type turn struct {
	id       string
	question string
	messages []llm.Message
	guard    turnGuard
	resp     *Response
}

// Run executes one turn and returns the answer with its tool transcript.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}

	t := &turn{
		id:       uuid.NewString(),
		question: req.Message,
		messages: l.buildMessages(req),
		guard:    turnGuard{enforce: l.cfg.EnforceProtocol},
	}
	t.resp = &Response{Model: model, RequestID: t.id}
	log := l.logger.With("request_id", t.id)

	log.Info("turn started",
		"model", model,
		"history", len(req.History),
		"enforce_protocol", l.cfg.EnforceProtocol,
	)

	outcome, err := l.loop(ctx, log, model, t)
	elapsed := time.Since(start)
	l.metrics.Turn(outcome, elapsed)

	attrs := []any{
		"outcome", outcome,
		"rounds", t.resp.Rounds,
		"tool_calls", len(t.resp.ToolCalls),
		"input_tokens", t.resp.InputTokens,
		"output_tokens", t.resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if err != nil {
		log.Warn("turn failed", append(attrs, "error", err)...)
		return nil, err
	}
	log.Info("turn completed", append(attrs, "answer_len", len(t.resp.Content))...)
	return t.resp, nil
}

func (l *Loop) loop(ctx context.Context, log *slog.Logger, model string, t *turn) (string, error) {
	defs := l.registry.Definitions()
	nudged := false

	for range l.cfg.MaxIterations {
		t.resp.Rounds++
		resp, err := l.chat(ctx, model, t.messages, defs)
		if err != nil {
			return "error", fmt.Errorf("engine call: %w", err)
		}
		t.resp.InputTokens += resp.InputTokens
		t.resp.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			t.resp.Model = resp.Model
		}

		if resp.WantsTools() {
			t.messages = append(t.messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Message.Content,
				ToolCalls: resp.Message.ToolCalls,
			})
			for _, call := range resp.Message.ToolCalls {
				res := l.dispatch(ctx, log, t, call, false)
				t.messages = append(t.messages, res.Message())
			}
			if answer, ok := t.guard.shortCircuit(); ok {
				log.Debug("returning stored answer", "answer_len", len(answer))
				t.resp.Content = answer
				t.resp.CacheHit = true
				return "cache_hit", nil
			}
			continue
		}

		content := strings.TrimSpace(resp.Message.Content)
		if content == "" {
			if !nudged {
				nudged = true
				log.Warn("empty response from engine, nudging", "round", t.resp.Rounds)
				t.messages = append(t.messages, llm.Message{Role: llm.RoleUser, Content: prompts.EmptyResponseNudge})
				continue
			}
			if t.guard.needsEscalation() {
				l.dispatch(ctx, log, t, l.syntheticCall(tools.NameRecordUnknown, map[string]any{"question": t.question}), true)
			}
			return "empty", ErrEmptyResponse
		}

		return l.finish(ctx, log, t, resp.Message.Content)
	}

	log.Warn("iteration limit reached", "max_iterations", l.cfg.MaxIterations)
	return "max_iterations", fmt.Errorf("%w (%d rounds)", ErrMaxIterations, l.cfg.MaxIterations)
}

// finish applies the protocol to a final answer: a turn that never
// looked the question up does so now, and a miss is persisted.
func (l *Loop) finish(ctx context.Context, log *slog.Logger, t *turn, answer string) (string, error) {
	if l.cfg.EnforceProtocol && !t.guard.lookedUp {
		l.dispatch(ctx, log, t, l.syntheticCall(tools.NameLookup, map[string]any{"question": t.question}), true)
		if stored, ok := t.guard.shortCircuit(); ok {
			t.resp.Content = stored
			t.resp.CacheHit = true
			return "cache_hit", nil
		}
	}
	if t.guard.needsStore() {
		l.dispatch(ctx, log, t, l.syntheticCall(tools.NameStore, map[string]any{
			"question": t.question,
			"answer":   answer,
		}), true)
	}
	t.resp.Content = answer
	return "answered", nil
}

// chat makes one engine round under the round timeout.
func (l *Loop) chat(ctx context.Context, model string, messages []llm.Message, defs []llm.Tool) (*llm.ChatResponse, error) {
	if l.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.RoundTimeout)
		defer cancel()
	}
	resp, err := l.engine.Chat(ctx, model, messages, defs)
	if err != nil {
		l.metrics.EngineCall("error")
		return nil, err
	}
	l.metrics.EngineCall("ok")
	return resp, nil
}

// dispatch runs one call through the guard and the registry and
// records it in the transcript.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, t *turn, call llm.ToolCall, synthetic bool) tools.Result {
	rec := ToolCallRecord{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: call.Function.Arguments,
		Synthetic: synthetic,
	}

	var res tools.Result
	if err := t.guard.admit(call); err != nil {
		log.Warn("tool call rejected", "tool", call.Function.Name, "id", call.ID, "reason", err)
		res = tools.ErrorResult(call, err)
		rec.Rejected = true
	} else {
		res = l.registry.Dispatch(ctx, call)
		t.guard.observe(res)
	}
	rec.Result = res.Payload
	t.resp.ToolCalls = append(t.resp.ToolCalls, rec)
	l.record(res, rec.Rejected)
	return res
}

func (l *Loop) record(res tools.Result, rejected bool) {
	outcome := "ok"
	switch {
	case rejected:
		outcome = "rejected"
	case res.Kind == tools.KindUnknown:
		outcome = "unknown"
	case res.Err != nil:
		outcome = "error"
	}
	l.metrics.ToolCall(res.Kind.String(), outcome)

	if res.Kind == tools.KindLookup && !rejected {
		switch {
		case res.Err != nil:
			l.metrics.CacheLookup("error")
		case res.Hit:
			l.metrics.CacheLookup("hit")
		default:
			l.metrics.CacheLookup("miss")
		}
	}
}

func (l *Loop) syntheticCall(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{
		ID:       "loop_" + uuid.NewString()[:8],
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}
}

// buildMessages assembles the context for a turn in a fresh slice.
func (l *Loop) buildMessages(req *Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	if l.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		role := m.Role
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})
}
