// Package llm provides the reasoning engine clients the chatbot talks to.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a tool invocation requested by the model. ID correlates
// the invocation with its tool-role result message.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes a callable tool to the model. Parameters is a
// JSON-schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatResponse is the unified response from any LLM provider. Wire
// format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// FinishReason is provider-neutral: "stop", "tool_calls", "length".
	FinishReason string

	InputTokens  int
	OutputTokens int
}

// WantsTools reports whether the model asked for tool invocations
// rather than giving a final answer.
func (r *ChatResponse) WantsTools() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// ChatOptions holds per-request generation settings.
type ChatOptions struct {
	// Temperature is nil to use the provider default.
	Temperature *float64
	MaxTokens   int
	// JSONResponse asks providers that support it for a JSON object reply.
	JSONResponse bool
}

// ChatOption configures a single Chat call.
type ChatOption func(*ChatOptions)

// WithTemperature pins the sampling temperature.
func WithTemperature(t float64) ChatOption {
	return func(o *ChatOptions) { o.Temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) ChatOption {
	return func(o *ChatOptions) { o.MaxTokens = n }
}

// WithJSONResponse requests a JSON object response.
func WithJSONResponse() ChatOption {
	return func(o *ChatOptions) { o.JSONResponse = true }
}

func applyOptions(opts []ChatOption) ChatOptions {
	var o ChatOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
