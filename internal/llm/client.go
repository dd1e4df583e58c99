package llm

import "context"

// Client is the interface that all LLM providers must implement. A
// Client is stateless across calls: everything the model needs is in
// the messages passed in.
type Client interface {
	// Chat sends a chat completion request and returns the response,
	// which carries either final text or one or more tool calls.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool, opts ...ChatOption) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
