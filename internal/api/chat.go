package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/youngjulesverne/rafael-chatbot/internal/agent"
)

// ChatRequest is the body of POST /v1/chat. History holds prior turns
// in order; the server keeps no conversation state of its own.
type ChatRequest struct {
	Message string          `json:"message"`
	History []agent.Message `json:"history,omitempty"`
}

// ChatResponse is the reply of POST /v1/chat.
type ChatResponse struct {
	Answer    string                 `json:"answer"`
	RequestID string                 `json:"request_id"`
	Model     string                 `json:"model,omitempty"`
	ToolCalls []agent.ToolCallRecord `json:"tool_calls"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// validateTurn checks a message and its history.
func validateTurn(message string, history []agent.Message) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("message is required")
	}
	for i, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("history[%d]: role must be user or assistant, got %q", i, m.Role)
		}
	}
	return nil
}

// turnError maps a failed turn to a status and a client-safe message.
func turnError(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrMaxIterations):
		return http.StatusBadGateway, "the assistant could not settle on an answer"
	case errors.Is(err, agent.ErrEmptyResponse):
		return http.StatusBadGateway, "the assistant returned no answer"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the assistant timed out"
	default:
		return http.StatusBadGateway, "the assistant is unavailable: " + err.Error()
	}
}

func (s *Server) runTurn(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	resp, err := s.runner.Run(ctx, req)
	if err != nil {
		s.stats.RecordFailure()
		s.logger.Error("agent loop failed", "error", err)
		return nil, err
	}
	s.stats.Record(resp)
	return resp, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateTurn(req.Message, req.History); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.runTurn(r.Context(), &agent.Request{Message: req.Message, History: req.History})
	if err != nil {
		code, msg := turnError(err)
		s.errorResponse(w, code, msg)
		return
	}

	calls := resp.ToolCalls
	if calls == nil {
		calls = []agent.ToolCallRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Answer:    resp.Content,
		RequestID: resp.RequestID,
		Model:     resp.Model,
		ToolCalls: calls,
	}, s.logger)
}

// ChatCompletionRequest is the OpenAI-compatible request format. The
// last message must be the user's; earlier ones are the history.
type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []agent.Message `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int           `json:"index"`
	Message      agent.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Stream {
		s.errorResponse(w, http.StatusBadRequest, "streaming is not supported")
		return
	}

	// System messages from the client are dropped; the persona prompt
	// is fixed server-side.
	var convo []agent.Message
	for _, m := range req.Messages {
		if m.Role == "user" || m.Role == "assistant" {
			convo = append(convo, m)
		}
	}
	if len(convo) == 0 || convo[len(convo)-1].Role != "user" {
		s.errorResponse(w, http.StatusBadRequest, "the last message must be from the user")
		return
	}
	last := convo[len(convo)-1]
	history := convo[:len(convo)-1]
	if err := validateTurn(last.Content, history); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.runTurn(r.Context(), &agent.Request{Message: last.Content, History: history})
	if err != nil {
		code, msg := turnError(err)
		s.errorResponse(w, code, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatCompletionResponse{
		ID:      "chatcmpl-" + resp.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{
			Message:      agent.Message{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
	}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       "persona",
			"object":   "model",
			"owned_by": s.persona,
		}},
	}, s.logger)
}
