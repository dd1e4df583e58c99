// Package evaluate grades a persona answer with a second, independent
// reasoning call using a fixed rubric.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/youngjulesverne/rafael-chatbot/internal/llm"
	"github.com/youngjulesverne/rafael-chatbot/internal/prompts"
)

// ErrUnparseable is returned when the evaluator reply holds no usable
// JSON verdict.
var ErrUnparseable = errors.New("evaluate: unparseable verdict")

// Score is the evaluator's verdict on one answer.
type Score struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// Evaluator sends the rubric prompt to a dedicated model.
type Evaluator struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// New creates an Evaluator that asks model through client.
func New(client llm.Client, model string, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{client: client, model: model, logger: logger}
}

// Model returns the evaluator model name.
func (e *Evaluator) Model() string { return e.model }

// Evaluate grades answer as a reply to question. The score is always
// within 1..5 when err is nil.
func (e *Evaluator) Evaluate(ctx context.Context, question, answer string) (Score, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.EvaluatorSystem},
		{Role: llm.RoleUser, Content: prompts.EvaluatorRubric(question, answer)},
	}

	resp, err := e.client.Chat(ctx, e.model, messages, nil,
		llm.WithTemperature(0),
		llm.WithJSONResponse(),
	)
	if err != nil {
		return Score{}, fmt.Errorf("evaluator call: %w", err)
	}

	s, err := ParseVerdict(resp.Message.Content)
	if err != nil {
		e.logger.Warn("evaluator reply rejected",
			"model", e.model,
			"error", err,
			"content", resp.Message.Content,
		)
		return Score{}, err
	}

	e.logger.Debug("answer evaluated", "model", e.model, "score", s.Score)
	return s, nil
}

// ParseVerdict extracts a Score from an evaluator reply. Markdown code
// fences and text around the JSON object are tolerated.
func ParseVerdict(content string) (Score, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Score{}, ErrUnparseable
	}

	var s Score
	if err := json.Unmarshal([]byte(content[start:end+1]), &s); err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if s.Score < 1 || s.Score > 5 {
		return Score{}, fmt.Errorf("%w: score %d outside 1..5", ErrUnparseable, s.Score)
	}
	s.Feedback = strings.TrimSpace(s.Feedback)
	return s, nil
}
