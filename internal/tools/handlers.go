package tools

import (
	"context"
	"fmt"
)

type lookupPayload struct {
	Found  bool   `json:"found"`
	Answer string `json:"answer,omitempty"`
}

func (r *Registry) lookup(ctx context.Context, raw map[string]any, res *Result) (any, error) {
	a, err := decodeArgs[LookupArgs](raw)
	if err != nil {
		return nil, err
	}
	answer, found, err := r.cache.Lookup(ctx, a.Question)
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	res.Hit = found
	res.Answer = answer
	return lookupPayload{Found: found, Answer: answer}, nil
}

func (r *Registry) store(ctx context.Context, raw map[string]any) (any, error) {
	a, err := decodeArgs[StoreArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Upsert(ctx, a.Question, a.Answer); err != nil {
		return nil, fmt.Errorf("cache store failed: %w", err)
	}
	return map[string]string{"status": "ok"}, nil
}

// ContactNotice is the alert text for a visitor who left details.
func ContactNotice(a ContactArgs) string {
	a.applyDefaults()
	return fmt.Sprintf("Recording %s with email %s and notes %s", a.Name, a.Email, a.Notes)
}

// UnknownQuestionNotice is the alert text for an unanswered question.
func UnknownQuestionNotice(question string) string {
	return "Recording " + question
}

// recordContact alerts the owner. Notifier errors are logged and never
// fail the call.
func (r *Registry) recordContact(ctx context.Context, raw map[string]any) (any, error) {
	a, err := decodeArgs[ContactArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := r.notifier.Notify(ctx, ContactNotice(a)); err != nil {
		r.logger.Warn("contact notification failed", "error", err)
	}
	return map[string]string{"recorded": "ok"}, nil
}

func (r *Registry) recordUnknown(ctx context.Context, raw map[string]any) (any, error) {
	a, err := decodeArgs[UnknownQuestionArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := r.notifier.Notify(ctx, UnknownQuestionNotice(a.Question)); err != nil {
		r.logger.Warn("unknown-question notification failed", "error", err)
	}
	return map[string]string{"recorded": "ok"}, nil
}

func (r *Registry) evaluate(ctx context.Context, raw map[string]any) (any, error) {
	a, err := decodeArgs[EvaluateArgs](raw)
	if err != nil {
		return nil, err
	}
	score, err := r.evaluator.Evaluate(ctx, a.Question, a.Answer)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return score, nil
}
