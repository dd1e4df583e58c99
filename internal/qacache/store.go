// Package qacache persists question/answer pairs the persona has
// already answered, so a repeated question is served from the cache
// instead of a fresh generation.
//
// Matching is exact after normalization: surrounding whitespace is
// trimmed and the question is case-folded. Any other rephrasing misses.
package qacache

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyQuestion is returned when a question normalizes to nothing.
var ErrEmptyQuestion = errors.New("qacache: empty question")

// Store is the question/answer cache shared by every conversation.
// Implementations must tolerate concurrent readers; writers of the
// same normalized question are serialized.
type Store interface {
	// Lookup returns the stored answer for question. found is false
	// on a miss; err is reserved for I/O failures.
	Lookup(ctx context.Context, question string) (answer string, found bool, err error)

	// Upsert stores answer for question, overwriting any previous
	// answer. Repeating an identical call leaves the state unchanged.
	Upsert(ctx context.Context, question, answer string) error

	Close() error
}

// NormalizeQuestion returns the uniqueness key for a question.
func NormalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
