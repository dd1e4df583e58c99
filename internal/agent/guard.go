package agent

import (
	"errors"

	"github.com/youngjulesverne/rafael-chatbot/internal/llm"
	"github.com/youngjulesverne/rafael-chatbot/internal/tools"
)

// Rejection reasons returned to the engine in place of a tool result.
var (
	errLookupFirst   = errors.New("query_qa must be called for this question before record_unknown_question")
	errStoreAfterHit = errors.New("a stored answer was found for this question; return it verbatim instead of storing")
)

// turnGuard tracks the lookup, store and escalate steps of one turn.
// With enforcement off it only observes.
type turnGuard struct {
	enforce bool

	lookedUp  bool
	hit       bool
	hitAnswer string
	stored    bool
	escalated bool
}

// admit returns a non-nil error when call breaks the turn protocol and
// must not be dispatched.
func (g *turnGuard) admit(call llm.ToolCall) error {
	if !g.enforce {
		return nil
	}
	switch tools.KindFromName(call.Function.Name) {
	case tools.KindRecordUnknown:
		if !g.lookedUp {
			return errLookupFirst
		}
	case tools.KindStore:
		if g.hit {
			return errStoreAfterHit
		}
	}
	return nil
}

// observe records the outcome of a dispatched call.
func (g *turnGuard) observe(res tools.Result) {
	if res.Err != nil {
		// A failed lookup still counts as an attempt.
		if res.Kind == tools.KindLookup {
			g.lookedUp = true
		}
		return
	}
	switch res.Kind {
	case tools.KindLookup:
		g.lookedUp = true
		if res.Hit {
			g.hit = true
			g.hitAnswer = res.Answer
		}
	case tools.KindStore:
		g.stored = true
	case tools.KindRecordUnknown:
		g.escalated = true
	}
}

// shortCircuit reports the stored answer to return without another
// engine round, if the turn has produced a cache hit.
func (g *turnGuard) shortCircuit() (string, bool) {
	if !g.enforce || !g.hit {
		return "", false
	}
	return g.hitAnswer, true
}

// needsStore reports whether a final answer must still be persisted.
// An escalated turn has no answer worth keeping.
func (g *turnGuard) needsStore() bool {
	return g.enforce && !g.hit && !g.stored && !g.escalated
}

// needsEscalation reports whether an unanswered turn must still be
// recorded as an unknown question.
func (g *turnGuard) needsEscalation() bool {
	return g.enforce && g.lookedUp && !g.hit && !g.escalated
}
