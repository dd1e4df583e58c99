package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/youngjulesverne/rafael-chatbot/internal/llm"
	"github.com/youngjulesverne/rafael-chatbot/internal/prompts"
	"github.com/youngjulesverne/rafael-chatbot/internal/qacache"
	"github.com/youngjulesverne/rafael-chatbot/internal/tools"
)

// mockLLM replays scripted responses in order. Once the script runs
// out it returns repeat, if set, or an error.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	repeat    *llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []llm.Tool
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []llm.Tool, _ ...llm.ChatOption) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: slices.Clone(msgs), Tools: td})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		if m.repeat != nil {
			return m.repeat, nil
		}
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingNotifier) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.texts)
}

type testEnv struct {
	store    qacache.Store
	notifier *recordingNotifier
	registry *tools.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := qacache.NewSQLiteStore("sqlite", filepath.Join(t.TempDir(), "qa.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newTestEnvWithStore(t, store)
}

func newTestEnvWithStore(t *testing.T, store qacache.Store) *testEnv {
	t.Helper()
	n := &recordingNotifier{}
	reg, err := tools.NewRegistry(tools.Deps{Cache: store, Notifier: n})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &testEnv{store: store, notifier: n, registry: reg}
}

func (e *testEnv) loop(engine llm.Client, enforce bool) *Loop {
	return NewLoop(LoopConfig{
		Model:           "test-model",
		SystemPrompt:    "You are Rafael.",
		EnforceProtocol: enforce,
	}, engine, e.registry, nil)
}

func (e *testEnv) lookup(t *testing.T, q string) (string, bool) {
	t.Helper()
	a, ok, err := e.store.Lookup(context.Background(), q)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", q, err)
	}
	return a, ok
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func final(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
		InputTokens:  20,
		OutputTokens: 7,
	}
}

func tc(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func names(recs []ToolCallRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

const languagesQ = "What programming languages do you know?"
const languagesA = "Mostly Go and Python, with some TypeScript."

func TestRun_CacheMissThenStore(t *testing.T) {
	env := newTestEnv(t)
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": languagesQ})),
		toolCalls(tc("c2", tools.NameStore, map[string]any{"question": languagesQ, "answer": languagesA})),
		final(languagesA),
	}}

	resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != languagesA {
		t.Errorf("Content = %q", resp.Content)
	}
	if got := names(resp.ToolCalls); !slices.Equal(got, []string{tools.NameLookup, tools.NameStore}) {
		t.Errorf("tool calls = %v", got)
	}
	if resp.Rounds != 3 || resp.InputTokens != 40 || resp.OutputTokens != 17 {
		t.Errorf("rounds=%d in=%d out=%d", resp.Rounds, resp.InputTokens, resp.OutputTokens)
	}
	if resp.RequestID == "" {
		t.Error("RequestID not set")
	}
	if a, ok := env.lookup(t, strings.ToUpper(languagesQ)); !ok || a != languagesA {
		t.Errorf("stored = %q, %v", a, ok)
	}
}

func TestRun_CacheHitShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Upsert(context.Background(), languagesQ, languagesA); err != nil {
		t.Fatal(err)
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": languagesQ})),
		final("a paraphrase the loop must never return"),
	}}

	resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != languagesA || !resp.CacheHit {
		t.Errorf("Content = %q, CacheHit = %v", resp.Content, resp.CacheHit)
	}
	if len(mock.calls) != 1 {
		t.Errorf("engine calls = %d, want 1", len(mock.calls))
	}
	if got := names(resp.ToolCalls); !slices.Equal(got, []string{tools.NameLookup}) {
		t.Errorf("tool calls = %v", got)
	}
}

func TestRun_StoreAfterHitRejected(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Upsert(context.Background(), languagesQ, languagesA); err != nil {
		t.Fatal(err)
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			tc("c1", tools.NameLookup, map[string]any{"question": languagesQ}),
			tc("c2", tools.NameStore, map[string]any{"question": languagesQ, "answer": "Rust."}),
		),
	}}

	resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != languagesA {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 2 || !resp.ToolCalls[1].Rejected {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if a, _ := env.lookup(t, languagesQ); a != languagesA {
		t.Errorf("store overwritten with %q", a)
	}
}

func TestRun_EscalationGuard(t *testing.T) {
	env := newTestEnv(t)
	const q = "What is your salary?"
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameRecordUnknown, map[string]any{"question": q})),
		toolCalls(tc("c2", tools.NameLookup, map[string]any{"question": q})),
		toolCalls(tc("c3", tools.NameRecordUnknown, map[string]any{"question": q})),
		final("I'm not able to share that, but I've let Rafael know you asked."),
	}}

	resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: q})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !resp.ToolCalls[0].Rejected || resp.ToolCalls[2].Rejected {
		t.Errorf("rejections = %v, %v; want only the first", resp.ToolCalls[0].Rejected, resp.ToolCalls[2].Rejected)
	}
	// The rejection is reported to the engine as a tool error.
	second := mock.calls[1].Messages
	if last := second[len(second)-1]; last.Role != llm.RoleTool || !strings.Contains(last.Content, "query_qa must be called") {
		t.Errorf("rejection message = %+v", last)
	}
	if got := env.notifier.sent(); !slices.Equal(got, []string{"Recording " + q}) {
		t.Errorf("notifications = %q", got)
	}
	// An escalated answer is not cached.
	if _, ok := env.lookup(t, q); ok {
		t.Error("escalated answer was stored")
	}
}

func TestRun_AutoStoreAfterMiss(t *testing.T) {
	env := newTestEnv(t)
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": languagesQ})),
		final(languagesA),
	}}

	resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	last := resp.ToolCalls[len(resp.ToolCalls)-1]
	if last.Name != tools.NameStore || !last.Synthetic {
		t.Errorf("last call = %+v, want synthetic store", last)
	}
	if a, ok := env.lookup(t, languagesQ); !ok || a != languagesA {
		t.Errorf("stored = %q, %v", a, ok)
	}
}

func TestRun_LookupWhenEngineSkipsIt(t *testing.T) {
	t.Run("miss stores the answer", func(t *testing.T) {
		env := newTestEnv(t)
		mock := &mockLLM{responses: []*llm.ChatResponse{final(languagesA)}}

		resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if got := names(resp.ToolCalls); !slices.Equal(got, []string{tools.NameLookup, tools.NameStore}) {
			t.Errorf("tool calls = %v", got)
		}
		if a, ok := env.lookup(t, languagesQ); !ok || a != languagesA {
			t.Errorf("stored = %q, %v", a, ok)
		}
	})

	t.Run("hit returns the stored answer", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.store.Upsert(context.Background(), languagesQ, languagesA); err != nil {
			t.Fatal(err)
		}
		mock := &mockLLM{responses: []*llm.ChatResponse{final("Go, probably.")}}

		resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if resp.Content != languagesA {
			t.Errorf("Content = %q, want stored answer", resp.Content)
		}
	})
}

func TestRun_EnforcementOff(t *testing.T) {
	env := newTestEnv(t)
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameRecordUnknown, map[string]any{"question": "q"})),
		final("Hello!"),
	}}

	resp, err := env.loop(mock, false).Run(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != "Hello!" || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Rejected {
		t.Errorf("resp = %+v", resp)
	}
	if _, ok := env.lookup(t, "hi"); ok {
		t.Error("answer stored with enforcement off")
	}
}

func TestRun_MaxIterations(t *testing.T) {
	env := newTestEnv(t)
	mock := &mockLLM{repeat: toolCalls(tc("c", "get_weather", map[string]any{}))}
	loop := NewLoop(LoopConfig{Model: "m", MaxIterations: 3, EnforceProtocol: true}, mock, env.registry, nil)

	resp, err := loop.Run(context.Background(), &Request{Message: "loop forever"})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil", resp)
	}
	if len(mock.calls) != 3 {
		t.Errorf("engine calls = %d, want 3", len(mock.calls))
	}
}

func TestRun_EmptyResponse(t *testing.T) {
	t.Run("nudge recovers", func(t *testing.T) {
		env := newTestEnv(t)
		mock := &mockLLM{responses: []*llm.ChatResponse{
			toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": languagesQ})),
			final(""),
			final(languagesA),
		}}

		resp, err := env.loop(mock, true).Run(context.Background(), &Request{Message: languagesQ})
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if resp.Content != languagesA {
			t.Errorf("Content = %q", resp.Content)
		}
		third := mock.calls[2].Messages
		if last := third[len(third)-1]; last.Role != llm.RoleUser || last.Content != prompts.EmptyResponseNudge {
			t.Errorf("nudge missing, last message = %+v", last)
		}
	})

	t.Run("still empty escalates and fails", func(t *testing.T) {
		env := newTestEnv(t)
		mock := &mockLLM{responses: []*llm.ChatResponse{
			toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": "Where were you born?"})),
			final(""),
			final("   "),
		}}

		_, err := env.loop(mock, true).Run(context.Background(), &Request{Message: "Where were you born?"})
		if !errors.Is(err, ErrEmptyResponse) {
			t.Fatalf("err = %v, want ErrEmptyResponse", err)
		}
		if got := env.notifier.sent(); !slices.Equal(got, []string{"Recording Where were you born?"}) {
			t.Errorf("notifications = %q", got)
		}
	})

	t.Run("without lookup no escalation", func(t *testing.T) {
		env := newTestEnv(t)
		mock := &mockLLM{responses: []*llm.ChatResponse{final(""), final("")}}

		_, err := env.loop(mock, true).Run(context.Background(), &Request{Message: "hm"})
		if !errors.Is(err, ErrEmptyResponse) {
			t.Fatalf("err = %v, want ErrEmptyResponse", err)
		}
		if got := env.notifier.sent(); len(got) != 0 {
			t.Errorf("notifications = %q", got)
		}
	})
}

func TestRun_EngineErrorIsFatal(t *testing.T) {
	env := newTestEnv(t)
	fatal := &llm.ProviderError{Provider: "openai", StatusCode: 401, Body: "invalid api key"}
	mock := &mockLLM{err: fatal}

	_, err := env.loop(mock, true).Run(context.Background(), &Request{Message: "hi"})
	var perr *llm.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != 401 {
		t.Fatalf("err = %v, want the provider error", err)
	}
	if len(mock.calls) != 1 {
		t.Errorf("engine calls = %d, want 1", len(mock.calls))
	}
}

// blockingLLM waits for its context to end.
type blockingLLM struct{}

func (blockingLLM) Chat(ctx context.Context, _ string, _ []llm.Message, _ []llm.Tool, _ ...llm.ChatOption) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingLLM) Ping(context.Context) error { return nil }

func TestRun_RoundTimeout(t *testing.T) {
	env := newTestEnv(t)
	loop := NewLoop(LoopConfig{Model: "m", RoundTimeout: 20 * time.Millisecond}, blockingLLM{}, env.registry, nil)

	start := time.Now()
	_, err := loop.Run(context.Background(), &Request{Message: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run took %v", elapsed)
	}
}

func TestRun_ContextAssembly(t *testing.T) {
	env := newTestEnv(t)
	mock := &mockLLM{responses: []*llm.ChatResponse{final("Sure.")}}

	history := make([]Message, 2, 8)
	history[0] = Message{Role: "user", Content: "Hi"}
	history[1] = Message{Role: "assistant", Content: "Hello!"}
	snapshot := slices.Clone(history)

	got, err := env.loop(mock, false).Respond(context.Background(), "Tell me about you", history)
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	if got != "Sure." {
		t.Errorf("Respond() = %q", got)
	}
	if !slices.Equal(history, snapshot) || len(history) != 2 {
		t.Errorf("history modified: %+v", history)
	}
	if extra := history[:cap(history)][2]; extra != (Message{}) {
		t.Errorf("history backing array written: %+v", extra)
	}

	msgs := mock.calls[0].Messages
	wantRoles := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("messages[%d].Role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if msgs[0].Content != "You are Rafael." || msgs[3].Content != "Tell me about you" {
		t.Errorf("system/user = %q / %q", msgs[0].Content, msgs[3].Content)
	}
	if len(mock.calls[0].Tools) != len(env.registry.Definitions()) {
		t.Errorf("tools offered = %d", len(mock.calls[0].Tools))
	}
}

func TestRun_BatchOrderAndCorrelation(t *testing.T) {
	env := newTestEnv(t)
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			tc("a", tools.NameLookup, map[string]any{"question": "q"}),
			tc("b", "get_weather", map[string]any{"city": "Lisbon"}),
			tc("c", tools.NameRecordContact, map[string]any{"email": "ana@example.com", "name": "Ana"}),
			tc("d", tools.NameLookup, map[string]any{"question": 7}),
		),
		final("Thanks Ana, I'll be in touch."),
	}}

	resp, err := env.loop(mock, false).Run(context.Background(), &Request{Message: "I'm Ana, ana@example.com"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	msgs := mock.calls[1].Messages
	// system, user, assistant tool request, then four results.
	if len(msgs) != 7 {
		t.Fatalf("messages = %d, want 7", len(msgs))
	}
	if got := msgs[2]; got.Role != llm.RoleAssistant || len(got.ToolCalls) != 4 {
		t.Errorf("assistant message = %+v", got)
	}
	for i, id := range []string{"a", "b", "c", "d"} {
		m := msgs[3+i]
		if m.Role != llm.RoleTool || m.ToolCallID != id {
			t.Errorf("result %d = %+v, want tool result for %s", i, m, id)
		}
	}
	if msgs[4].Content != "{}" {
		t.Errorf("unknown tool result = %q, want {}", msgs[4].Content)
	}
	if !strings.Contains(msgs[6].Content, "invalid arguments") {
		t.Errorf("malformed call result = %q", msgs[6].Content)
	}
	if len(resp.ToolCalls) != 4 {
		t.Errorf("transcript = %d", len(resp.ToolCalls))
	}
	if got := env.notifier.sent(); len(got) != 1 || !strings.Contains(got[0], "ana@example.com") {
		t.Errorf("notifications = %q", got)
	}
}

// TestRespond_TwoConversationsShareStore asks the same question in two
// fresh conversations against one store. The first misses and stores;
// the second hits and returns the identical string.
func TestRespond_TwoConversationsShareStore(t *testing.T) {
	env := newTestEnv(t)

	first := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": languagesQ})),
		toolCalls(tc("c2", tools.NameStore, map[string]any{"question": languagesQ, "answer": languagesA})),
		final(languagesA),
	}}
	got1, err := env.loop(first, true).Respond(context.Background(), languagesQ, nil)
	if err != nil {
		t.Fatalf("first Respond() error: %v", err)
	}

	second := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("c1", tools.NameLookup, map[string]any{"question": languagesQ})),
		final("a different phrasing"),
	}}
	resp2, err := env.loop(second, true).Run(context.Background(), &Request{Message: languagesQ})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if got1 != languagesA || resp2.Content != got1 {
		t.Errorf("answers = %q then %q", got1, resp2.Content)
	}
	if got := names(resp2.ToolCalls); !slices.Equal(got, []string{tools.NameLookup}) {
		t.Errorf("second turn tool calls = %v", got)
	}
	if len(second.calls) != 1 {
		t.Errorf("second turn engine calls = %d, want 1", len(second.calls))
	}
}

// echoLLM answers from the conversation itself so it can serve many
// turns concurrently: it looks up the user message, then answers.
type echoLLM struct{}

func (echoLLM) Chat(_ context.Context, _ string, msgs []llm.Message, _ []llm.Tool, _ ...llm.ChatOption) (*llm.ChatResponse, error) {
	last := msgs[len(msgs)-1]
	if last.Role == llm.RoleUser {
		return toolCalls(tc("l", tools.NameLookup, map[string]any{"question": last.Content})), nil
	}
	var question string
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			question = m.Content
		}
	}
	return final("answer to " + question), nil
}

func (echoLLM) Ping(context.Context) error { return nil }

func TestRun_ConcurrentTurns(t *testing.T) {
	env := newTestEnv(t)
	loop := env.loop(echoLLM{}, true)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Two goroutines per question race the same key.
			q := fmt.Sprintf("question %d", i%8)
			resp, err := loop.Run(context.Background(), &Request{Message: q})
			if err != nil {
				errs <- err
				return
			}
			if resp.Content != "answer to "+q {
				errs <- fmt.Errorf("%s: got %q", q, resp.Content)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := range 8 {
		q := fmt.Sprintf("question %d", i)
		if a, ok := env.lookup(t, q); !ok || a != "answer to "+q {
			t.Errorf("%s stored = %q, %v", q, a, ok)
		}
	}
}
