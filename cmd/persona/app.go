package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/youngjulesverne/rafael-chatbot/internal/agent"
	"github.com/youngjulesverne/rafael-chatbot/internal/config"
	"github.com/youngjulesverne/rafael-chatbot/internal/evaluate"
	"github.com/youngjulesverne/rafael-chatbot/internal/llm"
	"github.com/youngjulesverne/rafael-chatbot/internal/metrics"
	"github.com/youngjulesverne/rafael-chatbot/internal/notify"
	"github.com/youngjulesverne/rafael-chatbot/internal/persona"
	"github.com/youngjulesverne/rafael-chatbot/internal/prompts"
	"github.com/youngjulesverne/rafael-chatbot/internal/qacache"
	"github.com/youngjulesverne/rafael-chatbot/internal/tools"
)

// app holds the collaborators shared by every subcommand that answers
// questions.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	profile  *persona.Profile
	cache    qacache.Store
	notifier *notify.Service
	metrics  *metrics.Metrics
	engine   llm.Client
	loop     *agent.Loop
}

// newApp wires the loop from configuration. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	profile, err := persona.Load(cfg.Persona)
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}
	logger.Info("persona loaded",
		"name", profile.Name,
		"summary_len", len(profile.Summary),
		"history_len", len(profile.History),
	)

	cache, err := qacache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	notifier := notify.NewService(cfg.Notify, m.Delivery, logger)

	engine := newEngine(cfg, logger)

	deps := tools.Deps{Cache: cache, Notifier: notifier, Logger: logger}
	if cfg.Models.Evaluator != "" {
		deps.Evaluator = evaluate.New(engine, cfg.Models.Evaluator, logger)
	}
	registry, err := tools.NewRegistry(deps)
	if err != nil {
		cache.Close()
		notifier.Close(ctx)
		return nil, err
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Model:           cfg.Models.Default,
		SystemPrompt:    prompts.System(profile),
		MaxIterations:   cfg.Agent.MaxIterations,
		RoundTimeout:    roundTimeout(cfg.Agent),
		EnforceProtocol: cfg.Agent.ProtocolEnforced(),
		Metrics:         m,
	}, engine, registry, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		profile:  profile,
		cache:    cache,
		notifier: notifier,
		metrics:  m,
		engine:   engine,
		loop:     loop,
	}, nil
}

// close flushes queued notifications and closes the cache.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Join(a.notifier.Close(ctx), a.cache.Close())
}

// roundTimeout bounds one engine round: every retry attempt at the
// per-call timeout plus the backoff between them.
func roundTimeout(a config.AgentConfig) time.Duration {
	attempts := max(a.Retry.Attempts, 1)
	return time.Duration(attempts)*a.CallTimeout + time.Duration(attempts-1)*a.Retry.Max
}

// newEngine builds the reasoning engine: a router over the configured
// providers, retried on transient failures. Models not explicitly
// mapped fall through to the provider of the default model.
func newEngine(cfg *config.Config, logger *slog.Logger) llm.Client {
	providers := make(map[string]llm.Client)
	if usesOllama(cfg) {
		providers["ollama"] = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	}
	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}

	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	fallback, ok := providers[defaultProvider]
	if !ok {
		defaultProvider = "ollama"
		fallback = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
		providers["ollama"] = fallback
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return llm.NewRetryingClient(multi, llm.RetryPolicy{
		Attempts:       cfg.Agent.Retry.Attempts,
		Base:           cfg.Agent.Retry.Base,
		Max:            cfg.Agent.Retry.Max,
		AttemptTimeout: cfg.Agent.CallTimeout,
	}, logger)
}

// usesOllama reports whether any configured model routes to Ollama.
// Unused providers stay out of the router so they never fail a ping.
func usesOllama(cfg *config.Config) bool {
	if cfg.ProviderFor(cfg.Models.Default) == "ollama" {
		return true
	}
	for _, m := range cfg.Models.Available {
		if m.Provider == "ollama" {
			return true
		}
	}
	return cfg.Models.Evaluator != "" && cfg.ProviderFor(cfg.Models.Evaluator) == "ollama"
}
