package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/youngjulesverne/rafael-chatbot/internal/agent"
	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// cliApp loads config and wires the app with logs on stderr, so
// stdout carries only answers.
func cliApp(ctx context.Context, stderr io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	// Interactive use stays quiet unless asked otherwise.
	if cfg.LogLevel == "" {
		level = slog.LevelWarn
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return newApp(ctx, cfg, logger)
}

// runAsk answers a single question and prints the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	a, err := cliApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	resp, err := a.loop.Run(ctx, &agent.Request{Message: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runChat is a line-oriented conversation. Each line is one turn and
// the history is kept for the session. An empty line or EOF ends it.
// A failed turn is reported and left out of the history.
func runChat(ctx context.Context, in io.Reader, stdout, stderr io.Writer, configPath string) error {
	a, err := cliApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	fmt.Fprintf(stdout, "Chatting with %s. An empty line ends the conversation.\n", a.profile.Name)

	var history []agent.Message
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		answer, err := a.loop.Respond(ctx, line, history)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, answer)
		history = append(history,
			agent.Message{Role: "user", Content: line},
			agent.Message{Role: "assistant", Content: answer},
		)
	}
	return scanner.Err()
}
