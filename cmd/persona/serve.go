package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/youngjulesverne/rafael-chatbot/internal/api"
	"github.com/youngjulesverne/rafael-chatbot/internal/buildinfo"
	"github.com/youngjulesverne/rafael-chatbot/internal/config"
	"github.com/youngjulesverne/rafael-chatbot/internal/connwatch"
)

const shutdownTimeout = 15 * time.Second

// runServe loads config, wires the loop, and serves the API until
// SIGINT or SIGTERM. In-flight requests drain, then queued
// notifications are flushed and the cache is closed.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting persona", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Models.Default)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(ctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.profile.Name, a.loop, logger)
	server.SetMetricsHandler(a.metrics.Handler())

	engineWatch := connwatch.New(connwatch.Config{
		Name:         "engine",
		Probe:        a.engine.Ping,
		Startup:      cfg.Agent.Retry.Backoff(),
		PollInterval: cfg.Agent.HealthInterval,
		ProbeTimeout: cfg.Agent.CallTimeout,
		Logger:       logger,
	})
	server.AddHealthCheck(engineWatch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.notifier.Run(gctx)
	})
	g.Go(func() error {
		return engineWatch.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("persona stopped")
	return nil
}
