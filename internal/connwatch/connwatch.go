// Package connwatch tracks whether the reasoning engine is reachable.
//
// A Watcher probes in two phases:
//  1. Startup: retries with the configured backoff until the first
//     success or the backoff gives up.
//  2. Background: polls at a fixed interval and logs transitions.
//
// Turns are never blocked on the watcher; it only feeds /health.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a Watcher.
type Config struct {
	// Name identifies the service in logs and status output.
	Name  string
	Probe ProbeFunc

	// Startup is the retry schedule before the first success. Nil means
	// a single startup probe.
	Startup retry.Backoff

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service as reported by
// the health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg  Config
	done chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// New creates a watcher. Run starts it.
func New(cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Startup == nil {
		cfg.Startup = retry.WithMaxRetries(0, retry.NewConstant(time.Second))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{cfg: cfg, done: make(chan struct{})}
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Done is closed once Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Run probes until ctx is cancelled. It always returns nil so it can
// sit in an errgroup next to the server.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	log := w.cfg.Logger.With("service", w.cfg.Name)

	attempts := 0
	err := retry.Do(ctx, w.cfg.Startup, func(ctx context.Context) error {
		attempts++
		if err := w.check(ctx); err != nil {
			log.Debug("startup probe failed", "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	switch {
	case err == nil:
		log.Info("service connected", "after_attempts", attempts)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return nil
	default:
		log.Warn("service unreachable at startup, polling in background", "attempts", attempts, "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wasReady := w.IsReady()
			err := w.check(ctx)
			switch {
			case wasReady && err != nil:
				log.Warn("service became unreachable", "error", err)
			case !wasReady && err == nil:
				log.Info("service recovered")
			case err != nil:
				log.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// check runs one probe and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	err := w.cfg.Probe(probeCtx)

	w.mu.Lock()
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}
