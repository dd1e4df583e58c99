package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// deliveryTimeout bounds a single delivery attempt.
const deliveryTimeout = 30 * time.Second

// Async queues alerts and delivers them on a background goroutine
// with bounded retry. Notify returns immediately; when the queue is
// full the alert is dropped and logged.
type Async struct {
	next    Notifier
	backoff func() retry.Backoff
	logger  *slog.Logger
	// observe, if set, receives "delivered", "failed" or "dropped".
	observe func(outcome string)

	mu     sync.Mutex
	closed bool
	queue  chan string

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAsync starts the delivery goroutine. size is the queue capacity
// (at least 1). backoff is called once per alert.
func NewAsync(next Notifier, size int, backoff func() retry.Backoff, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		backoff: backoff,
		logger:  logger,
		queue:   make(chan string, size),
		runCtx:  ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify enqueues text. It never blocks and always returns nil.
func (a *Async) Notify(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		a.logger.Warn("notification dropped, notifier closed", "text", text)
		a.report("dropped")
		return nil
	}
	select {
	case a.queue <- text:
	default:
		a.logger.Warn("notification dropped, queue full", "capacity", cap(a.queue), "text", text)
		a.report("dropped")
	}
	return nil
}

// Close stops accepting alerts and waits for queued ones to be
// delivered or for ctx to expire, whichever comes first.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for text := range a.queue {
		a.deliver(text)
	}
}

func (a *Async) deliver(text string) {
	attempt := 0
	err := retry.Do(a.runCtx, a.backoff(), func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		defer cancel()

		err := a.next.Notify(callCtx, text)
		if err == nil || IsPermanent(err) {
			return err
		}
		a.logger.Debug("notification attempt failed", "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		a.logger.Warn("notification not delivered", "attempts", attempt, "error", err)
		a.report("failed")
		return
	}
	a.logger.Debug("notification delivered", "attempts", attempt)
	a.report("delivered")
}

func (a *Async) report(outcome string) {
	if a.observe != nil {
		a.observe(outcome)
	}
}
