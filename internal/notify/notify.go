// Package notify delivers short out-of-band alerts to the person the
// chatbot represents: a visitor left contact details, or a question
// could not be answered.
//
// Delivery is best effort. Callers on the answering path go through
// [Async], which never blocks and never reports a delivery failure.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier sends one alert.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, text string) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Log writes alerts to a logger. It is always part of the fan-out so
// alerts are visible even when no remote channel is configured.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(ctx context.Context, text string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "text", text)
	return nil
}

// Multi sends every alert to each notifier in turn. All notifiers are
// tried; their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, such as rejected
// credentials.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
