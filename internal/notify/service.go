package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// Service is the process-wide notifier. Every alert is logged and then
// queued on each configured remote channel. Channels retry
// independently so one failing channel never duplicates alerts on
// another.
type Service struct {
	fanout   Multi
	queues   []*Async
	mqtt     *MQTT
	channels []string
}

// Observer receives the delivery outcome of each alert per channel.
type Observer func(channel, outcome string)

// NewService assembles the channels enabled in cfg. The log channel
// is always present. observe may be nil.
func NewService(cfg config.NotifyConfig, observe Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		fanout:   Multi{Log{Logger: logger}},
		channels: []string{"log"},
	}
	add := func(name string, n Notifier) {
		q := NewAsync(n, cfg.QueueSize, cfg.Retry.Backoff, logger.With("channel", name))
		if observe != nil {
			q.observe = func(outcome string) { observe(name, outcome) }
		}
		s.queues = append(s.queues, q)
		s.fanout = append(s.fanout, q)
		s.channels = append(s.channels, name)
	}

	if cfg.Pushover.Configured() {
		add("pushover", NewPushover(cfg.Pushover, logger))
	}
	if cfg.MQTT.Configured() {
		s.mqtt = NewMQTT(cfg.MQTT, logger)
		add("mqtt", s.mqtt)
	}
	if cfg.Email.Configured() {
		add("email", NewEmail(cfg.Email, logger))
	}

	logger.Info("notifier ready", "channels", s.channels)
	return s
}

// Notify implements Notifier. It never blocks on delivery and never
// fails.
func (s *Service) Notify(ctx context.Context, text string) error {
	_ = s.fanout.Notify(ctx, text)
	return nil
}

// Channels lists the enabled channel names.
func (s *Service) Channels() []string {
	return s.channels
}

// Run maintains long-lived channel connections until ctx is
// cancelled. It returns immediately if no channel needs one.
func (s *Service) Run(ctx context.Context) error {
	if s.mqtt == nil {
		return nil
	}
	return s.mqtt.Run(ctx)
}

// Close flushes queued alerts, giving up when ctx expires.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for _, q := range s.queues {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
