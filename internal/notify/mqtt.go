package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// errMQTTNotConnected is returned by Notify before Run has created
// the connection manager.
var errMQTTNotConnected = errors.New("mqtt: not connected")

// MQTT publishes alerts as JSON to a broker topic. Run owns the
// connection; autopaho reconnects in the background.
type MQTT struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// mqttPayload is the JSON document published per alert.
type mqttPayload struct {
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// NewMQTT creates an MQTT channel. It does not connect until Run.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{cfg: cfg, logger: logger.With("channel", "mqtt")}
}

func (m *MQTT) clientConfig(brokerURL *url.URL) autopaho.ClientConfig {
	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "persona-chatbot"
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// Run connects to the broker and blocks until ctx is cancelled, then
// disconnects.
func (m *MQTT) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, m.clientConfig(brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := cm.Disconnect(stopCtx); err != nil {
		m.logger.Debug("mqtt disconnect", "error", err)
	}
	return nil
}

// Notify implements Notifier.
func (m *MQTT) Notify(ctx context.Context, text string) error {
	m.mu.RLock()
	cm := m.cm
	m.mu.RUnlock()
	if cm == nil {
		return errMQTTNotConnected
	}

	payload, err := encodeMQTTPayload(text, time.Now())
	if err != nil {
		return Permanent(err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", m.cfg.Topic, err)
	}
	m.logger.Debug("mqtt notification published", "topic", m.cfg.Topic)
	return nil
}

func encodeMQTTPayload(text string, at time.Time) ([]byte, error) {
	return json.Marshal(mqttPayload{Text: text, Time: at.UTC()})
}
