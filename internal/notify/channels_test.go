package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

func TestPushover_PostsForm(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		got = r.PostForm
		w.Write([]byte(`{"status":1}`))
	}))
	defer srv.Close()

	p := NewPushover(config.PushoverConfig{Token: "app", User: "me", URL: srv.URL}, nil)
	if err := p.Notify(context.Background(), "Recording Ana with email ana@example.com and notes not provided"); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	if got.Get("token") != "app" || got.Get("user") != "me" {
		t.Errorf("credentials = %v", got)
	}
	if !strings.Contains(got.Get("message"), "ana@example.com") {
		t.Errorf("message = %q", got.Get("message"))
	}
}

func TestPushover_StatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantPermanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"status":0}`, tt.status)
			}))
			defer srv.Close()

			p := NewPushover(config.PushoverConfig{Token: "t", User: "u", URL: srv.URL}, nil)
			err := p.Notify(context.Background(), "x")
			if err == nil {
				t.Fatal("Notify() should fail")
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, IsPermanent(err), tt.wantPermanent)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	long := strings.Repeat("é", pushoverMaxMessage+10)
	got := truncateRunes(long, pushoverMaxMessage)
	if n := utf8.RuneCountInString(got); n != pushoverMaxMessage {
		t.Errorf("truncated length = %d runes, want %d", n, pushoverMaxMessage)
	}
	if truncateRunes("short", 10) != "short" {
		t.Error("short strings must pass through")
	}
}

func TestComposeAlert(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	msg, err := composeAlert("Persona <bot@example.com>", []string{"me@example.com"},
		"Recording **What is your salary?**\nasked by a visitor", at)
	if err != nil {
		t.Fatalf("composeAlert() error: %v", err)
	}

	r, err := mail.CreateReader(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("parse composed message: %v", err)
	}
	subject, _ := r.Header.Subject()
	if subject != "Persona chatbot: Recording **What is your salary?**" {
		t.Errorf("Subject = %q", subject)
	}

	var types []string
	var html string
	for {
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		types = append(types, ct)
		body, _ := io.ReadAll(p.Body)
		if ct == "text/html" {
			html = string(body)
		}
	}

	if len(types) != 2 || types[0] != "text/plain" || types[1] != "text/html" {
		t.Errorf("parts = %v, want text/plain then text/html", types)
	}
	if !strings.Contains(html, "<strong>What is your salary?</strong>") {
		t.Errorf("html part = %q", html)
	}
}

func TestComposeAlert_InvalidFrom(t *testing.T) {
	if _, err := composeAlert("not an address", []string{"me@example.com"}, "x", time.Now()); err == nil {
		t.Error("composeAlert() should reject an invalid From")
	}
}

func TestEmail_Notify(t *testing.T) {
	var (
		gotFrom string
		gotTo   []string
		gotMsg  []byte
	)
	e := NewEmail(config.EmailConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "Persona <bot@example.com>",
		To:   []string{"Me <me@example.com>", "backup@example.com"},
	}, nil)
	e.send = func(_ context.Context, _ config.EmailConfig, from string, rcpts []string, msg []byte) error {
		gotFrom, gotTo, gotMsg = from, rcpts, msg
		return nil
	}

	if err := e.Notify(context.Background(), "Recording visitor"); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if gotFrom != "bot@example.com" {
		t.Errorf("from = %q", gotFrom)
	}
	if len(gotTo) != 2 || gotTo[0] != "me@example.com" || gotTo[1] != "backup@example.com" {
		t.Errorf("recipients = %v", gotTo)
	}
	if !bytes.Contains(gotMsg, []byte("Recording visitor")) {
		t.Error("message body missing alert text")
	}
}

func TestEmail_BadRecipientIsPermanent(t *testing.T) {
	e := NewEmail(config.EmailConfig{Host: "h", From: "bot@example.com", To: []string{"@@"}}, nil)
	e.send = func(context.Context, config.EmailConfig, string, []string, []byte) error {
		t.Fatal("send should not be reached")
		return nil
	}
	if err := e.Notify(context.Background(), "x"); !IsPermanent(err) {
		t.Errorf("Notify() error = %v, want permanent", err)
	}
}

func TestMQTT_NotifyBeforeRun(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Broker: "mqtt://localhost:1883", Topic: "t"}, nil)
	if err := m.Notify(context.Background(), "x"); !errors.Is(err, errMQTTNotConnected) {
		t.Errorf("Notify() error = %v, want errMQTTNotConnected", err)
	}
}

func TestMQTT_ClientConfig(t *testing.T) {
	tests := []struct {
		broker     string
		clientID   string
		wantTLS    bool
		wantClient string
	}{
		{"mqtt://localhost:1883", "", false, "persona-chatbot"},
		{"mqtts://broker.example.com:8883", "site-bot", true, "site-bot"},
		{"ssl://broker.example.com:8883", "", true, "persona-chatbot"},
	}
	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			u, err := url.Parse(tt.broker)
			if err != nil {
				t.Fatal(err)
			}
			m := NewMQTT(config.MQTTConfig{Broker: tt.broker, ClientID: tt.clientID, Username: "u", Password: "p"}, nil)
			cfg := m.clientConfig(u)

			if (cfg.TlsCfg != nil) != tt.wantTLS {
				t.Errorf("TLS configured = %v, want %v", cfg.TlsCfg != nil, tt.wantTLS)
			}
			if cfg.ClientConfig.ClientID != tt.wantClient {
				t.Errorf("ClientID = %q, want %q", cfg.ClientConfig.ClientID, tt.wantClient)
			}
			if cfg.ConnectUsername != "u" || string(cfg.ConnectPassword) != "p" {
				t.Error("credentials not carried into the client config")
			}
		})
	}
}

func TestEncodeMQTTPayload(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	b, err := encodeMQTTPayload("Recording question", at)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["text"] != "Recording question" || got["time"] != "2026-10-14T10:00:00Z" {
		t.Errorf("payload = %s", b)
	}
}

func TestService_ReportsDeliveryOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("message") == "reject me" {
			http.Error(w, `{"status":0}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"status":1}`))
	}))
	defer srv.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	observe := func(channel, outcome string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, channel+":"+outcome)
	}
	cfg := config.NotifyConfig{
		Pushover:  config.PushoverConfig{Token: "t", User: "u", URL: srv.URL},
		QueueSize: 4,
		Retry:     config.RetryConfig{Attempts: 2, Base: time.Millisecond},
	}
	s := NewService(cfg, observe, nil)
	s.Notify(context.Background(), "Recording question")
	s.Notify(context.Background(), "reject me")
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"pushover:delivered", "pushover:failed"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("outcomes = %v, want %v", got, want)
	}
}
