package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// sendFunc delivers a composed message. Tests replace it.
type sendFunc func(ctx context.Context, cfg config.EmailConfig, from string, recipients []string, msg []byte) error

// Email sends each alert as a short multipart message over SMTP.
type Email struct {
	cfg    config.EmailConfig
	send   sendFunc
	logger *slog.Logger
}

// NewEmail creates an e-mail channel from cfg.
func NewEmail(cfg config.EmailConfig, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{cfg: cfg, send: sendMail, logger: logger.With("channel", "email")}
}

// Notify implements Notifier.
func (e *Email) Notify(ctx context.Context, text string) error {
	msg, err := composeAlert(e.cfg.From, e.cfg.To, text, time.Now())
	if err != nil {
		return Permanent(err)
	}

	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return Permanent(fmt.Errorf("parse from address: %w", err))
	}
	recipients := make([]string, 0, len(e.cfg.To))
	for _, to := range e.cfg.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return Permanent(fmt.Errorf("parse to address %q: %w", to, err))
		}
		recipients = append(recipients, addr.Address)
	}

	if err := e.send(ctx, e.cfg, from.Address, recipients, msg); err != nil {
		return err
	}
	e.logger.Debug("email notification sent", "recipients", len(recipients))
	return nil
}

// alertSubject derives a subject line from the first line of text.
func alertSubject(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return "Persona chatbot: " + truncateRunes(line, 60)
}

// composeAlert builds an RFC 5322 message with text/plain and
// text/html alternatives. text is treated as markdown.
func composeAlert(from string, to []string, text string, at time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(at)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(alertSubject(text))

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddrs := make([]*mail.Address, 0, len(to))
	for _, a := range to {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		toAddrs = append(toAddrs, parsed)
	}
	h.SetAddressList("To", toAddrs)

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(text), &html); err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", `<!DOCTYPE html><html><head><meta charset="utf-8"></head><body style="font-family: sans-serif;">` + html.String() + `</body></html>`},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.contentType)
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// sendMail opens an ephemeral SMTP connection and delivers msg. With
// StartTLS unset the connection uses implicit TLS (port 465).
func sendMail(ctx context.Context, cfg config.EmailConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return Permanent(fmt.Errorf("AUTH: %w", err))
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
