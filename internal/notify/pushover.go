package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/youngjulesverne/rafael-chatbot/internal/buildinfo"
	"github.com/youngjulesverne/rafael-chatbot/internal/config"
	"github.com/youngjulesverne/rafael-chatbot/internal/httpkit"
)

const (
	pushoverDefaultURL = "https://api.pushover.net/1/messages.json"

	// pushoverMaxMessage is the API's message length limit in runes.
	pushoverMaxMessage = 1024
)

// Pushover posts alerts to the Pushover messages API.
type Pushover struct {
	token      string
	user       string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPushover creates a Pushover channel from cfg.
func NewPushover(cfg config.PushoverConfig, logger *slog.Logger) *Pushover {
	if logger == nil {
		logger = slog.Default()
	}
	u := cfg.URL
	if u == "" {
		u = pushoverDefaultURL
	}
	return &Pushover{
		token: cfg.Token,
		user:  cfg.User,
		url:   u,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("channel", "pushover"),
	}
}

// Notify implements Notifier. Rejected credentials and malformed
// requests are reported as [Permanent].
func (p *Pushover) Notify(ctx context.Context, text string) error {
	form := url.Values{
		"token":   {p.token},
		"user":    {p.user},
		"message": {truncateRunes(text, pushoverMaxMessage)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		err := fmt.Errorf("pushover API error %d: %s", resp.StatusCode, body)
		if !httpkit.IsRetryableStatus(resp.StatusCode) {
			return Permanent(err)
		}
		return err
	}

	p.logger.Debug("pushover message sent")
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
