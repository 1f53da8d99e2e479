package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const webhookTimeout = 5 * time.Second

// Webhook POSTs event records to a run's notify_url. An authentication token
// may ride in the URL fragment as #auth=<bearer>; it is stripped before
// dispatch and sent as an Authorization header instead. All failures are
// swallowed after logging.
type Webhook struct {
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Post delivers one event. Best-effort.
func (w *Webhook) Post(ctx context.Context, notifyURL string, ev Event) {
	target, auth := splitAuthFragment(notifyURL)

	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Debug("webhook encode failed", "event", ev.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		w.logger.Debug("webhook request failed", "url", target, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("webhook post failed", "url", target, "event", ev.Event, "error", err)
		return
	}
	_ = resp.Body.Close()
}

// splitAuthFragment strips a #auth=<token> fragment from the URL, returning
// the bare URL and the decoded token.
func splitAuthFragment(raw string) (target, auth string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	frag := u.Fragment
	u.Fragment = ""
	u.RawFragment = ""
	if after, ok := strings.CutPrefix(frag, "auth="); ok {
		auth = after
	}
	return u.String(), auth
}
