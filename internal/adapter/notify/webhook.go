package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookPayload is the JSON body posted to webhook channels.
type WebhookPayload struct {
	Channel       string                `json:"channel"`
	Notifications []domain.Notification `json:"notifications"`
}

// Webhook posts notification batches as JSON, for Slack or email bridges.
type Webhook struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhook creates a webhook channel. A nil client gets a traced client
// without its own timeout; the dispatcher bounds every attempt.
func NewWebhook(name, url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Webhook{name: name, url: url, client: client}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Notify(ctx context.Context, batch []domain.Notification) error {
	body, err := json.Marshal(WebhookPayload{Channel: w.name, Notifications: batch})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "querywatch")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", w.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook %s returned %s", w.name, resp.Status)
	default:
		// Other client errors will not succeed on retry.
		return backoff.Permanent(fmt.Errorf("webhook %s rejected batch: %s", w.name, resp.Status))
	}
}
