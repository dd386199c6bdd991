package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dockmon/dockmon/internal/dockerr"
)

// webhookConfig is the opaque per-channel config shape for the "webhook"
// (and Discord/Slack, which accept the same generic {content} POST body)
// channel type.
type webhookConfig struct {
	URL string `json:"url"`
}

// WebhookTransport posts a JSON body to a per-channel URL. It is the single
// concrete transport DockMon ships, since notification delivery protocols
// are named out of scope as opaque transports (spec §1); only the dispatch
// contract is exercised here.
type WebhookTransport struct {
	client *http.Client
}

func NewWebhookTransport() *WebhookTransport {
	return &WebhookTransport{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookTransport) Send(ctx context.Context, channel Channel, alert Alert) error {
	var cfg webhookConfig
	if err := json.Unmarshal([]byte(channel.Config), &cfg); err != nil {
		return dockerr.NewPermanentError("invalid webhook channel config").WithEntity(channel.Name)
	}
	if cfg.URL == "" {
		return dockerr.NewPermanentError("webhook channel has no url").WithEntity(channel.Name)
	}

	body, _ := json.Marshal(map[string]string{
		"content": fmt.Sprintf("[%s] %s: %s (%s)", alert.Severity, alert.RuleName, alert.Message, alert.Entity),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return dockerr.NewPermanentError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return dockerr.NewTransientError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dockerr.NewTransientError(fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return dockerr.NewPermanentError(fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
