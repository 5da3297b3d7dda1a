// internal/notifier/dispatcher.go
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier posts one structured payload to an outbound channel.
type Notifier interface {
	Dispatch(ctx context.Context, channel string, payload map[string]any, urgent bool) error
}

// WebhookDispatcher routes by channel to a configured webhook, with a
// separate override for urgent deliveries. The n8n workflow on the other
// side does the actual channel fan-out.
type WebhookDispatcher struct {
	webhooks  map[string]string
	urgentURL string
	httpc     *http.Client
}

func NewWebhookDispatcher(webhooks map[string]string, urgentURL string) *WebhookDispatcher {
	return &WebhookDispatcher{
		webhooks:  webhooks,
		urgentURL: urgentURL,
		httpc:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, channel string, payload map[string]any, urgent bool) error {
	webhook := d.webhooks[channel]
	if urgent {
		webhook = d.urgentURL
	}
	if webhook == "" {
		return fmt.Errorf("webhook not configured for channel=%s urgent=%t", channel, urgent)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
